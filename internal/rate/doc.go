// Package rate implements fixed-window request counters keyed by
// (class, caller) on top of a kv.Store.
//
// # Window semantics
//
// INCR the counter, and on the first hit EXPIRE it for the class window.
// The window therefore starts at the first request, not on a wall-clock
// boundary. Keys are ratelimit:{class}:{key}.
//
// # Failure semantics
//
// When the store is unreachable each class either lets the request through
// (fail open) or rejects it (fail closed). The choice is part of the
// class Policy.
package rate
