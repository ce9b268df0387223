// Package kv is the fast key/value layer used for sessions, refresh
// handles, rate counters and 2FA scratch state.
//
// Store is implemented by Redis (production) and Memory (single-process
// mode and tests). Fallback wraps a Redis store and, when enabled, serves
// traffic from a journalled Memory store while Redis is unreachable.
//
// Values are opaque bytes. Callers own serialization.
package kv
