// Package internal holds helpers private to authcore: random token
// generation for session ids, refresh handles and CSRF tokens.
//
// Sub-packages:
//
//   - flows: validate, refresh and sweep orchestration over small dependency structs
//   - rate: policy-table rate limiter over the KV store
//   - reqmeta: client IP extraction and device fingerprints
//   - workpool: bounded pool for CPU-heavy synchronous work
//   - logging: zap logger construction
//   - audit, metrics: event dispatch and counter registry internals
package internal
