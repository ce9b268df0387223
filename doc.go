// Package authcore is a multi-actor session core: server-side sessions in a
// KV store, short-lived signed access tokens, rotating refresh handles,
// per-class rate limits and an admin second factor.
//
// Build a [Manager] once per process with [Builder] and share it; its
// methods are safe for concurrent use.
//
// # Actors
//
// Every session belongs to one of three actor classes: user, service or
// admin. Admins that enrolled in TOTP get sessions that stay pending until
// [Manager.VerifySecondFactor] succeeds; [Manager.ValidateRequest] refuses
// them with [ErrTOTPRequired] until then.
//
// # Storage
//
// Sessions, refresh handles, rate counters and TOTP scratch state live in
// a kv.Store (Redis in production). Subjects live in a userstore.Store
// (Postgres, bbolt or memory). The HTTP surface is in package httpapi.
//
// # Hot path
//
// Validation costs one KV read and one KV write. Subjects are reloaded
// through a short-lived cache.
package authcore
