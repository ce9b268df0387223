// Package middleware adapts authcore.Manager to net/http.
//
// # Guards
//
//   - [RequireSession] resolves the caller and refuses admins that still owe
//     a second factor.
//   - [AllowTOTPPending] resolves the caller but lets a TOTP-pending admin
//     through, for the verify-2fa route.
//   - [RequireActor] narrows a route to some actor classes.
//
// Guards place the principal in the request context (authcore.PrincipalFrom)
// and hand every failure to an [ErrorWriter]; this package never decides
// response bodies itself.
//
// # Plumbing
//
// [RequestID], [ClientIP], [AccessLog] and [SecurityHeaders] are the
// ambient chain mounted in front of every route.
package middleware
