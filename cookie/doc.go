// Package cookie places and removes the session, refresh, CSRF and
// subject-id cookies.
//
// Attributes are decided per request: Secure follows the transport (or an
// override), SameSite is None only for cross-site Secure requests, and only
// the primary session cookie may be scoped to a parent domain. Mobile
// browsers additionally receive the session id under alias names with
// SameSite=Lax and no Domain, because some private modes drop
// SameSite=None cookies.
package cookie
