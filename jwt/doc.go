// Package jwt signs and verifies short-lived access tokens.
//
// Tokens are HMAC-signed (HS256 by default) and carry the subject, actor
// class, session id, a TOTP-verified flag and a unique jti. Verification
// pins the algorithm and tolerates a bounded clock skew.
package jwt
