// Package mfa provides second-factor primitives: RFC 6238 TOTP codes,
// otpauth provisioning URIs, QR images, and one-time backup codes.
//
// Nothing here touches storage. Persisting secrets and consuming backup
// codes is the caller's job.
package mfa
