// Package session persists session and refresh-token records in a kv.Store.
//
// # Key layout
//
//	session:{sid}                  JSON Record, TTL = idle timeout (sliding)
//	user_sessions:{subject}        set of session ids for the subject
//	{actor}_refresh_token:{handle} JSON RefreshRecord, TTL = absolute expiry
//
// # Architecture boundaries
//
// This package owns record encoding and key management. It does not issue
// tokens, look up subjects, or decide whether a request is authenticated;
// those belong to the Manager in the root package.
//
// # What this package must NOT do
//
//   - Import the root package, jwt, or cookie.
//   - Store plaintext passwords or TOTP secrets.
package session
