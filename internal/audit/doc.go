// Package audit delivers security events (logins, refresh reuse, CSRF
// rejections, 2FA changes) to a Sink without blocking request handling.
package audit
