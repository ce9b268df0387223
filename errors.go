package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput is returned for malformed or missing request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials covers unknown identifiers and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated is returned when no valid session or token is presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrRefreshInvalid is returned for unknown, consumed or expired refresh handles.
	ErrRefreshInvalid = errors.New("refresh token invalid")
	// ErrAccountDisabled is returned for inactive, banned or suspended subjects.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrForbidden is returned when the principal's actor class may not use an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrTOTPRequired is returned for admin sessions that still owe a second factor.
	ErrTOTPRequired = errors.New("totp required")
	// ErrTOTPInvalid is returned for wrong, replayed or already used codes.
	ErrTOTPInvalid = errors.New("invalid totp code")
	// ErrTOTPAlreadyEnabled is returned by setup when 2FA is already on.
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")
	// ErrTOTPNotEnabled is returned by operations that need an enrolled subject.
	ErrTOTPNotEnabled = errors.New("totp not enabled")
	// ErrTOTPSetupMissing is returned when confirming without a pending setup.
	ErrTOTPSetupMissing = errors.New("no totp setup in progress")
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrBackendUnavailable is returned when a mandatory store call fails.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned by a Manager that was not built by Builder.
	ErrEngineNotReady = errors.New("manager not initialized")
)

// RateLimitError carries the wait the client should observe. Unavailable is
// set when a fail-closed class could not reach its counter store.
type RateLimitError struct {
	Class       string
	RetryAfter  time.Duration
	Unavailable bool
}

func (e *RateLimitError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("rate limiter unavailable for %s", e.Class)
	}
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Class, e.RetryAfter)
}

// Is lets errors.Is match both sentinels a rate decision can stand for.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return !e.Unavailable
	}
	if target == ErrBackendUnavailable {
		return e.Unavailable
	}
	return false
}

// RetryAfterOf extracts the retry hint from err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
