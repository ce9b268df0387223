package rate

import "errors"

var (
	// ErrRateLimited is returned when the caller exhausted the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrBackendUnavailable is returned for fail-closed classes when the
	// counter store cannot be reached.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
	// ErrUnknownClass is returned for a class with no policy.
	ErrUnknownClass = errors.New("unknown rate limit class")
)
