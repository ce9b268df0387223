package middleware

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/authcore"
)

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// PlainErrors writes bare status codes. It is the fallback when no
// ErrorWriter is supplied.
func PlainErrors(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, authcore.ErrForbidden), errors.Is(err, authcore.ErrAccountDisabled), errors.Is(err, authcore.ErrTOTPRequired):
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
}

// Guard resolves the request's session and stores the principal in the
// context. With allowPending false a TOTP-pending admin is rejected with
// authcore.ErrTOTPRequired.
func Guard(m *authcore.Manager, allowPending bool, onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = PlainErrors
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				onError(w, r, authcore.ErrEngineNotReady)
				return
			}

			var (
				p   *authcore.Principal
				err error
			)
			if allowPending {
				p, err = m.AuthenticateRequest(r)
			} else {
				p, err = m.ValidateRequest(r)
			}
			if err != nil {
				onError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(authcore.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireSession is Guard with the second-factor gate enforced.
func RequireSession(m *authcore.Manager, onError ErrorWriter) func(http.Handler) http.Handler {
	return Guard(m, false, onError)
}

// AllowTOTPPending is Guard without the second-factor gate.
func AllowTOTPPending(m *authcore.Manager, onError ErrorWriter) func(http.Handler) http.Handler {
	return Guard(m, true, onError)
}

// RequireActor rejects principals whose class is not listed. It must run
// after a guard.
func RequireActor(onError ErrorWriter, classes ...authcore.ActorClass) func(http.Handler) http.Handler {
	if onError == nil {
		onError = PlainErrors
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := authcore.PrincipalFrom(r.Context())
			if p == nil {
				onError(w, r, authcore.ErrUnauthenticated)
				return
			}
			for _, c := range classes {
				if p.ActorClass == c {
					next.ServeHTTP(w, r)
					return
				}
			}
			onError(w, r, authcore.ErrForbidden)
		})
	}
}
