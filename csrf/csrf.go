// Package csrf implements double-submit CSRF protection: a JS-readable
// cookie whose value must be echoed in the X-CSRF-Token header on
// state-changing requests.
package csrf

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/MrEthical07/authcore/cookie"
	"github.com/MrEthical07/authcore/internal"
)

// HeaderName carries the echoed token.
const HeaderName = "X-CSRF-Token"

var (
	// ErrMissing means the header or the cookie is absent.
	ErrMissing = errors.New("csrf token missing")
	// ErrInvalid means header and cookie differ.
	ErrInvalid = errors.New("csrf token invalid")
)

// Guard checks and issues tokens.
type Guard struct {
	cookies *cookie.Transport
}

// New returns a Guard writing cookies through t.
func New(t *cookie.Transport) *Guard {
	return &Guard{cookies: t}
}

// Safe reports whether method never changes state.
func Safe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Check validates r. Safe methods and requests without a session cookie
// are exempt.
func (g *Guard) Check(r *http.Request) error {
	if Safe(r.Method) || !cookie.HasSessionCookie(r) {
		return nil
	}
	header := r.Header.Get(HeaderName)
	stored := cookie.CSRFToken(r)
	if header == "" || stored == "" {
		return ErrMissing
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(stored)) != 1 {
		return ErrInvalid
	}
	return nil
}

// Issue sets a fresh token cookie and returns the token.
func (g *Guard) Issue(w http.ResponseWriter, r *http.Request) (string, error) {
	token, err := internal.NewCSRFToken()
	if err != nil {
		return "", err
	}
	g.cookies.SetCSRF(w, r, token)
	return token, nil
}

// Clear expires the token cookie.
func (g *Guard) Clear(w http.ResponseWriter, r *http.Request) {
	g.cookies.ClearCSRF(w, r)
}
