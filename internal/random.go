package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const (
	sessionIDBytes     = 32
	refreshHandleBytes = 32
	csrfTokenBytes     = 32
)

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewSessionID returns a URL-safe session id carrying 256 bits of entropy.
func NewSessionID() (string, error) { return randomToken(sessionIDBytes) }

// NewRefreshHandle returns an opaque refresh handle. Authority comes from
// its KV record, never from its content.
func NewRefreshHandle() (string, error) { return randomToken(refreshHandleBytes) }

// NewCSRFToken returns a token for the double-submit cookie.
func NewCSRFToken() (string, error) { return randomToken(csrfTokenBytes) }

// WellFormedToken reports whether s could have come from one of the
// generators above. Used to reject junk before it reaches the KV layer.
func WellFormedToken(s string) bool {
	if len(s) != base64.RawURLEncoding.EncodedLen(32) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// NewDigits returns a uniformly random decimal string of length n.
func NewDigits(n int) (string, error) {
	if n < 6 || n > 12 {
		return "", errors.New("invalid digit count")
	}
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
