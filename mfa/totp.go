package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SecretBytes is the raw TOTP secret length (160 bits).
const SecretBytes = 20

var (
	// ErrInvalidSecret is returned for secrets that are not base32.
	ErrInvalidSecret = errors.New("mfa: invalid totp secret")
	// ErrUnsupportedAlgorithm is returned for unknown HMAC algorithms.
	ErrUnsupportedAlgorithm = errors.New("mfa: unsupported totp algorithm")
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTP holds code parameters. The zero value is usable and means SHA1,
// 6 digits, 30 s steps, and a window of one step either side.
type TOTP struct {
	Digits    int
	Period    int
	Skew      int
	Algorithm string
}

// Default returns the authenticator-app compatible parameters.
func Default() TOTP {
	return TOTP{Digits: 6, Period: 30, Skew: 1, Algorithm: "SHA1"}
}

func (t TOTP) normalized() TOTP {
	if t.Digits <= 0 {
		t.Digits = 6
	}
	if t.Period <= 0 {
		t.Period = 30
	}
	if t.Skew < 0 {
		t.Skew = 0
	}
	if t.Algorithm == "" {
		t.Algorithm = "SHA1"
	}
	return t
}

// GenerateSecret returns a new base32 secret without padding.
func GenerateSecret() (string, error) {
	raw := make([]byte, SecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// DecodeSecret accepts base32 with or without padding, any case, and spaces.
func DecodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	s = strings.TrimRight(s, "=")
	raw, err := b32.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

// ProvisioningURI builds the otpauth:// URI authenticator apps import.
func (t TOTP) ProvisioningURI(issuer, account, secret string) string {
	t = t.normalized()
	label := url.PathEscape(account)
	if issuer != "" {
		label = url.PathEscape(issuer + ":" + account)
	}

	v := url.Values{}
	v.Set("secret", secret)
	if issuer != "" {
		v.Set("issuer", issuer)
	}
	v.Set("period", strconv.Itoa(t.Period))
	v.Set("digits", strconv.Itoa(t.Digits))
	v.Set("algorithm", strings.ToUpper(t.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Code returns the code for the step containing now.
func (t TOTP) Code(secret string, now time.Time) (string, error) {
	t = t.normalized()
	raw, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(raw, now.Unix()/int64(t.Period), t.Digits, t.Algorithm)
}

// Verify checks code against the steps around now and returns the matched
// counter so callers can reject replays of the same or older steps.
func (t TOTP) Verify(secret, code string, now time.Time) (int64, bool) {
	t = t.normalized()
	code = strings.TrimSpace(code)
	if len(code) != t.Digits || !numeric(code) {
		return 0, false
	}
	raw, err := DecodeSecret(secret)
	if err != nil {
		return 0, false
	}
	return t.verifyRaw(raw, code, now)
}

func (t TOTP) verifyRaw(raw []byte, code string, now time.Time) (int64, bool) {
	base := now.Unix() / int64(t.Period)
	for step := -t.Skew; step <= t.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		want, err := hotp(raw, counter, t.Digits, t.Algorithm)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return counter, true
		}
	}
	return 0, false
}

func hotp(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	}
	return nil, ErrUnsupportedAlgorithm
}

func numeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
