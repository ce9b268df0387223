package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Method names an HMAC signing algorithm.
type Method string

const (
	HS256 Method = "HS256"
	HS384 Method = "HS384"
	HS512 Method = "HS512"
)

// MinSecretBytes is the smallest accepted signing secret.
const MinSecretBytes = 32

var (
	// ErrExpired is returned for tokens past exp plus leeway.
	ErrExpired = errors.New("jwt: token expired")
	// ErrInvalid is returned for malformed tokens, bad signatures and
	// unexpected algorithms.
	ErrInvalid = errors.New("jwt: token invalid")
)

// Config configures a Manager.
type Config struct {
	Method Method
	Secret []byte
	Issuer string
	// Leeway is the clock skew accepted on exp, nbf and iat.
	Leeway time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Claims is the access-token payload.
type Claims struct {
	ActorClass   string `json:"actor_class"`
	SessionID    string `json:"sid,omitempty"`
	TOTPVerified bool   `json:"tv,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and parses access tokens. It is safe for concurrent use.
type Manager struct {
	config Config
	method jwt.SigningMethod
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Method == "" {
		cfg.Method = HS256
	}
	var method jwt.SigningMethod
	switch cfg.Method {
	case HS256:
		method = jwt.SigningMethodHS256
	case HS384:
		method = jwt.SigningMethodHS384
	case HS512:
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.Method)
	}
	if len(cfg.Secret) < MinSecretBytes {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretBytes)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Secret = append([]byte(nil), cfg.Secret...)
	return &Manager{config: cfg, method: method}, nil
}

// Issue signs an access token for subject valid for ttl. It returns the
// token and its expiry.
func (m *Manager) Issue(subject, actorClass, sessionID string, totpVerified bool, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("access ttl must be > 0")
	}
	if subject == "" {
		return "", time.Time{}, errors.New("subject required")
	}
	now := m.config.Now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)

	claims := Claims{
		ActorClass:   actorClass,
		SessionID:    sessionID,
		TOTPVerified: totpVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.config.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies token and returns its claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithLeeway(m.config.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.config.Now),
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}

	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.config.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ActorClass == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
