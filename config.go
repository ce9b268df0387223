package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/jwt"
)

// Environment names the deployment stage.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// Config is the full runtime configuration of a Manager and the HTTP
// surface around it. Start from DefaultConfig or LoadConfigFromEnv.
type Config struct {
	Environment Environment

	Server    ServerConfig
	Token     TokenConfig
	Session   SessionConfig
	Redis     RedisConfig
	Cookie    CookieConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	TOTP      TOTPConfig
	Password  PasswordConfig
	Database  DatabaseConfig
	Workers   WorkersConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// TrustProxyHeaders honours X-Forwarded-For, X-Real-IP and
	// X-Forwarded-Proto from the peer.
	TrustProxyHeaders bool
}

// TokenConfig configures access-token signing and token lifetimes.
type TokenConfig struct {
	Secret []byte
	Method jwt.Method
	Issuer string
	Leeway time.Duration

	// Generated is set when the secret was minted for this process only.
	Generated bool

	AccessTTLUser    time.Duration
	AccessTTLService time.Duration
	AccessTTLAdmin   time.Duration
	RefreshTTL       time.Duration
}

// SessionConfig configures session lifetime and housekeeping.
type SessionConfig struct {
	IdleTimeout           time.Duration
	AggressiveSweep       bool
	AggressiveIdleTimeout time.Duration
	SweepInterval         time.Duration
	SubjectCacheTTL       time.Duration
	// StatelessFallback accepts bearer access tokens on their signature
	// alone while the session store is unreachable.
	StatelessFallback bool
	KeyPrefix         string
}

// RedisConfig configures the KV backend.
type RedisConfig struct {
	Enabled             bool
	URL                 string
	MaxConnections      int
	ConnectTimeout      time.Duration
	SocketTimeout       time.Duration
	HealthCheckInterval time.Duration
	RetryOnTimeout      bool
	// LocalFallback serves from process memory while Redis is down and
	// replays writes on recovery. Single-process deployments only.
	LocalFallback bool
}

// CookieConfig configures cookie placement. Empty SameSite means automatic.
type CookieConfig struct {
	Domain       string
	Path         string
	SameSite     string
	Secure       *bool
	MobileCompat bool
}

// CORSConfig lists browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string
}

// RateLimitConfig holds the per-class policy table.
type RateLimitConfig struct {
	Enabled  bool
	Policies rate.Policies
}

// TOTPConfig configures admin second-factor enrolment.
type TOTPConfig struct {
	Issuer           string
	Digits           int
	Period           int
	Skew             int
	SetupTTL         time.Duration
	BackupCodeCount  int
	BackupCodeLength int
}

// PasswordConfig holds argon2id parameters.
type PasswordConfig struct {
	Memory         uint32
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

// DatabaseConfig selects the user store.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
	Migrate        bool
}

// WorkersConfig sizes the pool that runs password hashing and verification.
type WorkersConfig struct {
	PoolSize int
}

// AuditConfig controls audit event buffering.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			TrustProxyHeaders: true,
		},
		Token: TokenConfig{
			Method:           jwt.HS256,
			Issuer:           "authcore",
			Leeway:           30 * time.Second,
			AccessTTLUser:    15 * time.Minute,
			AccessTTLService: 8 * time.Hour,
			AccessTTLAdmin:   4 * time.Hour,
			RefreshTTL:       30 * 24 * time.Hour,
		},
		Session: SessionConfig{
			IdleTimeout:           24 * time.Hour,
			AggressiveIdleTimeout: 20 * time.Minute,
			SweepInterval:         5 * time.Minute,
			SubjectCacheTTL:       30 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:             true,
			URL:                 "redis://localhost:6379/0",
			MaxConnections:      50,
			ConnectTimeout:      5 * time.Second,
			SocketTimeout:       5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			RetryOnTimeout:      true,
		},
		Cookie: CookieConfig{
			Path:         "/",
			MobileCompat: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Policies: rate.DefaultPolicies(),
		},
		TOTP: TOTPConfig{
			Issuer:           "authcore",
			Digits:           6,
			Period:           30,
			Skew:             1,
			SetupTTL:         15 * time.Minute,
			BackupCodeCount:  10,
			BackupCodeLength: 8,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      1,
			UpgradeOnLogin: true,
		},
		Database: DatabaseConfig{
			URL:            "memory://",
			MaxConnections: 25,
		},
		Workers: WorkersConfig{
			PoolSize: 20,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.Secret = cloneBytes(cfg.Token.Secret)
	out.RateLimit.Policies = cfg.RateLimit.Policies.Clone()
	out.CORS.AllowedOrigins = append([]string(nil), cfg.CORS.AllowedOrigins...)
	if cfg.Cookie.Secure != nil {
		v := *cfg.Cookie.Secure
		out.Cookie.Secure = &v
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// IsProduction reports whether production hardening applies.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// IdleTimeout is the effective session idle limit.
func (c *Config) IdleTimeout() time.Duration {
	if c.Session.AggressiveSweep {
		return c.Session.AggressiveIdleTimeout
	}
	return c.Session.IdleTimeout
}

// AccessTTL returns the access-token lifetime for actor.
func (c *Config) AccessTTL(actor ActorClass) time.Duration {
	switch actor {
	case ActorService:
		return c.Token.AccessTTLService
	case ActorAdmin:
		return c.Token.AccessTTLAdmin
	}
	return c.Token.AccessTTLUser
}

var placeholderSecrets = []string{
	"change-me",
	"changeme",
	"secret",
	"dev-secret-key",
	"your-secret-key",
}

// IsPlaceholderSecret reports whether secret looks like a value copied from a
// sample configuration.
func IsPlaceholderSecret(secret []byte) bool {
	s := strings.ToLower(strings.TrimSpace(string(secret)))
	if s == "" {
		return true
	}
	for _, p := range placeholderSecrets {
		if s == p || strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Validate rejects configurations the Manager cannot run with. In production
// the signing secret must be explicit, long enough and not a placeholder.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	// Token
	if len(c.Token.Secret) < jwt.MinSecretBytes {
		return fmt.Errorf("SECRET_KEY must be at least %d bytes", jwt.MinSecretBytes)
	}
	if c.IsProduction() {
		if c.Token.Generated {
			return errors.New("SECRET_KEY must be set in production")
		}
		if IsPlaceholderSecret(c.Token.Secret) {
			return errors.New("SECRET_KEY is a placeholder value")
		}
	}
	if c.Token.AccessTTLUser <= 0 || c.Token.AccessTTLService <= 0 || c.Token.AccessTTLAdmin <= 0 {
		return errors.New("access token lifetimes must be > 0")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("refresh lifetime must be > 0")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("token leeway must be within [0, 2m]")
	}

	// Session
	if c.Session.IdleTimeout <= 0 {
		return errors.New("session idle timeout must be > 0")
	}
	if c.Session.AggressiveSweep && c.Session.AggressiveIdleTimeout <= 0 {
		return errors.New("aggressive idle timeout must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if c.Session.SubjectCacheTTL < 0 {
		return errors.New("subject cache ttl must be >= 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.SocketTimeout <= 0 || c.Redis.SocketTimeout > 5*time.Second {
			return errors.New("REDIS_SOCKET_TIMEOUT must be within (0, 5s]")
		}
		if c.Redis.MaxConnections < 0 {
			return errors.New("REDIS_MAX_CONNECTIONS must be >= 0")
		}
	}

	// Cookie
	switch strings.ToLower(c.Cookie.SameSite) {
	case "", "auto", "lax", "strict", "none":
	default:
		return fmt.Errorf("unsupported COOKIE_SAMESITE %q", c.Cookie.SameSite)
	}
	if c.Cookie.Path == "" || !strings.HasPrefix(c.Cookie.Path, "/") {
		return errors.New("COOKIE_PATH must start with /")
	}

	// Rate limits
	if err := c.RateLimit.Policies.Validate(); err != nil {
		return err
	}

	// TOTP
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 8 {
		return errors.New("TOTP digits must be 6 to 8")
	}
	if c.TOTP.Period <= 0 || c.TOTP.Skew < 0 || c.TOTP.Skew > 3 {
		return errors.New("invalid TOTP period or skew")
	}
	if c.TOTP.SetupTTL <= 0 {
		return errors.New("TOTP setup ttl must be > 0")
	}
	if c.TOTP.BackupCodeCount <= 0 || c.TOTP.BackupCodeLength < 6 || c.TOTP.BackupCodeLength > 12 {
		return errors.New("invalid backup code settings")
	}

	// Password
	if c.Password.Memory < 8*1024 || c.Password.Time < 1 || c.Password.Parallelism < 1 {
		return errors.New("argon2 parameters below minimum")
	}

	if c.Workers.PoolSize < 0 {
		return errors.New("WORKER_POOL_SIZE must be >= 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit buffer size must be > 0")
	}
	return nil
}
