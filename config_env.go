package authcore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrEthical07/authcore/jwt"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadConfigFromEnv builds a Config from environment lookups layered over
// the defaults. Pass os.LookupEnv in production code. The result is not
// validated; call Validate.
func LoadConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := defaultConfig()
	e := envReader{lookup: lookup}

	if v, ok := e.str("ENVIRONMENT"); ok {
		cfg.Environment = Environment(strings.ToLower(v))
	}

	// Token
	if v, ok := e.str("SECRET_KEY"); ok {
		cfg.Token.Secret = []byte(v)
	} else {
		secret, err := randomSecret()
		if err != nil {
			return Config{}, err
		}
		cfg.Token.Secret = secret
		cfg.Token.Generated = true
	}
	if v, ok := e.str("JWT_ALGORITHM"); ok {
		cfg.Token.Method = jwt.Method(strings.ToUpper(v))
	}
	if v, ok := e.str("TOKEN_ISSUER"); ok {
		cfg.Token.Issuer = v
	}
	e.duration("ACCESS_TTL_USER_MIN", time.Minute, &cfg.Token.AccessTTLUser)
	e.duration("ACCESS_TTL_SERVICE_HOURS", time.Hour, &cfg.Token.AccessTTLService)
	e.duration("ACCESS_TTL_ADMIN_HOURS", time.Hour, &cfg.Token.AccessTTLAdmin)
	e.duration("REFRESH_EXPIRE_DAYS", 24*time.Hour, &cfg.Token.RefreshTTL)

	// Session
	e.duration("SESSION_EXPIRE_HOURS", time.Hour, &cfg.Session.IdleTimeout)
	e.boolean("SESSION_AGGRESSIVE_SWEEP", &cfg.Session.AggressiveSweep)
	e.duration("SESSION_SWEEP_INTERVAL", time.Second, &cfg.Session.SweepInterval)
	e.duration("SUBJECT_CACHE_TTL", time.Second, &cfg.Session.SubjectCacheTTL)
	e.boolean("STATELESS_FALLBACK", &cfg.Session.StatelessFallback)
	if v, ok := e.str("KV_PREFIX"); ok {
		cfg.Session.KeyPrefix = v
	}

	// Redis
	e.boolean("USE_REDIS", &cfg.Redis.Enabled)
	if v, ok := e.str("REDIS_URL"); ok {
		cfg.Redis.URL = v
	}
	e.integer("REDIS_MAX_CONNECTIONS", &cfg.Redis.MaxConnections)
	e.duration("REDIS_SOCKET_TIMEOUT", time.Second, &cfg.Redis.SocketTimeout)
	e.duration("REDIS_CONNECT_TIMEOUT", time.Second, &cfg.Redis.ConnectTimeout)
	e.duration("REDIS_HEALTH_CHECK_INTERVAL", time.Second, &cfg.Redis.HealthCheckInterval)
	e.boolean("REDIS_RETRY_ON_TIMEOUT", &cfg.Redis.RetryOnTimeout)
	e.boolean("KV_LOCAL_FALLBACK", &cfg.Redis.LocalFallback)

	// Cookie
	if v, ok := e.str("COOKIE_DOMAIN"); ok {
		cfg.Cookie.Domain = strings.TrimPrefix(v, ".")
	}
	if v, ok := e.str("COOKIE_SAMESITE"); ok {
		cfg.Cookie.SameSite = strings.ToLower(v)
	}
	if v, ok := e.str("COOKIE_PATH"); ok {
		cfg.Cookie.Path = v
	}
	if _, ok := e.str("COOKIE_SECURE"); ok {
		var secure bool
		e.boolean("COOKIE_SECURE", &secure)
		cfg.Cookie.Secure = &secure
	}
	e.boolean("MOBILE_COOKIE_COMPAT", &cfg.Cookie.MobileCompat)

	// CORS
	if v, ok := e.str("ALLOWED_ORIGINS"); ok {
		cfg.CORS.AllowedOrigins = splitList(v)
	}

	// Rate limits
	e.boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	if err := cfg.RateLimit.Policies.ApplyEnv(lookup); err != nil {
		e.fail(err)
	}

	// TOTP
	if v, ok := e.str("TOTP_ISSUER"); ok {
		cfg.TOTP.Issuer = v
	}

	// Server
	if v, ok := e.str("HTTP_ADDR"); ok {
		cfg.Server.Addr = v
	}
	e.boolean("TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders)

	// Database
	if v, ok := e.str("DATABASE_URL"); ok {
		cfg.Database.URL = v
	}
	e.integer("DATABASE_MAX_CONNECTIONS", &cfg.Database.MaxConnections)
	e.boolean("DATABASE_MIGRATE", &cfg.Database.Migrate)

	e.integer("WORKER_POOL_SIZE", &cfg.Workers.PoolSize)
	e.boolean("AUDIT_ENABLED", &cfg.Audit.Enabled)
	e.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)

	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *envReader) str(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(fmt.Errorf("%s: invalid boolean %q", key, v))
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

// duration accepts Go duration syntax or a bare number in unit.
func (e *envReader) duration(key string, unit time.Duration, dst *time.Duration) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(n * float64(unit))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}
