package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/cookie"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/reqmeta"
	"github.com/MrEthical07/authcore/internal/workpool"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/kv"
	"github.com/MrEthical07/authcore/mfa"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

// Builder assembles a Manager. Configure it once, call Build, then discard it.
type Builder struct {
	config Config

	store     kv.Store
	redis     redis.UniversalClient
	users     UserStore
	logger    *zap.Logger
	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithKV supplies the session store directly. It takes precedence over
// WithRedis and the Redis section of the config.
func (b *Builder) WithKV(store kv.Store) *Builder {
	b.store = store
	return b
}

// WithRedis supplies an existing client instead of dialing Config.Redis.URL.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore supplies the subject store instead of opening
// Config.Database.URL.
func (b *Builder) WithUserStore(users UserStore) *Builder {
	b.users = users
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink routes audit events to sink. Without it events are logged.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides time.Now, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component. Stores
// opened here are closed by Manager.Close; supplied ones are not.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	if cfg.Token.Generated {
		logger.Warn("SECRET_KEY not set, using a per-process key; tokens will not survive a restart")
	}

	m := &Manager{
		config: cfg,
		logger: logger,
		now:    now,
	}

	// -------- KV --------
	store := b.store
	if store == nil {
		switch {
		case b.redis != nil:
			m.fallback = kv.NewFallback(kv.NewRedis(b.redis), kv.FallbackOptions{
				Local:  cfg.Redis.LocalFallback,
				Logger: logger,
			})
			store = m.fallback
		case cfg.Redis.Enabled:
			client, err := kv.NewRedisClient(kv.RedisConfig{
				URL:                 cfg.Redis.URL,
				MaxConnections:      cfg.Redis.MaxConnections,
				ConnectTimeout:      cfg.Redis.ConnectTimeout,
				SocketTimeout:       cfg.Redis.SocketTimeout,
				HealthCheckInterval: cfg.Redis.HealthCheckInterval,
				RetryOnTimeout:      cfg.Redis.RetryOnTimeout,
			})
			if err != nil {
				return nil, err
			}
			m.fallback = kv.NewFallback(kv.NewRedis(client), kv.FallbackOptions{
				Local:  cfg.Redis.LocalFallback,
				Logger: logger,
			})
			store = m.fallback
			m.ownsKV = true
		default:
			logger.Warn("USE_REDIS disabled, sessions live in process memory")
			store = kv.NewMemory()
			m.ownsKV = true
		}
	}
	m.kv = kv.WithPrefix(store, cfg.Session.KeyPrefix)
	m.sessions = session.NewStore(m.kv)

	// -------- USER STORE --------
	users := b.users
	if users == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		opened, err := userstore.Open(ctx, cfg.Database.URL, userstore.OpenOptions{
			MaxConnections: cfg.Database.MaxConnections,
			Migrate:        cfg.Database.Migrate,
		})
		cancel()
		if err != nil {
			m.closeOwned()
			return nil, err
		}
		users = opened
		m.ownsUsers = true
	}
	m.users = users
	m.subjects = newSubjectCache(cfg.Session.SubjectCacheTTL, now, users.GetByID)

	// -------- CRYPTO --------
	tokens, err := jwt.NewManager(jwt.Config{
		Method: cfg.Token.Method,
		Secret: cloneBytes(cfg.Token.Secret),
		Issuer: cfg.Token.Issuer,
		Leeway: cfg.Token.Leeway,
		Now:    now,
	})
	if err != nil {
		m.closeOwned()
		return nil, err
	}
	m.tokens = tokens

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		m.closeOwned()
		return nil, err
	}
	m.hasher = hasher
	if m.dummyHash, err = hasher.Hash("authcore-timing-equalizer"); err != nil {
		m.closeOwned()
		return nil, fmt.Errorf("dummy hash: %w", err)
	}

	m.totp = mfa.TOTP{
		Digits:    cfg.TOTP.Digits,
		Period:    cfg.TOTP.Period,
		Skew:      cfg.TOTP.Skew,
		Algorithm: "SHA1",
	}

	// -------- REQUEST PLUMBING --------
	m.pool = workpool.New(cfg.Workers.PoolSize)
	m.limiter = rate.New(m.kv, rate.Config{
		Enabled:  cfg.RateLimit.Enabled,
		Policies: cfg.RateLimit.Policies,
		Logger:   logger,
	})
	m.cookies = cookie.New(cookie.Config{
		Domain:            cfg.Cookie.Domain,
		Path:              cfg.Cookie.Path,
		SameSite:          cfg.Cookie.SameSite,
		Secure:            cfg.Cookie.Secure,
		Production:        cfg.IsProduction(),
		MobileCompat:      cfg.Cookie.MobileCompat,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		SessionMaxAge:     cfg.IdleTimeout(),
	})
	m.ips = reqmeta.IPResolver{TrustProxyHeaders: cfg.Server.TrustProxyHeaders}

	sink := b.auditSink
	if sink == nil {
		sink = audit.NewZapSink(logger)
	}
	m.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Logger:     logger,
	}, sink)
	m.metrics = NewMetrics(cfg.Metrics)

	m.flows = m.buildFlows()

	b.built = true
	return m, nil
}
