package authcore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/cookie"
	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
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

// Manager is the session core: it creates, validates, refreshes and revokes
// sessions for every actor class and runs the admin second factor. Build one
// per process with Builder and share it.
type Manager struct {
	config Config

	kv       kv.Store
	fallback *kv.Fallback
	sessions *session.Store
	users    UserStore
	subjects *subjectCache

	tokens    *jwt.Manager
	hasher    *password.Hasher
	dummyHash string
	totp      mfa.TOTP

	pool    *workpool.Pool
	limiter *rate.Limiter
	cookies *cookie.Transport
	ips     reqmeta.IPResolver

	audit   *audit.Dispatcher
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	flows flows.Deps

	ownsKV    bool
	ownsUsers bool
	closeOnce sync.Once
}

// Close flushes audit events and closes stores the Builder opened.
func (m *Manager) Close() {
	_ = m.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. Stores are closed even when the audit
// drain times out; the drain error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	err := m.audit.Shutdown(ctx)
	if err != nil {
		m.logger.Warn("audit drain incomplete", zap.Error(err), zap.Uint64("dropped", m.audit.Dropped()))
	}
	m.closeOwned()
	return err
}

func (m *Manager) closeOwned() {
	m.closeOnce.Do(m.closeStores)
}

func (m *Manager) closeStores() {
	if m.ownsUsers && m.users != nil {
		if err := m.users.Close(); err != nil {
			m.logger.Warn("user store close failed", zap.Error(err))
		}
	}
	if m.ownsKV && m.kv != nil {
		if err := m.kv.Close(); err != nil {
			m.logger.Warn("kv close failed", zap.Error(err))
		}
	}
}

// Config returns a copy of the effective configuration.
func (m *Manager) Config() Config { return cloneConfig(m.config) }

// Cookies returns the cookie transport configured for this manager.
func (m *Manager) Cookies() *cookie.Transport { return m.cookies }

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger { return m.logger }

// Metrics returns the live counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// MetricsSnapshot copies the counters.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	if m == nil || m.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return m.metrics.Snapshot()
}

// Users returns the subject store.
func (m *Manager) Users() UserStore { return m.users }

// HashPassword hashes plaintext on the worker pool.
func (m *Manager) HashPassword(ctx context.Context, plaintext string) (string, error) {
	var hash string
	err := m.pool.Do(ctx, func() error {
		var err error
		hash, err = m.hasher.Hash(plaintext)
		return err
	})
	return hash, err
}

func (m *Manager) verifyPassword(ctx context.Context, plaintext, hash string) (bool, error) {
	var ok bool
	err := m.pool.Do(ctx, func() error {
		var err error
		ok, err = m.hasher.Verify(plaintext, hash)
		return err
	})
	return ok, err
}

func (m *Manager) needsUpgrade(hash string) bool {
	upgrade, err := m.hasher.NeedsUpgrade(hash)
	return err == nil && upgrade
}

// Ping checks the session store and, when it supports it, the user store.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.kv.Ping(ctx); err != nil {
		return err
	}
	if p, ok := m.users.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Degraded reports whether the KV primary is currently unreachable.
func (m *Manager) Degraded() bool {
	return m.fallback != nil && m.fallback.Degraded()
}

// RequestInfo extracts the client IP, user agent and device fingerprint.
func (m *Manager) RequestInfo(r *http.Request) RequestInfo {
	return RequestInfo{
		IP:          m.ips.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Fingerprint: reqmeta.Fingerprint(r.Header, reqmeta.HintsFromHeaders(r.Header)),
	}
}

// ClientIP resolves the caller address, honouring proxy headers when
// configured.
func (m *Manager) ClientIP(r *http.Request) string {
	return m.ips.ClientIP(r)
}

// Credentials extracts the session id (cookies first, then X-Session-ID)
// and any bearer token from r.
func (m *Manager) Credentials(r *http.Request) Credentials {
	sid, _ := m.cookies.SessionID(r)
	c := Credentials{SessionID: sid}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		c.BearerToken = strings.TrimSpace(auth[7:])
	}
	return c
}

// CheckRate counts one request of class for key. It returns a
// *RateLimitError when the request must be refused.
func (m *Manager) CheckRate(ctx context.Context, class rate.Class, key string) error {
	d, err := m.limiter.Allow(ctx, class, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		m.metrics.Inc(MetricRateLimitHit)
		return &RateLimitError{Class: string(class), RetryAfter: d.RetryAfter}
	case errors.Is(err, rate.ErrBackendUnavailable):
		m.metrics.Inc(MetricRateLimitBackendFailure)
		return &RateLimitError{Class: string(class), RetryAfter: d.RetryAfter, Unavailable: true}
	}
	return err
}

// RateExceeded reports, without counting, whether key is over the class
// limit.
func (m *Manager) RateExceeded(ctx context.Context, class rate.Class, key string) error {
	if d, over := m.limiter.Exceeded(ctx, class, key); over {
		m.metrics.Inc(MetricRateLimitHit)
		return &RateLimitError{Class: string(class), RetryAfter: d.RetryAfter}
	}
	return nil
}

// RateHit counts a request of class for key without deciding.
func (m *Manager) RateHit(ctx context.Context, class rate.Class, key string) {
	m.limiter.Hit(ctx, class, key)
}

func loginClass(actor ActorClass) rate.Class {
	if actor == ActorAdmin {
		return rate.AdminLogin
	}
	return rate.Login
}

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, userstore.ErrNotFound) ||
		errors.Is(err, kv.ErrNotFound) ||
		errors.Is(err, session.ErrCorrupt)
}

func (m *Manager) metricInc(id int) {
	m.metrics.Inc(MetricID(id))
}

func (m *Manager) auditFunc() flows.AuditFunc {
	return func(ctx context.Context, event string, success bool, actor, subject, sid string, err error) {
		m.emitAudit(ctx, event, success, auditFields{
			actor:     ActorClass(actor),
			subject:   subject,
			sessionID: sid,
			err:       err,
		})
	}
}

func (m *Manager) touchSession(ctx context.Context, sid string, at time.Time) (*session.Record, error) {
	return m.sessions.Touch(ctx, sid, at, m.config.IdleTimeout())
}

func (m *Manager) bindRefresh(ctx context.Context, sid, handle string, at time.Time) (*session.Record, error) {
	at = at.UTC().Truncate(time.Second)
	return m.sessions.Update(ctx, sid, m.config.IdleTimeout(), func(rec *session.Record) error {
		rec.RefreshToken = handle
		if at.After(rec.LastActivity) {
			rec.LastActivity = at
		}
		return nil
	})
}

func (m *Manager) revokeSession(ctx context.Context, sid string) error {
	_, err := m.sessions.Delete(ctx, sid)
	return err
}

func (m *Manager) buildFlows() flows.Deps {
	return flows.Deps{
		Login: flows.LoginDeps{
			UpgradeOnLogin: m.config.Password.UpgradeOnLogin,
			Now:            m.now,
			CheckRate: func(ctx context.Context, actor session.ActorClass, key string) error {
				return m.CheckRate(ctx, loginClass(actor), key)
			},
			FindSubject:    m.users.FindByIdentifier,
			IsNotFound:     isNotFound,
			VerifyPassword: m.verifyPassword,
			DummyVerify: func(ctx context.Context, plaintext string) {
				_, _ = m.verifyPassword(ctx, plaintext, m.dummyHash)
			},
			NeedsUpgrade:       m.needsUpgrade,
			HashPassword:       m.HashPassword,
			UpdatePasswordHash: m.users.UpdatePasswordHash,
			SetLastLogin:       m.users.SetLastLogin,
			MetricInc:          m.metricInc,
			EmitAudit:          m.auditFunc(),
			Logger:             m.logger,
			Metrics: flows.LoginMetrics{
				Failure:         int(MetricLoginFailure),
				RateLimited:     int(MetricLoginRateLimited),
				AccountDisabled: int(MetricAccountDisabled),
			},
			Events: flows.LoginEvents{
				Failure:     AuditLoginFailure,
				RateLimited: AuditLoginRateLimited,
			},
			Errors: flows.LoginErrors{
				InvalidInput:       ErrInvalidInput,
				InvalidCredentials: ErrInvalidCredentials,
				AccountDisabled:    ErrAccountDisabled,
				RateLimited:        ErrRateLimited,
				Backend:            ErrBackendUnavailable,
			},
		},
		Validate: flows.ValidateDeps{
			IdleTimeout:         m.config.IdleTimeout(),
			StatelessFallback:   m.config.Session.StatelessFallback,
			Now:                 m.now,
			WellFormedSessionID: internal.WellFormedToken,
			ParseAccess:         m.tokens.Parse,
			LoadSession:         m.sessions.Get,
			TouchSession:        m.touchSession,
			RevokeSession:       m.revokeSession,
			LoadSubject:         m.subjects.Get,
			IsNotFound:          isNotFound,
			IsUnavailable:       kv.IsUnavailable,
			MetricInc:           m.metricInc,
			EmitAudit:           m.auditFunc(),
			Logger:              m.logger,
			Metrics: flows.ValidateMetrics{
				Failure:            int(MetricValidateFailure),
				AccountDisabled:    int(MetricAccountDisabled),
				SessionInvalidated: int(MetricSessionInvalidated),
				StatelessFallback:  int(MetricStatelessFallback),
			},
			Events: flows.ValidateEvents{
				SubjectDisabled: AuditSubjectDisabled,
			},
		},
		Refresh: flows.RefreshDeps{
			IdleTimeout:      m.config.IdleTimeout(),
			Now:              m.now,
			WellFormedHandle: internal.WellFormedToken,
			NewHandle:        internal.NewRefreshHandle,
			GetRefresh:       m.sessions.GetRefresh,
			RotateRefresh:    m.sessions.RotateRefresh,
			DeleteRefresh:    m.sessions.DeleteRefresh,
			LoadSession:      m.sessions.Get,
			BindRefresh:      m.bindRefresh,
			RevokeSession:    m.revokeSession,
			LoadSubject:      m.subjects.Get,
			IsNotFound:       isNotFound,
			MetricInc:        m.metricInc,
			EmitAudit:        m.auditFunc(),
			Logger:           m.logger,
			Metrics: flows.RefreshMetrics{
				Failure:         int(MetricRefreshFailure),
				ReuseRejected:   int(MetricRefreshReuseRejected),
				AccountDisabled: int(MetricAccountDisabled),
			},
			Events: flows.RefreshEvents{
				Invalid:         AuditRefreshInvalid,
				SubjectDisabled: AuditSubjectDisabled,
			},
			Errors: flows.RefreshErrors{
				RefreshInvalid:  ErrRefreshInvalid,
				AccountDisabled: ErrAccountDisabled,
				Backend:         ErrBackendUnavailable,
			},
		},
	}
}
