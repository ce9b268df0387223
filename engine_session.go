package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/kv"
	"github.com/MrEthical07/authcore/session"
)

// CreateSession starts a session for subject and issues its tokens. For an
// admin with 2FA enabled pass totpVerified=false until a second factor has
// been checked; such a session is refused by ValidateRequest.
func (m *Manager) CreateSession(ctx context.Context, actor ActorClass, subjectID string, info RequestInfo, totpVerified bool) (*Tokens, error) {
	if m == nil || m.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if !actor.Valid() || subjectID == "" {
		return nil, ErrInvalidInput
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	handle, err := internal.NewRefreshHandle()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Second)
	rec := &session.Record{
		SessionID:         sid,
		ActorClass:        actor,
		SubjectID:         subjectID,
		CreatedAt:         now,
		LastActivity:      now,
		DeviceFingerprint: info.Fingerprint,
		IPAddress:         info.IP,
		UserAgent:         info.UserAgent,
		IsActive:          true,
		TOTPVerified:      totpVerified,
		RefreshToken:      handle,
	}
	refresh := &session.RefreshRecord{
		SessionID:  sid,
		SubjectID:  subjectID,
		ActorClass: actor,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.config.Token.RefreshTTL),
	}

	if err := m.sessions.Save(ctx, rec, m.config.IdleTimeout()); err != nil {
		return nil, m.storeError("session create", err)
	}
	if err := m.sessions.SaveRefresh(ctx, handle, refresh, now); err != nil {
		if _, delErr := m.sessions.Delete(ctx, sid); delErr != nil {
			m.logger.Warn("orphan session cleanup failed", zap.Error(delErr))
		}
		return nil, m.storeError("refresh create", err)
	}

	access, exp, err := m.tokens.Issue(subjectID, string(actor), sid, totpVerified, m.config.AccessTTL(actor))
	if err != nil {
		return nil, err
	}

	m.metrics.Inc(MetricSessionCreated)
	m.emitAudit(ctx, AuditSessionCreated, true, auditFields{actor: actor, subject: subjectID, sessionID: sid})

	return &Tokens{
		SubjectID:        subjectID,
		ActorClass:       actor,
		SessionID:        sid,
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     handle,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Authenticate resolves credentials to a principal. A TOTP-pending admin is
// returned with TOTPPending set; use ValidateRequest for routes that need a
// completed login.
func (m *Manager) Authenticate(ctx context.Context, cred Credentials) (*Principal, error) {
	if m == nil || m.sessions == nil {
		return nil, ErrEngineNotReady
	}
	start := m.now()
	res := flows.RunValidate(ctx, flows.ValidateInput{
		SessionID:   cred.SessionID,
		BearerToken: cred.BearerToken,
	}, m.flows.Validate)
	m.metrics.Observe(MetricValidateLatency, m.now().Sub(start))

	switch res.Failure {
	case flows.ValidateFailureNone:
	case flows.ValidateFailureDisabled:
		return nil, ErrAccountDisabled
	case flows.ValidateFailureBackend:
		m.logger.Error("subject reload failed", zap.Error(res.Err))
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, res.Err)
	default:
		return nil, ErrUnauthenticated
	}
	return &Principal{
		SubjectID:   res.SubjectID,
		ActorClass:  res.ActorClass,
		SessionID:   res.SessionID,
		TOTPPending: res.TOTPPending,
		Stateless:   res.Stateless,
	}, nil
}

// AuthenticateRequest is Authenticate over the credentials carried by r.
func (m *Manager) AuthenticateRequest(r *http.Request) (*Principal, error) {
	return m.Authenticate(r.Context(), m.Credentials(r))
}

// ValidateRequest authenticates r and additionally refuses admins that owe
// a second factor.
func (m *Manager) ValidateRequest(r *http.Request) (*Principal, error) {
	p, err := m.AuthenticateRequest(r)
	if err != nil {
		return nil, err
	}
	if p.TOTPPending {
		m.metrics.Inc(MetricTOTPRequired)
		return p, ErrTOTPRequired
	}
	return p, nil
}

// RefreshSession rotates a refresh handle. The old handle stops working and
// the new one keeps the original absolute expiry.
func (m *Manager) RefreshSession(ctx context.Context, actor ActorClass, handle string, info RequestInfo) (*Tokens, error) {
	if m == nil || m.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if info.IP != "" {
		ctx = WithClientIP(ctx, info.IP)
	}
	out, err := flows.RunRefresh(ctx, flows.RefreshInput{Actor: actor, Handle: handle}, m.flows.Refresh)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			m.logger.Warn("refresh backend failure", zap.Error(err))
		}
		return nil, err
	}

	rec := out.Session
	access, exp, err := m.tokens.Issue(rec.SubjectID, string(rec.ActorClass), rec.SessionID, rec.TOTPVerified, m.config.AccessTTL(rec.ActorClass))
	if err != nil {
		return nil, err
	}

	m.metrics.Inc(MetricRefreshSuccess)
	m.emitAudit(ctx, AuditRefreshSuccess, true, auditFields{actor: rec.ActorClass, subject: rec.SubjectID, sessionID: rec.SessionID})

	return &Tokens{
		SubjectID:        rec.SubjectID,
		ActorClass:       rec.ActorClass,
		SessionID:        rec.SessionID,
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     out.Handle,
		RefreshExpiresAt: out.ExpiresAt,
	}, nil
}

// RevokeSession deletes a session, its refresh handle and its index entry.
// Revoking an unknown session succeeds.
func (m *Manager) RevokeSession(ctx context.Context, sid string) error {
	rec, err := m.sessions.Delete(ctx, sid)
	if err != nil {
		return m.storeError("session revoke", err)
	}
	if rec != nil {
		m.metrics.Inc(MetricSessionInvalidated)
		m.emitAudit(ctx, AuditSessionRevoked, true, auditFields{actor: rec.ActorClass, subject: rec.SubjectID, sessionID: sid})
	}
	return nil
}

// Logout revokes the caller's own session.
func (m *Manager) Logout(ctx context.Context, sid string) error {
	rec, err := m.sessions.Delete(ctx, sid)
	if err != nil {
		return m.storeError("logout", err)
	}
	m.metrics.Inc(MetricLogout)
	f := auditFields{sessionID: sid}
	if rec != nil {
		f.actor, f.subject = rec.ActorClass, rec.SubjectID
	}
	m.emitAudit(ctx, AuditLogout, true, f)
	return nil
}

// RevokeAllForSubject deletes every session of subject except the listed
// ids and reports how many were removed.
func (m *Manager) RevokeAllForSubject(ctx context.Context, subjectID string, except ...string) (int, error) {
	if subjectID == "" {
		return 0, ErrInvalidInput
	}
	n, err := m.sessions.DeleteAllForSubject(ctx, subjectID, except...)
	if err != nil {
		return n, m.storeError("revoke all", err)
	}
	m.subjects.Invalidate(subjectID)
	m.metrics.Inc(MetricLogoutAll)
	m.metrics.Add(MetricSessionInvalidated, uint64(n))
	m.emitAudit(ctx, AuditLogoutAll, true, auditFields{subject: subjectID, meta: map[string]string{"revoked": fmt.Sprint(n)}})
	return n, nil
}

// Login verifies a primary credential and opens a session. Admins with 2FA
// get a session that still needs VerifySecondFactor.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if m == nil || m.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if req.Info.IP != "" {
		ctx = WithClientIP(ctx, req.Info.IP)
	}
	out, err := flows.RunLogin(ctx, flows.LoginInput{
		Actor:      req.Actor,
		Identifier: req.Identifier,
		Password:   req.Password,
		IP:         req.Info.IP,
	}, m.flows.Login)
	if err != nil {
		return nil, err
	}

	tokens, err := m.CreateSession(ctx, req.Actor, out.User.ID, req.Info, !out.RequiresTOTP)
	if err != nil {
		return nil, err
	}
	m.subjects.Invalidate(out.User.ID)

	m.metrics.Inc(MetricLoginSuccess)
	if out.RequiresTOTP {
		m.metrics.Inc(MetricTOTPRequired)
	}
	m.emitAudit(ctx, AuditLoginSuccess, true, auditFields{
		actor:     req.Actor,
		subject:   out.User.ID,
		sessionID: tokens.SessionID,
		meta:      map[string]string{"requires_totp": fmt.Sprint(out.RequiresTOTP)},
	})

	return &LoginResult{
		Tokens:       tokens,
		Subject:      out.User,
		RequiresTOTP: out.RequiresTOTP,
	}, nil
}

// SweepExpired deletes idle sessions and repairs subject indexes once.
func (m *Manager) SweepExpired(ctx context.Context) (SweepStats, error) {
	stats, err := m.sessions.Sweep(ctx, m.config.IdleTimeout(), m.now().UTC())
	m.metrics.Add(MetricSessionsSwept, uint64(stats.Deleted))
	if err != nil {
		return stats, m.storeError("sweep", err)
	}
	return stats, nil
}

// StartSweeper runs SweepExpired every SweepInterval until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.config.Session.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.SweepExpired(ctx)
			if err != nil {
				m.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if stats.Deleted > 0 || stats.Repaired > 0 {
				m.logger.Info("session sweep",
					zap.Int("scanned", stats.Scanned),
					zap.Int("deleted", stats.Deleted),
					zap.Int("repaired", stats.Repaired))
			}
		}
	}
}

// WatchKV monitors the Redis primary when one is configured, marking it
// degraded on ping failures and replaying buffered writes on recovery. It
// returns when ctx ends.
func (m *Manager) WatchKV(ctx context.Context) {
	if m.fallback == nil {
		<-ctx.Done()
		return
	}
	m.fallback.Watch(ctx, m.config.Redis.HealthCheckInterval)
}

func (m *Manager) storeError(op string, err error) error {
	if kv.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn(op+" failed, store unavailable", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
