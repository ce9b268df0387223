package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/kv"
	"github.com/MrEthical07/authcore/mfa"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

const (
	totpSetupPrefix = "totp_setup:"
	totpLastPrefix  = "totp_last:"
)

type pendingSetup struct {
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// requireAdmin loads the admin behind p straight from the user store so 2FA
// changes never act on a cached copy.
func (m *Manager) requireAdmin(ctx context.Context, p *Principal) (*User, error) {
	if m == nil || m.users == nil {
		return nil, ErrEngineNotReady
	}
	if p == nil || p.SubjectID == "" {
		return nil, ErrUnauthenticated
	}
	if p.ActorClass != ActorAdmin {
		return nil, ErrForbidden
	}
	u, err := m.users.GetByID(ctx, p.SubjectID)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if u.Disabled() {
		return nil, ErrAccountDisabled
	}
	return u, nil
}

func totpAccount(u *User) string {
	switch {
	case u.Email != "":
		return u.Email
	case u.Username != "":
		return u.Username
	}
	return u.ID
}

// BeginTOTPSetup generates a secret for p and parks it for SetupTTL. Nothing
// is written to the user record until ConfirmTOTPSetup.
func (m *Manager) BeginTOTPSetup(ctx context.Context, p *Principal) (*TOTPSetup, error) {
	u, err := m.requireAdmin(ctx, p)
	if err != nil {
		return nil, err
	}
	if u.TwoFactor.Enabled() {
		return nil, ErrTOTPAlreadyEnabled
	}

	secret, err := mfa.GenerateSecret()
	if err != nil {
		return nil, err
	}
	uri := m.totp.ProvisioningURI(m.config.TOTP.Issuer, totpAccount(u), secret)
	qr, err := mfa.QRDataURI(uri)
	if err != nil {
		return nil, err
	}

	expires := m.now().UTC().Add(m.config.TOTP.SetupTTL)
	data, err := json.Marshal(pendingSetup{Secret: secret, ExpiresAt: expires})
	if err != nil {
		return nil, err
	}
	if err := m.kv.SetEX(ctx, totpSetupPrefix+u.ID, data, m.config.TOTP.SetupTTL); err != nil {
		return nil, m.storeError("totp setup", err)
	}

	m.emitAudit(ctx, AuditTOTPSetupStarted, true, auditFields{actor: ActorAdmin, subject: u.ID, sessionID: p.SessionID})
	return &TOTPSetup{
		Secret:          secret,
		ProvisioningURI: uri,
		QRCode:          qr,
		ExpiresAt:       expires,
	}, nil
}

func (m *Manager) loadPendingSetup(ctx context.Context, subject string) (*pendingSetup, error) {
	data, err := m.kv.Get(ctx, totpSetupPrefix+subject)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrTOTPSetupMissing
		}
		return nil, m.storeError("totp setup load", err)
	}
	var ps pendingSetup
	if err := json.Unmarshal(data, &ps); err != nil || ps.Secret == "" {
		_ = m.kv.Delete(ctx, totpSetupPrefix+subject)
		return nil, ErrTOTPSetupMissing
	}
	return &ps, nil
}

// ConfirmTOTPSetup checks code against the pending secret and enables 2FA.
// secret may be empty; when given it must match the pending one. The
// plaintext backup codes are returned once and only their hashes are kept.
// The caller's session counts as verified afterwards.
func (m *Manager) ConfirmTOTPSetup(ctx context.Context, p *Principal, secret, code string) ([]string, error) {
	u, err := m.requireAdmin(ctx, p)
	if err != nil {
		return nil, err
	}
	if u.TwoFactor.Enabled() {
		return nil, ErrTOTPAlreadyEnabled
	}
	ps, err := m.loadPendingSetup(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if secret != "" && secret != ps.Secret {
		return nil, ErrTOTPSetupMissing
	}
	if err := m.checkTOTP(ctx, u.ID, ps.Secret, code); err != nil {
		m.totpFailed(ctx, u.ID, p.SessionID, err)
		return nil, err
	}

	codes, err := mfa.GenerateBackupCodes(m.config.TOTP.BackupCodeCount, m.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	tf, err := userstore.EnabledTwoFactor(ps.Secret, mfa.HashBackupCodes(u.ID, codes))
	if err != nil {
		return nil, err
	}
	if err := m.users.SetTwoFactor(ctx, u.ID, tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	m.subjects.Invalidate(u.ID)
	if err := m.kv.Delete(ctx, totpSetupPrefix+u.ID); err != nil {
		m.logger.Warn("totp setup cleanup failed", zap.String("subject_id", u.ID), zap.Error(err))
	}
	if p.SessionID != "" {
		if _, err := m.markSessionVerified(ctx, p.SessionID, u.ID); err != nil {
			m.logger.Warn("session verify flag not set", zap.String("subject_id", u.ID), zap.Error(err))
		}
	}

	m.metrics.Inc(MetricTOTPEnabled)
	m.emitAudit(ctx, AuditTOTPEnabled, true, auditFields{actor: ActorAdmin, subject: u.ID, sessionID: p.SessionID})
	return codes, nil
}

// VerifySecondFactor completes an admin login: a valid TOTP or unused
// backup code flips the session to verified and a fresh access token with
// the verified claim is issued. Attempts count against the admin_login
// limit of the subject.
func (m *Manager) VerifySecondFactor(ctx context.Context, p *Principal, f SecondFactor) (*Tokens, error) {
	if p == nil || p.SessionID == "" || p.Stateless {
		return nil, ErrUnauthenticated
	}
	if f.Code == "" && f.BackupCode == "" {
		return nil, ErrInvalidInput
	}
	u, err := m.requireAdmin(ctx, p)
	if err != nil {
		return nil, err
	}
	if !u.TwoFactor.Enabled() {
		return nil, ErrTOTPNotEnabled
	}
	if err := m.CheckRate(ctx, rate.AdminLogin, "totp:"+u.ID); err != nil {
		return nil, err
	}

	if f.Code != "" {
		err = m.checkTOTP(ctx, u.ID, u.TwoFactor.Secret(), f.Code)
	} else {
		err = m.consumeBackupCode(ctx, u.ID, f.BackupCode)
	}
	if err != nil {
		m.totpFailed(ctx, u.ID, p.SessionID, err)
		return nil, err
	}

	rec, err := m.markSessionVerified(ctx, p.SessionID, u.ID)
	if err != nil {
		if isNotFound(err) || errors.Is(err, errSessionSubject) {
			return nil, ErrUnauthenticated
		}
		return nil, m.storeError("session verify", err)
	}

	access, exp, err := m.tokens.Issue(u.ID, string(ActorAdmin), rec.SessionID, true, m.config.AccessTTL(ActorAdmin))
	if err != nil {
		return nil, err
	}

	m.metrics.Inc(MetricTOTPSuccess)
	m.emitAudit(ctx, AuditTOTPVerified, true, auditFields{actor: ActorAdmin, subject: u.ID, sessionID: rec.SessionID})
	return &Tokens{
		SubjectID:       u.ID,
		ActorClass:      ActorAdmin,
		SessionID:       rec.SessionID,
		AccessToken:     access,
		AccessExpiresAt: exp,
	}, nil
}

// DisableTOTP turns 2FA off after one proof of possession: the current
// password, a TOTP code or a backup code.
func (m *Manager) DisableTOTP(ctx context.Context, p *Principal, req DisableTOTPRequest) error {
	u, err := m.requireAdmin(ctx, p)
	if err != nil {
		return err
	}
	if !u.TwoFactor.Enabled() {
		return ErrTOTPNotEnabled
	}

	switch {
	case req.Password != "":
		ok, verr := m.verifyPassword(ctx, req.Password, u.PasswordHash)
		if verr != nil || !ok {
			err = ErrInvalidCredentials
		}
	case req.Code != "":
		err = m.checkTOTP(ctx, u.ID, u.TwoFactor.Secret(), req.Code)
	case req.BackupCode != "":
		err = m.consumeBackupCode(ctx, u.ID, req.BackupCode)
	default:
		return ErrInvalidInput
	}
	if err != nil {
		m.totpFailed(ctx, u.ID, p.SessionID, err)
		return err
	}

	if err := m.users.SetTwoFactor(ctx, u.ID, userstore.NoTwoFactor()); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	m.subjects.Invalidate(u.ID)
	if err := m.kv.Delete(ctx, totpLastPrefix+u.ID, totpSetupPrefix+u.ID); err != nil {
		m.logger.Warn("totp state cleanup failed", zap.String("subject_id", u.ID), zap.Error(err))
	}

	m.metrics.Inc(MetricTOTPDisabled)
	m.emitAudit(ctx, AuditTOTPDisabled, true, auditFields{actor: ActorAdmin, subject: u.ID, sessionID: p.SessionID})
	return nil
}

// RegenerateBackupCodes replaces every backup code after a valid TOTP code.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, p *Principal, code string) ([]string, error) {
	u, err := m.requireAdmin(ctx, p)
	if err != nil {
		return nil, err
	}
	if !u.TwoFactor.Enabled() {
		return nil, ErrTOTPNotEnabled
	}
	if code == "" {
		return nil, ErrInvalidInput
	}
	if err := m.checkTOTP(ctx, u.ID, u.TwoFactor.Secret(), code); err != nil {
		m.totpFailed(ctx, u.ID, p.SessionID, err)
		return nil, err
	}

	codes, err := mfa.GenerateBackupCodes(m.config.TOTP.BackupCodeCount, m.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	tf, err := userstore.EnabledTwoFactor(u.TwoFactor.Secret(), mfa.HashBackupCodes(u.ID, codes))
	if err != nil {
		return nil, err
	}
	if err := m.users.SetTwoFactor(ctx, u.ID, tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	m.subjects.Invalidate(u.ID)

	m.metrics.Inc(MetricBackupCodeRegenerated)
	m.emitAudit(ctx, AuditBackupCodesReissued, true, auditFields{actor: ActorAdmin, subject: u.ID, sessionID: p.SessionID})
	return codes, nil
}

// TwoFactorStatus reports p's enrolment state and remaining backup codes.
func (m *Manager) TwoFactorStatus(ctx context.Context, p *Principal) (*TwoFactorStatus, error) {
	u, err := m.requireAdmin(ctx, p)
	if err != nil {
		return nil, err
	}
	st := &TwoFactorStatus{
		State:                u.TwoFactor.State().String(),
		BackupCodesRemaining: len(u.TwoFactor.BackupCodes()),
	}
	if !u.TwoFactor.Enabled() {
		_, err := m.loadPendingSetup(ctx, u.ID)
		switch {
		case err == nil:
			st.SetupPending = true
		case !errors.Is(err, ErrTOTPSetupMissing):
			return nil, err
		}
	}
	return st, nil
}

// checkTOTP verifies code and records its time step. A step at or before
// the last accepted one is a replay.
func (m *Manager) checkTOTP(ctx context.Context, subject, secret, code string) error {
	if code == "" {
		return ErrInvalidInput
	}
	counter, ok := m.totp.Verify(secret, code, m.now())
	if !ok {
		return ErrTOTPInvalid
	}

	key := totpLastPrefix + subject
	raw, err := m.kv.Get(ctx, key)
	switch {
	case err == nil:
		if last, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil && counter <= last {
			m.metrics.Inc(MetricTOTPReplayRejected)
			return ErrTOTPInvalid
		}
	case errors.Is(err, kv.ErrNotFound):
	default:
		return m.storeError("totp replay check", err)
	}

	if err := m.kv.SetEX(ctx, key, []byte(strconv.FormatInt(counter, 10)), m.totpReplayTTL()); err != nil {
		return m.storeError("totp replay record", err)
	}
	return nil
}

// totpReplayTTL covers every step Verify can still accept.
func (m *Manager) totpReplayTTL() time.Duration {
	period := m.config.TOTP.Period
	if period <= 0 {
		period = 30
	}
	return time.Duration(period*(2*m.config.TOTP.Skew+2)) * time.Second
}

func (m *Manager) consumeBackupCode(ctx context.Context, subject, code string) error {
	normalized := mfa.NormalizeBackupCode(code)
	if normalized == "" {
		return ErrInvalidInput
	}
	ok, err := m.users.ConsumeBackupCode(ctx, subject, mfa.HashBackupCode(subject, normalized))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		m.metrics.Inc(MetricBackupCodeFailed)
		return ErrTOTPInvalid
	}
	m.subjects.Invalidate(subject)
	m.metrics.Inc(MetricBackupCodeUsed)
	m.emitAudit(ctx, AuditBackupCodeUsed, true, auditFields{actor: ActorAdmin, subject: subject})
	return nil
}

func (m *Manager) totpFailed(ctx context.Context, subject, sid string, err error) {
	if errors.Is(err, ErrBackendUnavailable) {
		return
	}
	m.metrics.Inc(MetricTOTPFailure)
	m.emitAudit(ctx, AuditTOTPFailure, false, auditFields{actor: ActorAdmin, subject: subject, sessionID: sid, err: err})
}

var errSessionSubject = errors.New("session belongs to another subject")

// markSessionVerified sets totp_verified on the stored session without
// rewriting the fields other requests may be updating.
func (m *Manager) markSessionVerified(ctx context.Context, sid, subject string) (*session.Record, error) {
	now := m.now().UTC().Truncate(time.Second)
	return m.sessions.Update(ctx, sid, m.config.IdleTimeout(), func(rec *session.Record) error {
		if rec.SubjectID != subject {
			return errSessionSubject
		}
		rec.TOTPVerified = true
		if now.After(rec.LastActivity) {
			rec.LastActivity = now
		}
		return nil
	})
}
