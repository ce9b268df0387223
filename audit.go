package authcore

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/internal/audit"
)

// AuditEvent is one security-relevant record.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

// Audit event types.
const (
	AuditLoginSuccess        = "login_success"
	AuditLoginFailure        = "login_failure"
	AuditLoginRateLimited    = "login_rate_limited"
	AuditRefreshSuccess      = "refresh_success"
	AuditRefreshInvalid      = "refresh_invalid"
	AuditLogout              = "logout"
	AuditLogoutAll           = "logout_all"
	AuditSessionRevoked      = "session_revoked"
	AuditSessionCreated      = "session_created"
	AuditSubjectDisabled     = "subject_disabled"
	AuditTOTPSetupStarted    = "totp_setup_started"
	AuditTOTPEnabled         = "totp_enabled"
	AuditTOTPDisabled        = "totp_disabled"
	AuditTOTPVerified        = "totp_verified"
	AuditTOTPFailure         = "totp_failure"
	AuditBackupCodeUsed      = "backup_code_used"
	AuditBackupCodesReissued = "backup_codes_regenerated"
)

// NewChannelSink returns a sink backed by a buffered channel.
func NewChannelSink(buffer int) *audit.ChannelSink { return audit.NewChannelSink(buffer) }

type auditFields struct {
	actor     ActorClass
	subject   string
	sessionID string
	err       error
	meta      map[string]string
}

func (m *Manager) emitAudit(ctx context.Context, eventType string, success bool, f auditFields) {
	if m == nil || m.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp:  m.now().UTC().Truncate(time.Millisecond),
		EventType:  eventType,
		ActorClass: string(f.actor),
		SubjectID:  f.subject,
		SessionID:  f.sessionID,
		IP:         clientIPFromContext(ctx),
		RequestID:  RequestIDFrom(ctx),
		Success:    success,
		Metadata:   f.meta,
	}
	if f.err != nil {
		event.Error = f.err.Error()
	}
	m.audit.Emit(ctx, event)
}

// AuditDropped reports events discarded because the buffer was full.
func (m *Manager) AuditDropped() uint64 {
	if m == nil {
		return 0
	}
	return m.audit.Dropped()
}
