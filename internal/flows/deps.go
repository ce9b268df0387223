package flows

import "context"

// Deps groups the flow dependency sets. The Manager builds it once.
type Deps struct {
	Login    LoginDeps
	Validate ValidateDeps
	Refresh  RefreshDeps
}

// AuditFunc emits one audit event. actor, subject and sessionID may be empty.
type AuditFunc func(ctx context.Context, event string, success bool, actor, subject, sessionID string, err error)

func nopAudit(context.Context, string, bool, string, string, string, error) {}

func nopMetric(int) {}
