package flows

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

// RefreshInput is one rotation request.
type RefreshInput struct {
	Actor  session.ActorClass
	Handle string
}

// RefreshOutcome is the rotated state. ExpiresAt is the unchanged absolute
// expiry of the refresh chain.
type RefreshOutcome struct {
	Session   *session.Record
	User      *userstore.User
	Handle    string
	ExpiresAt time.Time
}

// RefreshMetrics carries metric IDs used by the refresh flow.
type RefreshMetrics struct {
	Failure         int
	ReuseRejected   int
	AccountDisabled int
}

// RefreshEvents carries audit event names used by the refresh flow.
type RefreshEvents struct {
	Invalid         string
	SubjectDisabled string
}

// RefreshErrors carries host-level sentinel errors used by the refresh flow.
type RefreshErrors struct {
	RefreshInvalid  error
	AccountDisabled error
	Backend         error
}

// RefreshDeps captures refresh rotation dependencies.
type RefreshDeps struct {
	IdleTimeout time.Duration

	Now              func() time.Time
	WellFormedHandle func(string) bool
	NewHandle        func() (string, error)
	GetRefresh       func(ctx context.Context, actor session.ActorClass, handle string) (*session.RefreshRecord, error)
	RotateRefresh    func(ctx context.Context, actor session.ActorClass, oldHandle, newHandle string) error
	DeleteRefresh    func(ctx context.Context, actor session.ActorClass, handle string) error
	LoadSession      func(ctx context.Context, sid string) (*session.Record, error)
	// BindRefresh records handle as the session's current refresh handle and
	// advances last_activity, leaving other fields as stored.
	BindRefresh      func(ctx context.Context, sid, handle string, at time.Time) (*session.Record, error)
	RevokeSession    func(ctx context.Context, sid string) error
	LoadSubject      func(ctx context.Context, id string) (*userstore.User, error)
	IsNotFound       func(error) bool

	MetricInc func(int)
	EmitAudit AuditFunc
	Logger    *zap.Logger

	Metrics RefreshMetrics
	Events  RefreshEvents
	Errors  RefreshErrors
}

// RunRefresh exchanges a refresh handle for a new one. All reads happen
// before the rotation so a failed precondition never consumes the handle;
// the rotation itself is a single move, so of two concurrent callers with
// the same handle exactly one succeeds.
func RunRefresh(ctx context.Context, in RefreshInput, deps RefreshDeps) (*RefreshOutcome, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = nopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = nopAudit
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	actor := string(in.Actor)

	invalid := func(subject, sid string, metric int) error {
		deps.MetricInc(metric)
		deps.EmitAudit(ctx, deps.Events.Invalid, false, actor, subject, sid, deps.Errors.RefreshInvalid)
		return deps.Errors.RefreshInvalid
	}
	backend := func(err error) error {
		return fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}

	if !in.Actor.Valid() || !deps.WellFormedHandle(in.Handle) {
		return nil, invalid("", "", deps.Metrics.Failure)
	}

	rr, err := deps.GetRefresh(ctx, in.Actor, in.Handle)
	if err != nil {
		if deps.IsNotFound(err) {
			return nil, invalid("", "", deps.Metrics.ReuseRejected)
		}
		return nil, backend(err)
	}

	now := deps.Now().UTC()
	if !now.Before(rr.ExpiresAt) {
		_ = deps.DeleteRefresh(ctx, in.Actor, in.Handle)
		return nil, invalid(rr.SubjectID, rr.SessionID, deps.Metrics.Failure)
	}

	user, err := deps.LoadSubject(ctx, rr.SubjectID)
	if err != nil {
		if deps.IsNotFound(err) {
			_ = deps.RevokeSession(ctx, rr.SessionID)
			_ = deps.DeleteRefresh(ctx, in.Actor, in.Handle)
			return nil, invalid(rr.SubjectID, rr.SessionID, deps.Metrics.Failure)
		}
		return nil, backend(err)
	}
	if user.Disabled() {
		_ = deps.RevokeSession(ctx, rr.SessionID)
		_ = deps.DeleteRefresh(ctx, in.Actor, in.Handle)
		deps.MetricInc(deps.Metrics.AccountDisabled)
		deps.EmitAudit(ctx, deps.Events.SubjectDisabled, false, actor, rr.SubjectID, rr.SessionID, deps.Errors.AccountDisabled)
		return nil, deps.Errors.AccountDisabled
	}

	rec, err := deps.LoadSession(ctx, rr.SessionID)
	if err != nil {
		if !deps.IsNotFound(err) {
			return nil, backend(err)
		}
		_ = deps.DeleteRefresh(ctx, in.Actor, in.Handle)
		return nil, invalid(rr.SubjectID, rr.SessionID, deps.Metrics.Failure)
	}
	if !rec.IsActive || rec.SubjectID != rr.SubjectID || rec.Idle(now) >= deps.IdleTimeout {
		_ = deps.RevokeSession(ctx, rr.SessionID)
		return nil, invalid(rr.SubjectID, rr.SessionID, deps.Metrics.Failure)
	}

	newHandle, err := deps.NewHandle()
	if err != nil {
		return nil, err
	}
	if err := deps.RotateRefresh(ctx, in.Actor, in.Handle, newHandle); err != nil {
		if deps.IsNotFound(err) {
			deps.Logger.Warn("refresh handle already rotated", zap.String("subject_id", rr.SubjectID))
			return nil, invalid(rr.SubjectID, rr.SessionID, deps.Metrics.ReuseRejected)
		}
		return nil, backend(err)
	}

	if bound, err := deps.BindRefresh(ctx, rec.SessionID, newHandle, now); err != nil {
		deps.Logger.Warn("session touch after refresh failed", zap.String("subject_id", rec.SubjectID), zap.Error(err))
	} else {
		rec = bound
	}

	return &RefreshOutcome{
		Session:   rec,
		User:      user,
		Handle:    newHandle,
		ExpiresAt: rr.ExpiresAt,
	}, nil
}
