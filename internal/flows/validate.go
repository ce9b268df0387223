package flows

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureUnauthenticated
	ValidateFailureDisabled
	// ValidateFailureBackend means the user store could not be consulted.
	ValidateFailureBackend
)

// ValidateInput is what the transport extracted from the request.
type ValidateInput struct {
	SessionID   string
	BearerToken string
}

// ValidateResult is either a resolved principal or a classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error

	SubjectID   string
	ActorClass  session.ActorClass
	SessionID   string
	TOTPPending bool
	Stateless   bool
}

// ValidateMetrics carries metric IDs used by validation.
type ValidateMetrics struct {
	Failure            int
	AccountDisabled    int
	SessionInvalidated int
	StatelessFallback  int
}

// ValidateEvents carries audit event names used by validation.
type ValidateEvents struct {
	SubjectDisabled string
}

// ValidateDeps captures session validation dependencies.
type ValidateDeps struct {
	IdleTimeout       time.Duration
	StatelessFallback bool

	Now                 func() time.Time
	WellFormedSessionID func(string) bool
	ParseAccess         func(string) (*jwt.Claims, error)
	LoadSession         func(context.Context, string) (*session.Record, error)

	// TouchSession advances last_activity of the stored record and returns
	// the record as stored after the write.
	TouchSession  func(ctx context.Context, sid string, at time.Time) (*session.Record, error)
	RevokeSession func(context.Context, string) error
	LoadSubject   func(context.Context, string) (*userstore.User, error)
	IsNotFound    func(error) bool
	IsUnavailable func(error) bool

	MetricInc func(int)
	EmitAudit AuditFunc
	Logger    *zap.Logger

	Metrics ValidateMetrics
	Events  ValidateEvents
}

// RunValidate resolves a session id (or a bearer token bound to one) to a
// principal. It loads the session, enforces the idle limit, reloads the
// subject, and slides the session's last activity forward. TOTPPending is
// reported, not enforced.
func RunValidate(ctx context.Context, in ValidateInput, deps ValidateDeps) ValidateResult {
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
	fail := func(err error) ValidateResult {
		deps.MetricInc(deps.Metrics.Failure)
		return ValidateResult{Failure: ValidateFailureUnauthenticated, Err: err}
	}

	sid := in.SessionID
	var claims *jwt.Claims
	if sid == "" && in.BearerToken != "" {
		c, err := deps.ParseAccess(in.BearerToken)
		if err != nil {
			deps.Logger.Warn("access token rejected", zap.Error(err))
			return fail(err)
		}
		claims = c
		sid = c.SessionID
	}
	if sid == "" || !deps.WellFormedSessionID(sid) {
		return fail(nil)
	}

	rec, err := deps.LoadSession(ctx, sid)
	if err != nil {
		if deps.IsUnavailable(err) {
			if claims != nil && deps.StatelessFallback {
				deps.MetricInc(deps.Metrics.StatelessFallback)
				deps.Logger.Warn("session store unavailable, accepting bearer token statelessly",
					zap.String("subject_id", claims.Subject))
				actor := session.ActorClass(claims.ActorClass)
				return ValidateResult{
					SubjectID:   claims.Subject,
					ActorClass:  actor,
					SessionID:   sid,
					TOTPPending: actor == session.ActorAdmin && !claims.TOTPVerified,
					Stateless:   true,
				}
			}
			deps.Logger.Warn("session store unavailable", zap.Error(err))
		}
		return fail(err)
	}

	if claims != nil && (claims.Subject != rec.SubjectID || claims.ActorClass != string(rec.ActorClass)) {
		return fail(nil)
	}
	if !rec.IsActive {
		return fail(nil)
	}

	now := deps.Now().UTC()
	if rec.Idle(now) >= deps.IdleTimeout {
		if err := deps.RevokeSession(ctx, sid); err != nil {
			deps.Logger.Warn("idle session delete failed", zap.Error(err))
		}
		deps.MetricInc(deps.Metrics.SessionInvalidated)
		return fail(nil)
	}

	user, err := deps.LoadSubject(ctx, rec.SubjectID)
	if err != nil {
		if deps.IsNotFound(err) {
			_ = deps.RevokeSession(ctx, sid)
			deps.MetricInc(deps.Metrics.SessionInvalidated)
			return fail(err)
		}
		return ValidateResult{Failure: ValidateFailureBackend, Err: err}
	}
	if user.Disabled() || user.ActorClass != rec.ActorClass {
		if err := deps.RevokeSession(ctx, sid); err != nil {
			deps.Logger.Warn("disabled subject session delete failed", zap.Error(err))
		}
		deps.MetricInc(deps.Metrics.AccountDisabled)
		deps.EmitAudit(ctx, deps.Events.SubjectDisabled, false, string(rec.ActorClass), rec.SubjectID, sid, nil)
		return ValidateResult{Failure: ValidateFailureDisabled}
	}

	touched, err := deps.TouchSession(ctx, sid, now)
	switch {
	case err == nil:
		rec = touched
	case deps.IsNotFound(err):
		// Revoked after the load.
		return fail(nil)
	default:
		deps.Logger.Warn("session touch failed", zap.String("subject_id", rec.SubjectID), zap.Error(err))
	}

	return ValidateResult{
		SubjectID:   rec.SubjectID,
		ActorClass:  rec.ActorClass,
		SessionID:   rec.SessionID,
		TOTPPending: rec.ActorClass == session.ActorAdmin && user.TwoFactor.Enabled() && !rec.TOTPVerified,
	}
}
