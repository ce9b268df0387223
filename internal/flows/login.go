package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

// LoginInput is one primary-credential attempt.
type LoginInput struct {
	Actor      session.ActorClass
	Identifier string
	Password   string
	IP         string
}

// LoginOutcome is a verified subject. Session creation is left to the caller.
type LoginOutcome struct {
	User         *userstore.User
	RequiresTOTP bool
}

// LoginMetrics carries metric IDs used by the login flow.
type LoginMetrics struct {
	Failure         int
	RateLimited     int
	AccountDisabled int
}

// LoginEvents carries audit event names used by the login flow.
type LoginEvents struct {
	Failure     string
	RateLimited string
}

// LoginErrors carries host-level sentinel errors used by the login flow.
type LoginErrors struct {
	InvalidInput       error
	InvalidCredentials error
	AccountDisabled    error
	RateLimited        error
	Backend            error
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	UpgradeOnLogin bool

	Now                func() time.Time
	CheckRate          func(ctx context.Context, actor session.ActorClass, key string) error
	FindSubject        func(ctx context.Context, actor session.ActorClass, identifier string) (*userstore.User, error)
	IsNotFound         func(error) bool
	VerifyPassword     func(ctx context.Context, plaintext, hash string) (bool, error)
	DummyVerify        func(ctx context.Context, plaintext string)
	NeedsUpgrade       func(hash string) bool
	HashPassword       func(ctx context.Context, plaintext string) (string, error)
	UpdatePasswordHash func(ctx context.Context, id, hash string) error
	SetLastLogin       func(ctx context.Context, id string, at time.Time) error

	MetricInc func(int)
	EmitAudit AuditFunc
	Logger    *zap.Logger

	Metrics LoginMetrics
	Events  LoginEvents
	Errors  LoginErrors
}

// RateKey is the login throttle key: client IP plus the lower-cased
// identifier.
func RateKey(ip, identifier string) string {
	if ip == "" {
		ip = "unknown"
	}
	return ip + "|" + strings.ToLower(strings.TrimSpace(identifier))
}

// RunLogin rate-limits, resolves and verifies a primary credential. Unknown
// identifiers still pay for one password verification so timing does not
// reveal which accounts exist.
func RunLogin(ctx context.Context, in LoginInput, deps LoginDeps) (*LoginOutcome, error) {
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

	identifier := strings.TrimSpace(in.Identifier)
	if !in.Actor.Valid() || identifier == "" || in.Password == "" {
		return nil, deps.Errors.InvalidInput
	}
	actor := string(in.Actor)

	if deps.CheckRate != nil {
		if err := deps.CheckRate(ctx, in.Actor, RateKey(in.IP, identifier)); err != nil {
			if errors.Is(err, deps.Errors.RateLimited) {
				deps.MetricInc(deps.Metrics.RateLimited)
				deps.EmitAudit(ctx, deps.Events.RateLimited, false, actor, "", "", err)
			}
			return nil, err
		}
	}

	reject := func(subject string) error {
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, actor, subject, "", deps.Errors.InvalidCredentials)
		return deps.Errors.InvalidCredentials
	}

	user, err := deps.FindSubject(ctx, in.Actor, identifier)
	if err != nil {
		if deps.IsNotFound(err) {
			deps.DummyVerify(ctx, in.Password)
			return nil, reject("")
		}
		return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, err)
	}
	if user.ActorClass != in.Actor {
		deps.DummyVerify(ctx, in.Password)
		return nil, reject("")
	}

	ok, err := deps.VerifyPassword(ctx, in.Password, user.PasswordHash)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", deps.Errors.Backend, ctxErr)
		}
		deps.Logger.Error("password verification failed", zap.String("subject_id", user.ID), zap.Error(err))
		return nil, reject(user.ID)
	}
	if !ok {
		return nil, reject(user.ID)
	}

	if user.Disabled() {
		deps.MetricInc(deps.Metrics.AccountDisabled)
		deps.EmitAudit(ctx, deps.Events.Failure, false, actor, user.ID, "", deps.Errors.AccountDisabled)
		return nil, deps.Errors.AccountDisabled
	}

	if deps.UpgradeOnLogin && deps.NeedsUpgrade != nil && deps.NeedsUpgrade(user.PasswordHash) {
		if hash, err := deps.HashPassword(ctx, in.Password); err != nil {
			deps.Logger.Warn("password rehash failed", zap.String("subject_id", user.ID), zap.Error(err))
		} else if err := deps.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
			deps.Logger.Warn("password hash upgrade not persisted", zap.String("subject_id", user.ID), zap.Error(err))
		} else {
			user.PasswordHash = hash
		}
	}

	now := deps.Now().UTC()
	if err := deps.SetLastLogin(ctx, user.ID, now); err != nil {
		deps.Logger.Warn("last login not recorded", zap.String("subject_id", user.ID), zap.Error(err))
	} else {
		user.LastLogin = now
	}

	return &LoginOutcome{
		User:         user,
		RequiresTOTP: user.ActorClass == session.ActorAdmin && user.TwoFactor.Enabled(),
	}, nil
}
