package rate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/kv"
)

// Config holds limiter settings.
type Config struct {
	Enabled  bool
	Policies Policies
	Logger   *zap.Logger
}

// Decision describes one counted request.
type Decision struct {
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter enforces per-class windows using store counters.
type Limiter struct {
	store    kv.Store
	policies Policies
	enabled  bool
	logger   *zap.Logger
}

// New creates a Limiter. Nil Policies selects DefaultPolicies.
func New(store kv.Store, cfg Config) *Limiter {
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:    store,
		policies: policies.Clone(),
		enabled:  cfg.Enabled,
		logger:   logger.Named("rate"),
	}
}

// Enabled reports whether limits are enforced.
func (l *Limiter) Enabled() bool { return l != nil && l.enabled }

// Policy returns the policy for class.
func (l *Limiter) Policy(class Class) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok
}

// Key builds the counter key for class and caller.
func Key(class Class, key string) string {
	if key == "" {
		key = "unknown"
	}
	return "ratelimit:" + string(class) + ":" + key
}

// Allow counts one request. Over the limit it returns ErrRateLimited with
// RetryAfter set to the time left in the window. On store failure it
// returns an empty Decision and nil for fail-open classes, and
// ErrBackendUnavailable for fail-closed ones.
func (l *Limiter) Allow(ctx context.Context, class Class, key string) (Decision, error) {
	if !l.Enabled() {
		return Decision{}, nil
	}
	policy, ok := l.policies[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	counter := Key(class, key)
	count, err := l.incr(ctx, counter, policy.Window)
	if err != nil {
		return l.failure(class, policy, err)
	}

	d := Decision{Count: count, Limit: policy.Limit}
	if count <= int64(policy.Limit) {
		return d, nil
	}

	d.RetryAfter = l.remaining(ctx, counter, policy.Window)
	return d, ErrRateLimited
}

// Hit counts a request without deciding. Store failures are logged only.
func (l *Limiter) Hit(ctx context.Context, class Class, key string) {
	if !l.Enabled() {
		return
	}
	policy, ok := l.policies[class]
	if !ok {
		return
	}
	if _, err := l.incr(ctx, Key(class, key), policy.Window); err != nil {
		l.logger.Debug("rate hit not recorded", zap.String("class", string(class)), zap.Error(err))
	}
}

// Exceeded reports whether key is already over the class limit without
// counting a request. Store failures read as not exceeded.
func (l *Limiter) Exceeded(ctx context.Context, class Class, key string) (Decision, bool) {
	if !l.Enabled() {
		return Decision{}, false
	}
	policy, ok := l.policies[class]
	if !ok {
		return Decision{}, false
	}
	counter := Key(class, key)
	raw, err := l.store.Get(ctx, counter)
	if err != nil {
		return Decision{}, false
	}
	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || count <= int64(policy.Limit) {
		return Decision{Count: count, Limit: policy.Limit}, false
	}
	return Decision{Count: count, Limit: policy.Limit, RetryAfter: l.remaining(ctx, counter, policy.Window)}, true
}

// incr counts one request and makes sure the counter expires within window.
// A failed expiry alone still counts the request.
func (l *Limiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := kv.IncrWindow(ctx, l.store, key, window)
	if err != nil && count > 0 {
		l.logger.Warn("rate window expiry not set", zap.Error(err))
		return count, nil
	}
	return count, err
}

// remaining reads the counter TTL, rounded up to whole seconds and kept in
// [1s, window]. A counter that lost its expiry gets it back.
func (l *Limiter) remaining(ctx context.Context, key string, window time.Duration) time.Duration {
	ttl, err := l.store.TTL(ctx, key)
	if err == nil && ttl == 0 {
		_ = l.store.Expire(ctx, key, window)
		ttl = window
	}
	if err != nil || ttl < 0 {
		ttl = window
	}
	secs := time.Duration(math.Ceil(ttl.Seconds())) * time.Second
	if secs < time.Second {
		secs = time.Second
	}
	if secs > window {
		secs = window
	}
	return secs
}

func (l *Limiter) failure(class Class, policy Policy, err error) (Decision, error) {
	if !errors.Is(err, kv.ErrUnavailable) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		l.logger.Error("rate counter failed", zap.String("class", string(class)), zap.Error(err))
	} else {
		l.logger.Warn("rate counter unavailable", zap.String("class", string(class)), zap.Bool("fail_closed", policy.FailClosed), zap.Error(err))
	}
	if policy.FailClosed {
		return Decision{Limit: policy.Limit, RetryAfter: time.Second}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return Decision{Limit: policy.Limit}, nil
}

// RetryAfterSeconds formats d for a Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
