package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/authcore/userstore"
)

// baseTime sits on a TOTP step boundary.
var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	m     *Manager
	mr    *miniredis.Miniredis
	users *userstore.Memory
	clock *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Environment = EnvTest
	cfg.Token.Secret = []byte("test-signing-key-0123456789abcdef")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Session.SubjectCacheTTL = 0
	cfg.Workers.PoolSize = 4
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	users := userstore.NewMemory()
	clock := &fakeClock{now: baseTime}

	m, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithLogger(zaptest.NewLogger(t)).
		WithClock(clock.Now).
		Build()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &testEnv{m: m, mr: mr, users: users, clock: clock}
}

func (e *testEnv) addUser(t *testing.T, u *User, password string) *User {
	t.Helper()
	hash, err := e.m.HashPassword(context.Background(), password)
	require.NoError(t, err)
	u.PasswordHash = hash
	u.IsActive = true
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func (e *testEnv) login(t *testing.T, actor ActorClass, ident, password string) *LoginResult {
	t.Helper()
	res, err := e.m.Login(context.Background(), LoginRequest{
		Actor:      actor,
		Identifier: ident,
		Password:   password,
		Info:       RequestInfo{IP: "203.0.113.7", UserAgent: "test"},
	})
	require.NoError(t, err)
	return res
}

func TestBuilderRejectsShortSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Token.Secret = []byte("short")
	_, err := New().WithConfig(cfg).WithUserStore(userstore.NewMemory()).Build()
	require.Error(t, err)
}

func TestBuilderSingleUse(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Enabled = false
	b := New().WithConfig(cfg).WithUserStore(userstore.NewMemory())
	m, err := b.Build()
	require.NoError(t, err)
	defer m.Close()

	_, err = b.Build()
	require.Error(t, err)
}

func TestSecurityReportOmitsSecret(t *testing.T) {
	env := newTestEnv(t)
	r := env.m.SecurityReport()
	require.Equal(t, "HS256", r.SigningAlgorithm)
	require.Equal(t, 15*time.Minute, r.AccessTTL[ActorUser])
	require.Equal(t, 8*time.Hour, r.AccessTTL[ActorService])
	require.Equal(t, 4*time.Hour, r.AccessTTL[ActorAdmin])
	require.Equal(t, 24*time.Hour, r.IdleTimeout)
	require.Equal(t, "auto", r.CookieSecure)
	require.True(t, r.RateLimiting)
	require.Len(t, r.RatePolicies, 9)
}
