package authcore

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/session"
)

func TestLoginCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	u := env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	ctx := context.Background()

	res := env.login(t, ActorUser, "a@b", "hunter2")
	require.False(t, res.RequiresTOTP)
	require.Equal(t, u.ID, res.Subject.ID)
	require.NotEmpty(t, res.Tokens.SessionID)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	assert.Equal(t, baseTime.Add(15*time.Minute), res.Tokens.AccessExpiresAt)
	assert.Equal(t, baseTime.Add(30*24*time.Hour), res.Tokens.RefreshExpiresAt)

	assert.Equal(t, 24*time.Hour, env.mr.TTL(session.SessionKey(res.Tokens.SessionID)))
	ok, err := env.mr.SIsMember(session.SubjectKey(u.ID), res.Tokens.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := env.m.Authenticate(ctx, Credentials{SessionID: res.Tokens.SessionID})
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.SubjectID)
	assert.Equal(t, ActorUser, p.ActorClass)
	assert.False(t, p.TOTPPending)

	p, err = env.m.Authenticate(ctx, Credentials{BearerToken: res.Tokens.AccessToken})
	require.NoError(t, err)
	assert.Equal(t, res.Tokens.SessionID, p.SessionID)
	assert.False(t, p.Stateless)

	stored, err := env.users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime, stored.LastLogin.UTC())
	assert.Equal(t, uint64(1), env.m.Metrics().Value(MetricLoginSuccess))
}

func TestLoginDoesNotRevealUnknownIdentifier(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	ctx := context.Background()

	_, wrong := env.m.Login(ctx, LoginRequest{Actor: ActorUser, Identifier: "a@b", Password: "nope"})
	_, unknown := env.m.Login(ctx, LoginRequest{Actor: ActorUser, Identifier: "x@y", Password: "nope"})
	require.ErrorIs(t, wrong, ErrInvalidCredentials)
	require.ErrorIs(t, unknown, ErrInvalidCredentials)
	assert.Equal(t, wrong.Error(), unknown.Error())
}

func TestLoginRejectsWrongActorClass(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")

	_, err := env.m.Login(context.Background(), LoginRequest{Actor: ActorAdmin, Identifier: "a@b", Password: "hunter2"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsDisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	require.NoError(t, env.users.SetStatus(context.Background(), "u-1", true, true, false))

	_, err := env.m.Login(context.Background(), LoginRequest{Actor: ActorUser, Identifier: "a@b", Password: "hunter2"})
	require.ErrorIs(t, err, ErrAccountDisabled)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	ctx := context.Background()
	req := LoginRequest{Actor: ActorUser, Identifier: "a@b", Password: "wrong", Info: RequestInfo{IP: "198.51.100.1"}}

	for i := 0; i < 10; i++ {
		_, err := env.m.Login(ctx, req)
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}
	_, err := env.m.Login(ctx, req)
	require.ErrorIs(t, err, ErrRateLimited)
	wait, ok := RetryAfterOf(err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, wait, time.Second)
	assert.LessOrEqual(t, wait, time.Minute)

	// Another identifier from the same address has its own window.
	req.Identifier = "c@d"
	_, err = env.m.Login(ctx, req)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIdleTimeoutBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")
	ctx := context.Background()
	cred := Credentials{SessionID: res.Tokens.SessionID}

	env.clock.Advance(24*time.Hour - time.Second)
	_, err := env.m.Authenticate(ctx, cred)
	require.NoError(t, err, "validation just inside the window slides it")

	env.clock.Advance(24 * time.Hour)
	_, err = env.m.Authenticate(ctx, cred)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.False(t, env.mr.Exists(session.SessionKey(res.Tokens.SessionID)))
}

func TestAggressiveSweepExpiresSessionAfterTwentyMinutes(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Session.AggressiveSweep = true })
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")

	env.clock.Advance(20 * time.Minute)
	_, err := env.m.Authenticate(context.Background(), Credentials{SessionID: res.Tokens.SessionID})
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMalformedSessionIDRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.Authenticate(context.Background(), Credentials{SessionID: "../../etc"})
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = env.m.Authenticate(context.Background(), Credentials{})
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestDisabledSubjectRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")
	ctx := context.Background()
	cred := Credentials{SessionID: res.Tokens.SessionID}

	require.NoError(t, env.users.SetStatus(ctx, "u-1", true, false, true))
	_, err := env.m.Authenticate(ctx, cred)
	require.ErrorIs(t, err, ErrAccountDisabled)

	require.NoError(t, env.users.SetStatus(ctx, "u-1", true, false, false))
	_, err = env.m.Authenticate(ctx, cred)
	require.ErrorIs(t, err, ErrUnauthenticated, "revocation is permanent")
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")
	ctx := context.Background()
	r1 := res.Tokens.RefreshToken

	env.clock.Advance(time.Hour)
	rotated, err := env.m.RefreshSession(ctx, ActorUser, r1, RequestInfo{})
	require.NoError(t, err)
	r2 := rotated.RefreshToken
	require.NotEqual(t, r1, r2)
	assert.Equal(t, res.Tokens.SessionID, rotated.SessionID)
	assert.Equal(t, res.Tokens.RefreshExpiresAt, rotated.RefreshExpiresAt, "rotation keeps the absolute expiry")

	_, err = env.m.RefreshSession(ctx, ActorUser, r1, RequestInfo{})
	require.ErrorIs(t, err, ErrRefreshInvalid)
	assert.Equal(t, uint64(1), env.m.Metrics().Value(MetricRefreshReuseRejected))

	_, err = env.m.RefreshSession(ctx, ActorUser, r2, RequestInfo{})
	require.NoError(t, err)
}

func TestRefreshScopedToActorClass(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")

	_, err := env.m.RefreshSession(context.Background(), ActorService, res.Tokens.RefreshToken, RequestInfo{})
	require.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := env.m.RefreshSession(context.Background(), ActorUser, res.Tokens.RefreshToken, RequestInfo{})
			errs <- err
		}()
	}
	wins := 0
	for i := 0; i < callers; i++ {
		err := <-errs
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrRefreshInvalid)
	}
	assert.Equal(t, 1, wins)
}

func TestValidationDuringRefreshKeepsNewHandle(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")
	ctx := context.Background()

	var rotated *Tokens
	deps := env.m.flows.Validate
	load := deps.LoadSession
	deps.LoadSession = func(ctx context.Context, sid string) (*session.Record, error) {
		rec, err := load(ctx, sid)
		var rerr error
		rotated, rerr = env.m.RefreshSession(ctx, ActorUser, res.Tokens.RefreshToken, RequestInfo{})
		require.NoError(t, rerr)
		return rec, err
	}
	out := flows.RunValidate(ctx, flows.ValidateInput{SessionID: res.Tokens.SessionID}, deps)
	require.Equal(t, flows.ValidateFailureNone, out.Failure)

	rec, err := env.m.sessions.Get(ctx, res.Tokens.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rotated.RefreshToken, rec.RefreshToken)

	require.NoError(t, env.m.Logout(ctx, res.Tokens.SessionID))
	assert.False(t, env.mr.Exists(session.RefreshKey(ActorUser, rotated.RefreshToken)))
}

func TestLogoutRevokesRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	res := env.login(t, ActorUser, "a@b", "hunter2")
	ctx := context.Background()

	require.NoError(t, env.m.Logout(ctx, res.Tokens.SessionID))
	require.NoError(t, env.m.Logout(ctx, res.Tokens.SessionID), "logout is idempotent")

	_, err := env.m.Authenticate(ctx, Credentials{SessionID: res.Tokens.SessionID})
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = env.m.RefreshSession(ctx, ActorUser, res.Tokens.RefreshToken, RequestInfo{})
	require.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestRevokeAllForSubjectKeepsExcepted(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	ctx := context.Background()
	a := env.login(t, ActorUser, "a@b", "hunter2")
	b := env.login(t, ActorUser, "a@b", "hunter2")
	c := env.login(t, ActorUser, "a@b", "hunter2")

	n, err := env.m.RevokeAllForSubject(ctx, "u-1", b.Tokens.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, res := range []*LoginResult{a, c} {
		_, err := env.m.Authenticate(ctx, Credentials{SessionID: res.Tokens.SessionID})
		require.ErrorIs(t, err, ErrUnauthenticated)
	}
	_, err = env.m.Authenticate(ctx, Credentials{SessionID: b.Tokens.SessionID})
	require.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
	env.login(t, ActorUser, "a@b", "hunter2")
	env.login(t, ActorUser, "a@b", "hunter2")

	env.clock.Advance(25 * time.Hour)
	stats, err := env.m.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Deleted)
	assert.Equal(t, uint64(2), env.m.Metrics().Value(MetricSessionsSwept))
}

func TestStatelessFallback(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		env := newTestEnv(t, func(c *Config) { c.Session.StatelessFallback = enabled })
		env.addUser(t, &User{ID: "u-1", ActorClass: ActorUser, Email: "a@b"}, "hunter2")
		res := env.login(t, ActorUser, "a@b", "hunter2")

		env.mr.Close()
		p, err := env.m.Authenticate(context.Background(), Credentials{BearerToken: res.Tokens.AccessToken})
		if !enabled {
			require.ErrorIs(t, err, ErrUnauthenticated)
			continue
		}
		require.NoError(t, err)
		assert.True(t, p.Stateless)
		assert.Equal(t, "u-1", p.SubjectID)

		_, err = env.m.Authenticate(context.Background(), Credentials{SessionID: res.Tokens.SessionID})
		require.ErrorIs(t, err, ErrUnauthenticated, "cookie sessions need the store")
	}
}

func TestCreateSessionStoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()
	_, err := env.m.CreateSession(context.Background(), ActorUser, "u-1", RequestInfo{}, true)
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCredentialsFromRequest(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	r.Header.Set("X-Session-ID", "sid-header")

	c := env.m.Credentials(r)
	assert.Equal(t, "abc.def.ghi", c.BearerToken)
	assert.Equal(t, "sid-header", c.SessionID)
}

func TestValidateRequestUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest("GET", "/", nil)
	_, err := env.m.ValidateRequest(r)
	require.True(t, errors.Is(err, ErrUnauthenticated))
}
