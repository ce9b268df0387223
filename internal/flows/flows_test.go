package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

var (
	errInvalidInput = errors.New("invalid input")
	errInvalidCreds = errors.New("invalid credentials")
	errDisabled     = errors.New("disabled")
	errRateLimited  = errors.New("rate limited")
	errBackend      = errors.New("backend")
	errRefresh      = errors.New("refresh invalid")
	errNotFound     = errors.New("not found")
	errDown         = errors.New("down")
)

var flowNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type counters map[int]int

func (c counters) inc(id int) { c[id]++ }

func isNotFound(err error) bool { return errors.Is(err, errNotFound) }

func loginDeps(users map[string]*userstore.User, m counters) (LoginDeps, *int) {
	dummy := 0
	return LoginDeps{
		Now: func() time.Time { return flowNow },
		FindSubject: func(_ context.Context, _ session.ActorClass, ident string) (*userstore.User, error) {
			if u, ok := users[ident]; ok {
				cp := *u
				return &cp, nil
			}
			return nil, errNotFound
		},
		IsNotFound: isNotFound,
		VerifyPassword: func(_ context.Context, plaintext, hash string) (bool, error) {
			return "hash:"+plaintext == hash, nil
		},
		DummyVerify:        func(context.Context, string) { dummy++ },
		SetLastLogin:       func(context.Context, string, time.Time) error { return nil },
		UpdatePasswordHash: func(context.Context, string, string) error { return nil },
		HashPassword:       func(_ context.Context, p string) (string, error) { return "hash:" + p, nil },
		MetricInc:          m.inc,
		Metrics:            LoginMetrics{Failure: 1, RateLimited: 2, AccountDisabled: 3},
		Errors: LoginErrors{
			InvalidInput:       errInvalidInput,
			InvalidCredentials: errInvalidCreds,
			AccountDisabled:    errDisabled,
			RateLimited:        errRateLimited,
			Backend:            errBackend,
		},
	}, &dummy
}

func TestRunLogin(t *testing.T) {
	tf, err := userstore.EnabledTwoFactor("SECRET", nil)
	if err != nil {
		t.Fatal(err)
	}
	users := map[string]*userstore.User{
		"a@b":  {ID: "u-1", ActorClass: session.ActorUser, PasswordHash: "hash:hunter2", IsActive: true},
		"root": {ID: "a-1", ActorClass: session.ActorAdmin, PasswordHash: "hash:hunter2", IsActive: true, TwoFactor: tf},
		"ban":  {ID: "u-2", ActorClass: session.ActorUser, PasswordHash: "hash:hunter2", IsActive: true, IsBanned: true},
	}

	tests := []struct {
		name      string
		in        LoginInput
		wantErr   error
		wantTOTP  bool
		wantDummy int
	}{
		{name: "ok", in: LoginInput{Actor: session.ActorUser, Identifier: "a@b", Password: "hunter2"}},
		{name: "admin owes totp", in: LoginInput{Actor: session.ActorAdmin, Identifier: "root", Password: "hunter2"}, wantTOTP: true},
		{name: "empty password", in: LoginInput{Actor: session.ActorUser, Identifier: "a@b"}, wantErr: errInvalidInput},
		{name: "bad actor", in: LoginInput{Actor: "robot", Identifier: "a@b", Password: "x"}, wantErr: errInvalidInput},
		{name: "wrong password", in: LoginInput{Actor: session.ActorUser, Identifier: "a@b", Password: "nope"}, wantErr: errInvalidCreds},
		{name: "unknown", in: LoginInput{Actor: session.ActorUser, Identifier: "x@y", Password: "nope"}, wantErr: errInvalidCreds, wantDummy: 1},
		{name: "class mismatch", in: LoginInput{Actor: session.ActorService, Identifier: "a@b", Password: "hunter2"}, wantErr: errInvalidCreds, wantDummy: 1},
		{name: "banned", in: LoginInput{Actor: session.ActorUser, Identifier: "ban", Password: "hunter2"}, wantErr: errDisabled},
		{name: "banned wrong password", in: LoginInput{Actor: session.ActorUser, Identifier: "ban", Password: "nope"}, wantErr: errInvalidCreds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, dummy := loginDeps(users, counters{})
			out, err := RunLogin(context.Background(), tt.in, deps)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if *dummy != tt.wantDummy {
				t.Fatalf("dummy verifications = %d, want %d", *dummy, tt.wantDummy)
			}
			if err != nil {
				return
			}
			if out.RequiresTOTP != tt.wantTOTP {
				t.Fatalf("RequiresTOTP = %v", out.RequiresTOTP)
			}
			if !out.User.LastLogin.Equal(flowNow) {
				t.Fatalf("LastLogin = %v", out.User.LastLogin)
			}
		})
	}
}

func TestRunLoginRateLimited(t *testing.T) {
	m := counters{}
	deps, _ := loginDeps(nil, m)
	var gotKey string
	deps.CheckRate = func(_ context.Context, _ session.ActorClass, key string) error {
		gotKey = key
		return errRateLimited
	}
	_, err := RunLogin(context.Background(), LoginInput{Actor: session.ActorUser, Identifier: " A@B ", Password: "x", IP: "10.0.0.1"}, deps)
	if !errors.Is(err, errRateLimited) {
		t.Fatalf("err = %v", err)
	}
	if gotKey != "10.0.0.1|a@b" {
		t.Fatalf("key = %q", gotKey)
	}
	if m[2] != 1 {
		t.Fatalf("rate limited metric = %d", m[2])
	}
}

func TestRunLoginUpgradesHash(t *testing.T) {
	users := map[string]*userstore.User{
		"a@b": {ID: "u-1", ActorClass: session.ActorUser, PasswordHash: "hash:hunter2", IsActive: true},
	}
	deps, _ := loginDeps(users, counters{})
	deps.UpgradeOnLogin = true
	deps.NeedsUpgrade = func(string) bool { return true }
	deps.HashPassword = func(context.Context, string) (string, error) { return "upgraded", nil }
	var stored string
	deps.UpdatePasswordHash = func(_ context.Context, _, hash string) error {
		stored = hash
		return nil
	}

	out, err := RunLogin(context.Background(), LoginInput{Actor: session.ActorUser, Identifier: "a@b", Password: "hunter2"}, deps)
	if err != nil {
		t.Fatal(err)
	}
	if stored != "upgraded" || out.User.PasswordHash != "upgraded" {
		t.Fatalf("hash not upgraded: stored=%q user=%q", stored, out.User.PasswordHash)
	}
}

type validateFixture struct {
	sessions map[string]*session.Record
	user     *userstore.User
	revoked  []string
	touched  int
	loadErr  error
	claims   *jwt.Claims
}

func (f *validateFixture) deps() ValidateDeps {
	return ValidateDeps{
		IdleTimeout:         24 * time.Hour,
		Now:                 func() time.Time { return flowNow },
		WellFormedSessionID: func(s string) bool { return s != "" && s != "bad" },
		ParseAccess: func(tok string) (*jwt.Claims, error) {
			if f.claims == nil || tok != "token" {
				return nil, jwt.ErrInvalid
			}
			return f.claims, nil
		},
		LoadSession: func(_ context.Context, sid string) (*session.Record, error) {
			if f.loadErr != nil {
				return nil, f.loadErr
			}
			rec, ok := f.sessions[sid]
			if !ok {
				return nil, errNotFound
			}
			cp := *rec
			return &cp, nil
		},
		TouchSession: func(_ context.Context, sid string, at time.Time) (*session.Record, error) {
			rec, ok := f.sessions[sid]
			if !ok {
				return nil, errNotFound
			}
			f.touched++
			if at.After(rec.LastActivity) {
				rec.LastActivity = at
			}
			cp := *rec
			return &cp, nil
		},
		RevokeSession: func(_ context.Context, sid string) error {
			f.revoked = append(f.revoked, sid)
			delete(f.sessions, sid)
			return nil
		},
		LoadSubject: func(context.Context, string) (*userstore.User, error) {
			if f.user == nil {
				return nil, errNotFound
			}
			return f.user, nil
		},
		IsNotFound:    isNotFound,
		IsUnavailable: func(err error) bool { return errors.Is(err, errDown) },
	}
}

func newValidateFixture(lastActivity time.Time) *validateFixture {
	return &validateFixture{
		sessions: map[string]*session.Record{
			"sid": {SessionID: "sid", ActorClass: session.ActorUser, SubjectID: "u-1", LastActivity: lastActivity, IsActive: true},
		},
		user: &userstore.User{ID: "u-1", ActorClass: session.ActorUser, IsActive: true},
	}
}

func TestRunValidateSlidesActivity(t *testing.T) {
	f := newValidateFixture(flowNow.Add(-time.Hour))
	res := RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, f.deps())
	if res.Failure != ValidateFailureNone {
		t.Fatalf("failure = %v (%v)", res.Failure, res.Err)
	}
	if f.touched != 1 || !f.sessions["sid"].LastActivity.Equal(flowNow) {
		t.Fatalf("session not touched: %+v", f.sessions["sid"])
	}
}

func TestRunValidateRevokedDuringRequest(t *testing.T) {
	f := newValidateFixture(flowNow.Add(-time.Minute))
	deps := f.deps()
	load := deps.LoadSession
	deps.LoadSession = func(ctx context.Context, sid string) (*session.Record, error) {
		rec, err := load(ctx, sid)
		delete(f.sessions, sid)
		return rec, err
	}
	res := RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, deps)
	if res.Failure != ValidateFailureUnauthenticated {
		t.Fatalf("failure = %v", res.Failure)
	}
	if _, ok := f.sessions["sid"]; ok {
		t.Fatal("revoked session recreated by touch")
	}
}

func TestRunValidateReportsStoredVerification(t *testing.T) {
	tf, _ := userstore.EnabledTwoFactor("SECRET", nil)
	f := newValidateFixture(flowNow)
	f.sessions["sid"].ActorClass = session.ActorAdmin
	f.user.ActorClass = session.ActorAdmin
	f.user.TwoFactor = tf

	deps := f.deps()
	load := deps.LoadSession
	deps.LoadSession = func(ctx context.Context, sid string) (*session.Record, error) {
		rec, err := load(ctx, sid)
		f.sessions[sid].TOTPVerified = true
		return rec, err
	}
	res := RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, deps)
	if res.Failure != ValidateFailureNone || res.TOTPPending {
		t.Fatalf("res = %+v", res)
	}
	if !f.sessions["sid"].TOTPVerified {
		t.Fatal("touch cleared totp_verified")
	}
}

func TestRunValidateIdleBoundary(t *testing.T) {
	f := newValidateFixture(flowNow.Add(-24 * time.Hour))
	res := RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, f.deps())
	if res.Failure != ValidateFailureUnauthenticated {
		t.Fatalf("failure = %v", res.Failure)
	}
	if len(f.revoked) != 1 {
		t.Fatalf("idle session not revoked")
	}
}

func TestRunValidateDisabledSubject(t *testing.T) {
	f := newValidateFixture(flowNow)
	f.user.IsSuspended = true
	res := RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, f.deps())
	if res.Failure != ValidateFailureDisabled {
		t.Fatalf("failure = %v", res.Failure)
	}
	if len(f.revoked) != 1 {
		t.Fatalf("session not revoked")
	}
}

func TestRunValidateTOTPPending(t *testing.T) {
	tf, _ := userstore.EnabledTwoFactor("SECRET", nil)
	f := newValidateFixture(flowNow)
	f.sessions["sid"].ActorClass = session.ActorAdmin
	f.user.ActorClass = session.ActorAdmin
	f.user.TwoFactor = tf

	res := RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, f.deps())
	if res.Failure != ValidateFailureNone || !res.TOTPPending {
		t.Fatalf("res = %+v", res)
	}

	f.sessions["sid"].TOTPVerified = true
	res = RunValidate(context.Background(), ValidateInput{SessionID: "sid"}, f.deps())
	if res.TOTPPending {
		t.Fatal("verified session still pending")
	}
}

func TestRunValidateStatelessFallback(t *testing.T) {
	f := newValidateFixture(flowNow)
	f.loadErr = errDown
	f.claims = &jwt.Claims{ActorClass: "admin", SessionID: "sid", TOTPVerified: false}
	f.claims.Subject = "a-1"

	deps := f.deps()
	res := RunValidate(context.Background(), ValidateInput{BearerToken: "token"}, deps)
	if res.Failure != ValidateFailureUnauthenticated {
		t.Fatalf("fallback disabled: failure = %v", res.Failure)
	}

	deps.StatelessFallback = true
	res = RunValidate(context.Background(), ValidateInput{BearerToken: "token"}, deps)
	if res.Failure != ValidateFailureNone || !res.Stateless || !res.TOTPPending || res.SubjectID != "a-1" {
		t.Fatalf("res = %+v", res)
	}
}

func TestRunValidateBearerMustMatchSession(t *testing.T) {
	f := newValidateFixture(flowNow)
	f.claims = &jwt.Claims{ActorClass: "user", SessionID: "sid"}
	f.claims.Subject = "someone-else"
	res := RunValidate(context.Background(), ValidateInput{BearerToken: "token"}, f.deps())
	if res.Failure != ValidateFailureUnauthenticated {
		t.Fatalf("failure = %v", res.Failure)
	}
}

type refreshFixture struct {
	refresh  map[string]*session.RefreshRecord
	sessions map[string]*session.Record
	user     *userstore.User
	next     int
}

func newRefreshFixture() *refreshFixture {
	return &refreshFixture{
		refresh: map[string]*session.RefreshRecord{
			"r1": {SessionID: "sid", SubjectID: "u-1", ActorClass: session.ActorUser, ExpiresAt: flowNow.Add(time.Hour)},
		},
		sessions: map[string]*session.Record{
			"sid": {SessionID: "sid", ActorClass: session.ActorUser, SubjectID: "u-1", LastActivity: flowNow.Add(-time.Minute), IsActive: true, RefreshToken: "r1"},
		},
		user: &userstore.User{ID: "u-1", ActorClass: session.ActorUser, IsActive: true},
	}
}

func (f *refreshFixture) deps(m counters) RefreshDeps {
	return RefreshDeps{
		IdleTimeout:      24 * time.Hour,
		Now:              func() time.Time { return flowNow },
		WellFormedHandle: func(s string) bool { return s != "" },
		NewHandle: func() (string, error) {
			f.next++
			return "n" + string(rune('0'+f.next)), nil
		},
		GetRefresh: func(_ context.Context, _ session.ActorClass, h string) (*session.RefreshRecord, error) {
			rr, ok := f.refresh[h]
			if !ok {
				return nil, errNotFound
			}
			return rr, nil
		},
		RotateRefresh: func(_ context.Context, _ session.ActorClass, old, nw string) error {
			rr, ok := f.refresh[old]
			if !ok {
				return errNotFound
			}
			delete(f.refresh, old)
			f.refresh[nw] = rr
			return nil
		},
		DeleteRefresh: func(_ context.Context, _ session.ActorClass, h string) error {
			delete(f.refresh, h)
			return nil
		},
		LoadSession: func(_ context.Context, sid string) (*session.Record, error) {
			rec, ok := f.sessions[sid]
			if !ok {
				return nil, errNotFound
			}
			cp := *rec
			return &cp, nil
		},
		BindRefresh: func(_ context.Context, sid, handle string, at time.Time) (*session.Record, error) {
			rec, ok := f.sessions[sid]
			if !ok {
				return nil, errNotFound
			}
			rec.RefreshToken = handle
			if at.After(rec.LastActivity) {
				rec.LastActivity = at
			}
			cp := *rec
			return &cp, nil
		},
		RevokeSession: func(_ context.Context, sid string) error {
			delete(f.sessions, sid)
			return nil
		},
		LoadSubject: func(context.Context, string) (*userstore.User, error) { return f.user, nil },
		IsNotFound:  isNotFound,
		MetricInc:   m.inc,
		Metrics:     RefreshMetrics{Failure: 1, ReuseRejected: 2, AccountDisabled: 3},
		Errors:      RefreshErrors{RefreshInvalid: errRefresh, AccountDisabled: errDisabled, Backend: errBackend},
	}
}

func TestRunRefreshRotates(t *testing.T) {
	f := newRefreshFixture()
	m := counters{}
	out, err := RunRefresh(context.Background(), RefreshInput{Actor: session.ActorUser, Handle: "r1"}, f.deps(m))
	if err != nil {
		t.Fatal(err)
	}
	if out.Handle != "n1" || !out.ExpiresAt.Equal(flowNow.Add(time.Hour)) {
		t.Fatalf("out = %+v", out)
	}
	if f.sessions["sid"].RefreshToken != "n1" || !f.sessions["sid"].LastActivity.Equal(flowNow) {
		t.Fatalf("session not updated: %+v", f.sessions["sid"])
	}

	_, err = RunRefresh(context.Background(), RefreshInput{Actor: session.ActorUser, Handle: "r1"}, f.deps(m))
	if !errors.Is(err, errRefresh) {
		t.Fatalf("reuse err = %v", err)
	}
	if m[2] != 1 {
		t.Fatalf("reuse metric = %d", m[2])
	}
}

func TestRunRefreshExpired(t *testing.T) {
	f := newRefreshFixture()
	f.refresh["r1"].ExpiresAt = flowNow
	_, err := RunRefresh(context.Background(), RefreshInput{Actor: session.ActorUser, Handle: "r1"}, f.deps(counters{}))
	if !errors.Is(err, errRefresh) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := f.refresh["r1"]; ok {
		t.Fatal("expired handle kept")
	}
}

func TestRunRefreshDisabledSubject(t *testing.T) {
	f := newRefreshFixture()
	f.user.IsBanned = true
	_, err := RunRefresh(context.Background(), RefreshInput{Actor: session.ActorUser, Handle: "r1"}, f.deps(counters{}))
	if !errors.Is(err, errDisabled) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := f.sessions["sid"]; ok {
		t.Fatal("session of disabled subject kept")
	}
}

func TestRunRefreshMissingSessionKeepsNothing(t *testing.T) {
	f := newRefreshFixture()
	delete(f.sessions, "sid")
	_, err := RunRefresh(context.Background(), RefreshInput{Actor: session.ActorUser, Handle: "r1"}, f.deps(counters{}))
	if !errors.Is(err, errRefresh) {
		t.Fatalf("err = %v", err)
	}
	if len(f.refresh) != 0 {
		t.Fatalf("orphan refresh handles: %v", f.refresh)
	}
}
