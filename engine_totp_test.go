package authcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/mfa"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

func (e *testEnv) code(t *testing.T, secret string, offset time.Duration) string {
	t.Helper()
	c, err := e.m.totp.Code(secret, e.clock.Now().Add(offset))
	require.NoError(t, err)
	return c
}

func (e *testEnv) addAdmin(t *testing.T, backup ...string) *User {
	t.Helper()
	tf := userstore.NoTwoFactor()
	if len(backup) > 0 {
		var err error
		tf, err = userstore.EnabledTwoFactor(testTOTPSecret, mfa.HashBackupCodes("adm-1", backup))
		require.NoError(t, err)
	}
	return e.addUser(t, &User{ID: "adm-1", ActorClass: ActorAdmin, Username: "root", Email: "root@example.com", TwoFactor: tf}, "hunter2")
}

func (e *testEnv) pendingAdmin(t *testing.T) *Principal {
	t.Helper()
	res := e.login(t, ActorAdmin, "root", "hunter2")
	require.True(t, res.RequiresTOTP)
	p, err := e.m.Authenticate(context.Background(), Credentials{SessionID: res.Tokens.SessionID})
	require.NoError(t, err)
	require.True(t, p.TOTPPending)
	return p
}

func TestAdminWithoutTOTPIsNotPending(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t)

	res := env.login(t, ActorAdmin, "root", "hunter2")
	require.False(t, res.RequiresTOTP)
	p, err := env.m.Authenticate(context.Background(), Credentials{SessionID: res.Tokens.SessionID})
	require.NoError(t, err)
	assert.False(t, p.TOTPPending)
}

func TestTOTPSetupLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t)
	ctx := context.Background()
	res := env.login(t, ActorAdmin, "root", "hunter2")
	p, err := env.m.Authenticate(ctx, Credentials{SessionID: res.Tokens.SessionID})
	require.NoError(t, err)

	setup, err := env.m.BeginTOTPSetup(ctx, p)
	require.NoError(t, err)
	assert.Contains(t, setup.ProvisioningURI, "otpauth://totp/")
	assert.Contains(t, setup.QRCode, "data:image/png;base64,")
	assert.Equal(t, 15*time.Minute, env.mr.TTL(totpSetupPrefix+"adm-1"))

	u, err := env.users.GetByID(ctx, "adm-1")
	require.NoError(t, err)
	assert.False(t, u.TwoFactor.Enabled(), "nothing persisted before confirmation")

	st, err := env.m.TwoFactorStatus(ctx, p)
	require.NoError(t, err)
	assert.True(t, st.SetupPending)

	_, err = env.m.ConfirmTOTPSetup(ctx, p, setup.Secret, "000000")
	require.ErrorIs(t, err, ErrTOTPInvalid)

	codes, err := env.m.ConfirmTOTPSetup(ctx, p, setup.Secret, env.code(t, setup.Secret, 0))
	require.NoError(t, err)
	require.Len(t, codes, 10)
	for _, c := range codes {
		assert.Len(t, c, 8)
	}

	u, err = env.users.GetByID(ctx, "adm-1")
	require.NoError(t, err)
	require.True(t, u.TwoFactor.Enabled())
	assert.Equal(t, setup.Secret, u.TwoFactor.Secret())
	assert.NotContains(t, u.TwoFactor.BackupCodes(), codes[0], "only hashes are stored")
	assert.False(t, env.mr.Exists(totpSetupPrefix+"adm-1"))

	p, err = env.m.Authenticate(ctx, Credentials{SessionID: res.Tokens.SessionID})
	require.NoError(t, err)
	assert.False(t, p.TOTPPending, "confirming session is verified")

	_, err = env.m.BeginTOTPSetup(ctx, p)
	require.ErrorIs(t, err, ErrTOTPAlreadyEnabled)
}

func TestConfirmWithoutSetup(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t)
	res := env.login(t, ActorAdmin, "root", "hunter2")
	p, err := env.m.Authenticate(context.Background(), Credentials{SessionID: res.Tokens.SessionID})
	require.NoError(t, err)

	_, err = env.m.ConfirmTOTPSetup(context.Background(), p, testTOTPSecret, env.code(t, testTOTPSecret, 0))
	require.ErrorIs(t, err, ErrTOTPSetupMissing)
}

func TestVerifySecondFactorWithCode(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678")
	ctx := context.Background()
	p := env.pendingAdmin(t)

	_, err := env.m.VerifySecondFactor(ctx, p, SecondFactor{Code: "000000"})
	require.ErrorIs(t, err, ErrTOTPInvalid)

	tok, err := env.m.VerifySecondFactor(ctx, p, SecondFactor{Code: env.code(t, testTOTPSecret, 0)})
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)

	verified, err := env.m.Authenticate(ctx, Credentials{SessionID: p.SessionID})
	require.NoError(t, err)
	assert.False(t, verified.TOTPPending)

	claims, err := env.m.tokens.Parse(tok.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.TOTPVerified)
}

func TestSecondFactorSurvivesConcurrentValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678")
	ctx := context.Background()
	p := env.pendingAdmin(t)

	// verify-2fa lands between the validation's load and its write-back.
	deps := env.m.flows.Validate
	load := deps.LoadSession
	deps.LoadSession = func(ctx context.Context, sid string) (*session.Record, error) {
		rec, err := load(ctx, sid)
		_, verr := env.m.VerifySecondFactor(ctx, p, SecondFactor{BackupCode: "12345678"})
		require.NoError(t, verr)
		return rec, err
	}
	res := flows.RunValidate(ctx, flows.ValidateInput{SessionID: p.SessionID}, deps)
	require.Equal(t, flows.ValidateFailureNone, res.Failure)
	assert.False(t, res.TOTPPending)

	after, err := env.m.Authenticate(ctx, Credentials{SessionID: p.SessionID})
	require.NoError(t, err)
	assert.False(t, after.TOTPPending, "totp_verified kept after the validation's touch")
}

func TestTOTPReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678")
	ctx := context.Background()

	code := env.code(t, testTOTPSecret, 0)
	_, err := env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{Code: code})
	require.NoError(t, err)

	_, err = env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{Code: code})
	require.ErrorIs(t, err, ErrTOTPInvalid)
	assert.Equal(t, uint64(1), env.m.Metrics().Value(MetricTOTPReplayRejected))

	// An earlier step that is still inside the window is a replay too.
	_, err = env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{Code: env.code(t, testTOTPSecret, -30*time.Second)})
	require.ErrorIs(t, err, ErrTOTPInvalid)

	env.clock.Advance(30 * time.Second)
	_, err = env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{Code: env.code(t, testTOTPSecret, 0)})
	require.NoError(t, err)
}

func TestBackupCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678", "87654321")
	ctx := context.Background()

	_, err := env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{BackupCode: "1234-5678"})
	require.NoError(t, err)

	_, err = env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{BackupCode: "12345678"})
	require.ErrorIs(t, err, ErrTOTPInvalid)

	u, err := env.users.GetByID(ctx, "adm-1")
	require.NoError(t, err)
	assert.Equal(t, []string{mfa.HashBackupCode("adm-1", "87654321")}, u.TwoFactor.BackupCodes())
}

func TestVerifySecondFactorRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678")
	ctx := context.Background()
	p := env.pendingAdmin(t)

	for i := 0; i < 5; i++ {
		_, err := env.m.VerifySecondFactor(ctx, p, SecondFactor{Code: "000000"})
		require.ErrorIs(t, err, ErrTOTPInvalid)
	}
	_, err := env.m.VerifySecondFactor(ctx, p, SecondFactor{Code: env.code(t, testTOTPSecret, 0)})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestDisableTOTP(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678")
	ctx := context.Background()
	p := env.pendingAdmin(t)
	_, err := env.m.VerifySecondFactor(ctx, p, SecondFactor{BackupCode: "12345678"})
	require.NoError(t, err)

	require.ErrorIs(t, env.m.DisableTOTP(ctx, p, DisableTOTPRequest{}), ErrInvalidInput)
	require.ErrorIs(t, env.m.DisableTOTP(ctx, p, DisableTOTPRequest{Password: "nope"}), ErrInvalidCredentials)
	require.NoError(t, env.m.DisableTOTP(ctx, p, DisableTOTPRequest{Password: "hunter2"}))

	u, err := env.users.GetByID(ctx, "adm-1")
	require.NoError(t, err)
	assert.Equal(t, TwoFactorDisabled, u.TwoFactor.State())
	assert.Empty(t, u.TwoFactor.Secret())
	assert.Empty(t, u.TwoFactor.BackupCodes())

	require.ErrorIs(t, env.m.DisableTOTP(ctx, p, DisableTOTPRequest{Password: "hunter2"}), ErrTOTPNotEnabled)
}

func TestRegenerateBackupCodes(t *testing.T) {
	env := newTestEnv(t)
	env.addAdmin(t, "12345678")
	ctx := context.Background()
	p := env.pendingAdmin(t)
	_, err := env.m.VerifySecondFactor(ctx, p, SecondFactor{Code: env.code(t, testTOTPSecret, 0)})
	require.NoError(t, err)

	_, err = env.m.RegenerateBackupCodes(ctx, p, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	env.clock.Advance(30 * time.Second)
	codes, err := env.m.RegenerateBackupCodes(ctx, p, env.code(t, testTOTPSecret, 0))
	require.NoError(t, err)
	require.Len(t, codes, 10)

	st, err := env.m.TwoFactorStatus(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "enabled", st.State)
	assert.Equal(t, 10, st.BackupCodesRemaining)

	// The old code was wiped.
	_, err = env.m.VerifySecondFactor(ctx, env.pendingAdmin(t), SecondFactor{BackupCode: "12345678"})
	require.ErrorIs(t, err, ErrTOTPInvalid)
}

func TestTOTPOperationsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := &Principal{SubjectID: "u-1", ActorClass: ActorUser, SessionID: "x"}

	_, err := env.m.BeginTOTPSetup(ctx, p)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.m.TwoFactorStatus(ctx, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
}
