package authcore

import (
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/userstore"
)

// ActorClass is the kind of principal a session belongs to.
type ActorClass = session.ActorClass

const (
	ActorUser    = session.ActorUser
	ActorService = session.ActorService
	ActorAdmin   = session.ActorAdmin
)

// User is the persisted subject record.
type User = userstore.User

// UserStore is the persistence contract for subjects.
type UserStore = userstore.Store

// TwoFactor is the admin 2FA state; an enabled value always carries a secret.
type TwoFactor = userstore.TwoFactor

// TwoFactorState tags the TwoFactor variant.
type TwoFactorState = userstore.TwoFactorState

const (
	TwoFactorDisabled     = userstore.TwoFactorDisabled
	TwoFactorPendingSetup = userstore.TwoFactorPendingSetup
	TwoFactorEnabled      = userstore.TwoFactorEnabled
)

// SweepStats reports one sweep pass.
type SweepStats = session.SweepStats

// RequestInfo is the per-request context a session is bound to.
type RequestInfo struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// Credentials are the transport-level inputs to Authenticate. SessionID
// wins over BearerToken when both are set.
type Credentials struct {
	SessionID   string
	BearerToken string
}

// Principal is the authenticated caller.
type Principal struct {
	SubjectID  string
	ActorClass ActorClass
	SessionID  string
	// TOTPPending is set for an admin who enrolled in 2FA but has not yet
	// presented a code on this session.
	TOTPPending bool
	// Stateless is set when the principal came from a bearer token alone
	// because the session store was unreachable.
	Stateless bool
}

// Tokens is everything a client needs after session creation or refresh.
type Tokens struct {
	SubjectID        string
	ActorClass       ActorClass
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginRequest is the input to Manager.Login.
type LoginRequest struct {
	Actor      ActorClass
	Identifier string
	Password   string
	Info       RequestInfo
}

// LoginResult is returned on a successful primary login.
type LoginResult struct {
	Tokens       *Tokens
	Subject      *User
	RequiresTOTP bool
}

// SecondFactor carries either a TOTP code or a backup code.
type SecondFactor struct {
	Code       string
	BackupCode string
}

// DisableTOTPRequest proves possession before 2FA is turned off. Any one
// field is enough.
type DisableTOTPRequest struct {
	Password   string
	Code       string
	BackupCode string
}

// TOTPSetup is returned by BeginTOTPSetup. The secret is shown once.
type TOTPSetup struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
	ExpiresAt       time.Time
}

// TwoFactorStatus summarizes a subject's 2FA enrolment.
type TwoFactorStatus struct {
	State                string
	BackupCodesRemaining int
	SetupPending         bool
}

// RateClass names a rate-limit bucket.
type RateClass = rate.Class

// Rate-limit classes, one per policy table entry.
const (
	RateLogin            = rate.Login
	RateAdminLogin       = rate.AdminLogin
	RateRegister         = rate.Register
	RatePasswordReset    = rate.PasswordReset
	RateVerificationSend = rate.VerificationSend
	RateAPIRead          = rate.APIRead
	RateAPIWrite         = rate.APIWrite
	RateUpload           = rate.Upload
	RateAdminOperation   = rate.AdminOperation
)
