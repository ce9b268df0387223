package authcore

import (
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
)

// SecurityReport summarises the effective security posture. It never
// contains secrets.
type SecurityReport struct {
	Environment       Environment
	SigningAlgorithm  string
	SecretGenerated   bool
	AccessTTL         map[ActorClass]time.Duration
	RefreshTTL        time.Duration
	IdleTimeout       time.Duration
	AggressiveSweep   bool
	StatelessFallback bool
	RedisEnabled      bool
	LocalKVFallback   bool
	KVDegraded        bool
	Argon2            PasswordConfigReport
	UpgradeOnLogin    bool
	TOTPDigits        int
	TOTPPeriod        int
	BackupCodeCount   int
	CookieSameSite    string
	CookieSecure      string
	MobileCookies     bool
	TrustProxyHeaders bool
	RateLimiting      bool
	RatePolicies      map[rate.Class]rate.Policy
	AuditEnabled      bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (m *Manager) SecurityReport() SecurityReport {
	if m == nil {
		return SecurityReport{}
	}
	c := m.config

	secure := "auto"
	if c.Cookie.Secure != nil {
		secure = "false"
		if *c.Cookie.Secure {
			secure = "true"
		}
	}
	sameSite := c.Cookie.SameSite
	if sameSite == "" {
		sameSite = "auto"
	}
	policies := c.RateLimit.Policies
	if policies == nil {
		policies = rate.DefaultPolicies()
	}

	return SecurityReport{
		Environment:      c.Environment,
		SigningAlgorithm: string(c.Token.Method),
		SecretGenerated:  c.Token.Generated,
		AccessTTL: map[ActorClass]time.Duration{
			ActorUser:    c.AccessTTL(ActorUser),
			ActorService: c.AccessTTL(ActorService),
			ActorAdmin:   c.AccessTTL(ActorAdmin),
		},
		RefreshTTL:        c.Token.RefreshTTL,
		IdleTimeout:       c.IdleTimeout(),
		AggressiveSweep:   c.Session.AggressiveSweep,
		StatelessFallback: c.Session.StatelessFallback,
		RedisEnabled:      c.Redis.Enabled,
		LocalKVFallback:   c.Redis.LocalFallback,
		KVDegraded:        m.Degraded(),
		Argon2: PasswordConfigReport{
			Memory:      c.Password.Memory,
			Time:        c.Password.Time,
			Parallelism: c.Password.Parallelism,
			SaltLength:  c.Password.SaltLength,
			KeyLength:   c.Password.KeyLength,
		},
		UpgradeOnLogin:    c.Password.UpgradeOnLogin,
		TOTPDigits:        c.TOTP.Digits,
		TOTPPeriod:        c.TOTP.Period,
		BackupCodeCount:   c.TOTP.BackupCodeCount,
		CookieSameSite:    sameSite,
		CookieSecure:      secure,
		MobileCookies:     c.Cookie.MobileCompat,
		TrustProxyHeaders: c.Server.TrustProxyHeaders,
		RateLimiting:      c.RateLimit.Enabled,
		RatePolicies:      policies.Clone(),
		AuditEnabled:      c.Audit.Enabled,
	}
}
