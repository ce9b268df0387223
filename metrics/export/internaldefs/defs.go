package internaldefs

import (
	"github.com/MrEthical07/authcore"
)

// Family groups counters that differ only by outcome. Exporters publish one
// series per family, labelled by outcome.
type Family struct {
	Name string
	Help string
}

// CounterDef places one MetricID in a family.
type CounterDef struct {
	ID      authcore.MetricID
	Family  string
	Outcome string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// Families in export order.
var Families = []Family{
	{Name: "login", Help: "Primary login attempts by outcome."},
	{Name: "refresh", Help: "Refresh rotations by outcome."},
	{Name: "session", Help: "Session lifecycle events."},
	{Name: "logout", Help: "Logout operations by scope."},
	{Name: "validate", Help: "Request authentication results other than success."},
	{Name: "totp", Help: "Admin second-factor events."},
	{Name: "backup_code", Help: "Backup code events."},
	{Name: "rate_limit", Help: "Rate limiter refusals."},
	{Name: "csrf", Help: "CSRF guard refusals."},
}

// CounterDefs maps every counter MetricID to its family and outcome.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Family: "login", Outcome: "success"},
	{ID: authcore.MetricLoginFailure, Family: "login", Outcome: "failure"},
	{ID: authcore.MetricLoginRateLimited, Family: "login", Outcome: "rate_limited"},
	{ID: authcore.MetricRefreshSuccess, Family: "refresh", Outcome: "success"},
	{ID: authcore.MetricRefreshFailure, Family: "refresh", Outcome: "failure"},
	{ID: authcore.MetricRefreshReuseRejected, Family: "refresh", Outcome: "reuse_rejected"},
	{ID: authcore.MetricSessionCreated, Family: "session", Outcome: "created"},
	{ID: authcore.MetricSessionInvalidated, Family: "session", Outcome: "invalidated"},
	{ID: authcore.MetricSessionsSwept, Family: "session", Outcome: "swept"},
	{ID: authcore.MetricLogout, Family: "logout", Outcome: "single"},
	{ID: authcore.MetricLogoutAll, Family: "logout", Outcome: "all"},
	{ID: authcore.MetricValidateFailure, Family: "validate", Outcome: "failure"},
	{ID: authcore.MetricAccountDisabled, Family: "validate", Outcome: "account_disabled"},
	{ID: authcore.MetricStatelessFallback, Family: "validate", Outcome: "stateless_fallback"},
	{ID: authcore.MetricTOTPRequired, Family: "totp", Outcome: "required"},
	{ID: authcore.MetricTOTPSuccess, Family: "totp", Outcome: "success"},
	{ID: authcore.MetricTOTPFailure, Family: "totp", Outcome: "failure"},
	{ID: authcore.MetricTOTPReplayRejected, Family: "totp", Outcome: "replay_rejected"},
	{ID: authcore.MetricTOTPEnabled, Family: "totp", Outcome: "enabled"},
	{ID: authcore.MetricTOTPDisabled, Family: "totp", Outcome: "disabled"},
	{ID: authcore.MetricBackupCodeUsed, Family: "backup_code", Outcome: "used"},
	{ID: authcore.MetricBackupCodeFailed, Family: "backup_code", Outcome: "failed"},
	{ID: authcore.MetricBackupCodeRegenerated, Family: "backup_code", Outcome: "regenerated"},
	{ID: authcore.MetricRateLimitHit, Family: "rate_limit", Outcome: "limited"},
	{ID: authcore.MetricRateLimitBackendFailure, Family: "rate_limit", Outcome: "backend_failure"},
	{ID: authcore.MetricCSRFRejected, Family: "csrf", Outcome: "rejected"},
}

// ByFamily returns the counters of family in CounterDefs order.
func ByFamily(family string) []CounterDef {
	var out []CounterDef
	for _, def := range CounterDefs {
		if def.Family == family {
			out = append(out, def)
		}
	}
	return out
}

// HistogramDefs lists every histogram.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "validate_latency_seconds", Help: "Session validation latency."},
}

// HistogramBounds are the upper bounds of the core buckets, in seconds.
var HistogramBounds = [8]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}

// CumulativeBuckets pads raw to the fixed bucket count and turns
// per-bucket counts into le counts.
func CumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
