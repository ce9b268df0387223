package authcore

import (
	"strconv"
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseRejected
	MetricSessionCreated
	MetricSessionInvalidated
	MetricSessionsSwept
	MetricLogout
	MetricLogoutAll
	MetricValidateFailure
	MetricTOTPRequired
	MetricTOTPSuccess
	MetricTOTPFailure
	MetricTOTPReplayRejected
	MetricTOTPEnabled
	MetricTOTPDisabled
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricBackupCodeRegenerated
	MetricRateLimitHit
	MetricRateLimitBackendFailure
	MetricCSRFRejected
	MetricAccountDisabled
	MetricStatelessFallback
	MetricValidateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:            "login_success",
	MetricLoginFailure:            "login_failure",
	MetricLoginRateLimited:        "login_rate_limited",
	MetricRefreshSuccess:          "refresh_success",
	MetricRefreshFailure:          "refresh_failure",
	MetricRefreshReuseRejected:    "refresh_reuse_rejected",
	MetricSessionCreated:          "session_created",
	MetricSessionInvalidated:      "session_invalidated",
	MetricSessionsSwept:           "sessions_swept",
	MetricLogout:                  "logout",
	MetricLogoutAll:               "logout_all",
	MetricValidateFailure:         "validate_failure",
	MetricTOTPRequired:            "totp_required",
	MetricTOTPSuccess:             "totp_success",
	MetricTOTPFailure:             "totp_failure",
	MetricTOTPReplayRejected:      "totp_replay_rejected",
	MetricTOTPEnabled:             "totp_enabled",
	MetricTOTPDisabled:            "totp_disabled",
	MetricBackupCodeUsed:          "backup_code_used",
	MetricBackupCodeFailed:        "backup_code_failed",
	MetricBackupCodeRegenerated:   "backup_code_regenerated",
	MetricRateLimitHit:            "rate_limit_hit",
	MetricRateLimitBackendFailure: "rate_limit_backend_failure",
	MetricCSRFRejected:            "csrf_rejected",
	MetricAccountDisabled:         "account_disabled",
	MetricStatelessFallback:       "stateless_fallback",
	MetricValidateLatency:         "validate_latency",
}

func (id MetricID) String() string {
	if id < metricIDCount {
		return metricNames[id]
	}
	return "metric(" + strconv.Itoa(int(id)) + ")"
}

// LatencyBounds are the inclusive upper bounds of the validation latency
// buckets. A final overflow bucket follows the last bound.
var LatencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const latencyBuckets = len(LatencyBounds) + 1

// counter sits alone on its cache line so hot counters do not contend.
type counter struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics holds lock-free counters and the validation latency histogram.
// A nil or disabled Metrics ignores updates.
type Metrics struct {
	enabled  bool
	latency  bool
	counters [metricIDCount]counter
	buckets  [latencyBuckets]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters. Histograms holds
// per-bucket (not cumulative) counts.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool        { return m != nil && m.enabled }
func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) { m.Add(id, 1) }

// Add adds n to id.
func (m *Metrics) Add(id MetricID, n uint64) {
	if !m.Enabled() || id >= metricIDCount || n == 0 {
		return
	}
	m.counters[id].n.Add(n)
}

// Observe records a latency sample. Only MetricValidateLatency keeps a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricValidateLatency {
		return
	}
	m.buckets[bucketIndex(d)].Add(1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

// Snapshot copies every counter. Disabled metrics yield empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if id != MetricValidateLatency {
			s.Counters[id] = m.counters[id].n.Load()
		}
	}
	if m.latency {
		h := make([]uint64, latencyBuckets)
		for i := range h {
			h[i] = m.buckets[i].Load()
		}
		s.Histograms[MetricValidateLatency] = h
	}
	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range LatencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(LatencyBounds)
}
