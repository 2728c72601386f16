package vaultauth

import "sync/atomic"

// MetricID names one engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts fully completed logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected password attempts.
	MetricLoginFailure
	// MetricAccountLocked counts logins refused by the lockout window.
	MetricAccountLocked
	// MetricMFARequired counts logins deferred to second-factor verification.
	MetricMFARequired
	// MetricMFASetupRequired counts logins deferred to factor enrollment.
	MetricMFASetupRequired
	// MetricMFASuccess counts successful second-factor verifications.
	MetricMFASuccess
	// MetricMFAFailure counts rejected second-factor attempts.
	MetricMFAFailure
	// MetricMFARateLimited counts attempts refused by the MFA throttle.
	MetricMFARateLimited
	// MetricMFAReplayBlocked counts TOTP codes rejected because their
	// time step had already produced a successful verification.
	MetricMFAReplayBlocked
	// MetricCodeSent counts delivered one-time codes.
	MetricCodeSent
	// MetricWebAuthnRegistered counts completed registration ceremonies.
	MetricWebAuthnRegistered
	// MetricWebAuthnChallengeMissing counts ceremonies finishing without a
	// stored challenge.
	MetricWebAuthnChallengeMissing
	// MetricClonedAuthenticator counts assertions rejected by the
	// signature-counter check.
	MetricClonedAuthenticator
	// MetricRecoveryCodesGenerated counts batch generations.
	MetricRecoveryCodesGenerated
	// MetricRecoveryCodeUsed counts consumed recovery codes.
	MetricRecoveryCodeUsed
	// MetricSessionCreated counts issued sessions, rotations included.
	MetricSessionCreated
	// MetricSessionRotated counts privilege-change rotations.
	MetricSessionRotated
	// MetricSessionRevoked counts explicitly revoked sessions.
	MetricSessionRevoked
	// MetricDeviceTrusted counts trust grants.
	MetricDeviceTrusted
	// MetricMFAReset counts administrative MFA resets.
	MetricMFAReset
	// MetricRegistration counts created principals.
	MetricRegistration
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds cheap in-process counters. A nil or disabled Metrics is a
// valid receiver for every method.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics returns counters honoring cfg.Enabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter. No-op when disabled.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
