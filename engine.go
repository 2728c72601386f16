package vaultauth

import (
	"github.com/redis/go-redis/v9"

	"github.com/keyfortress/vaultauth/internal/limiters"
	"github.com/keyfortress/vaultauth/internal/stores"
	"github.com/keyfortress/vaultauth/jwt"
	"github.com/keyfortress/vaultauth/password"
	"github.com/keyfortress/vaultauth/session"
)

// Engine is the façade over every identity and session-trust operation.
// Construct it once through [Builder.Build]; all methods are then safe
// for concurrent use.
type Engine struct {
	config Config

	directory     Directory
	credentials   CredentialStore
	recoveryCodes RecoveryCodeStore
	ledger        Ledger

	rdb          redis.UniversalClient
	sessions     *session.Store
	challenges   *stores.ChallengeStore
	oneTimeCodes *stores.OneTimeCodeStore
	mfaLimiter   *limiters.MFALimiter

	rp           *relyingParty
	smsSender    CodeSender
	emailSender  CodeSender
	passwordHash *password.Hasher
	totp         *totpManager
	accessTokens *jwt.Manager

	audit   *auditDispatcher
	metrics *Metrics

	verifiers map[MFAMethod]methodVerifier
}

// Close flushes the audit dispatcher. The engine must not be used after
// Close returns.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded due to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
