package vaultauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyfortress/vaultauth/internal"
)

// recoveryCodeVerifier consumes one unused recovery code. Codes carry
// individual salts, so the supplied code is hashed against each unused
// row; the first match wins and is flipped to used with compare-and-set
// semantics, which keeps a concurrently submitted duplicate from
// succeeding twice.
type recoveryCodeVerifier struct {
	engine *Engine
}

func (v *recoveryCodeVerifier) verify(ctx context.Context, principal Principal, code string) error {
	e := v.engine
	canonical := internal.CanonicalizeRecoveryCode(code)
	if canonical == "" {
		return ErrRecoveryCodeInvalid
	}

	rows, err := e.recoveryCodes.List(ctx, principal.ID)
	if err != nil {
		return fmt.Errorf("%w: recovery code lookup: %v", ErrBackendUnavailable, err)
	}

	for _, row := range rows {
		if row.Used {
			continue
		}
		hash := internal.HashRecoveryCode(row.Salt, canonical)
		if subtle.ConstantTimeCompare(hash[:], row.CodeHash[:]) != 1 {
			continue
		}

		ok, err := e.recoveryCodes.MarkUsed(ctx, row.ID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("%w: recovery code update: %v", ErrBackendUnavailable, err)
		}
		if !ok {
			// Lost the race to a concurrent submission of the same code.
			return ErrRecoveryCodeInvalid
		}

		e.metricInc(MetricRecoveryCodeUsed)
		e.appendLedger(ctx, auditEventRecoveryCodeUsed, true, principal.ID, principal.CompanyID, "", nil)
		e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, principal.ID, principal.CompanyID, "", nil, func() map[string]string {
			return map[string]string{"remaining": fmt.Sprintf("%d", countUnused(rows)-1)}
		})
		return nil
	}

	return ErrRecoveryCodeInvalid
}

// GenerateRecoveryCodes replaces the caller's unused codes with a fresh
// batch and returns the formatted plaintexts. This is the only moment
// the plaintexts exist: storage holds per-code salted hashes. Codes
// consumed from earlier batches keep their used rows for the audit
// trail; unused ones are discarded, so exactly one batch is ever active.
func (e *Engine) GenerateRecoveryCodes(ctx context.Context, token string, count int) ([]string, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return nil, err
	}
	if !e.config.RecoveryCodes.Enabled {
		return nil, ErrRecoveryCodesDisabled
	}
	if count <= 0 {
		count = e.config.RecoveryCodes.Count
	}
	if count > 50 {
		return nil, ErrRegistrationInvalid
	}

	now := time.Now().UTC()
	plaintexts := make([]string, 0, count)
	batch := make([]RecoveryCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewRecoveryCode(e.config.RecoveryCodes.Length)
		if err != nil {
			return nil, fmt.Errorf("%w: recovery code generation: %v", ErrBackendUnavailable, err)
		}
		salt, err := internal.NewSalt(16)
		if err != nil {
			return nil, fmt.Errorf("%w: recovery code salt: %v", ErrBackendUnavailable, err)
		}
		batch = append(batch, RecoveryCode{
			ID:          uuid.NewString(),
			PrincipalID: sess.PrincipalID,
			Salt:        salt,
			CodeHash:    internal.HashRecoveryCode(salt, code),
			CreatedAt:   now,
		})
		plaintexts = append(plaintexts, internal.FormatRecoveryCode(code))
	}

	if err := e.recoveryCodes.ReplaceUnused(ctx, sess.PrincipalID, batch); err != nil {
		return nil, fmt.Errorf("%w: recovery code store: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricRecoveryCodesGenerated)
	e.emitAudit(ctx, auditEventRecoveryCodesGenerated, true, sess.PrincipalID, sess.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"count": fmt.Sprintf("%d", count)}
	})
	return plaintexts, nil
}

// ListRecoveryCodes reports batch metadata only. Neither plaintexts nor
// hashes ever leave storage through this path.
func (e *Engine) ListRecoveryCodes(ctx context.Context, token string) (RecoveryCodeSummary, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return RecoveryCodeSummary{}, err
	}
	if !e.config.RecoveryCodes.Enabled {
		return RecoveryCodeSummary{}, ErrRecoveryCodesDisabled
	}

	rows, err := e.recoveryCodes.List(ctx, sess.PrincipalID)
	if err != nil {
		return RecoveryCodeSummary{}, fmt.Errorf("%w: recovery code lookup: %v", ErrBackendUnavailable, err)
	}

	summary := RecoveryCodeSummary{Total: len(rows)}
	for _, row := range rows {
		if row.Used {
			summary.Used++
			if row.UsedAt != nil && (summary.LastUsedAt == nil || row.UsedAt.After(*summary.LastUsedAt)) {
				summary.LastUsedAt = row.UsedAt
			}
		} else {
			summary.Unused++
			if row.CreatedAt.After(summary.GeneratedAt) {
				summary.GeneratedAt = row.CreatedAt
			}
		}
	}
	return summary, nil
}

func countUnused(rows []RecoveryCode) int {
	n := 0
	for _, row := range rows {
		if !row.Used {
			n++
		}
	}
	return n
}
