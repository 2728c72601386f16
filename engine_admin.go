package vaultauth

import (
	"context"
	"fmt"
)

// ResetPrincipalMFA clears the target's MFA state wholesale: enabled
// flag, method, sealed secret, every WebAuthn credential and every
// recovery code. The next login resolves to enrollment.
//
// The creator-protection rule applies: an admin below the owner role
// cannot reset the MFA of the principal that created the admin's own
// account, which keeps a subordinate from disabling their superior's
// second factor. Owners bypass the rule.
func (e *Engine) ResetPrincipalMFA(ctx context.Context, token, targetPrincipalID string) error {
	if !e.config.Admin.MFAResetEnabled {
		return ErrMFAResetDisabled
	}

	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return err
	}
	actor, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return err
	}
	if actor.Role < RoleAdmin {
		return ErrMFAResetForbidden
	}

	target, err := e.principalByID(ctx, targetPrincipalID)
	if err != nil {
		return err
	}
	// Tenant isolation: an admin never learns whether a principal exists
	// outside their own company.
	if target.CompanyID != actor.CompanyID {
		return ErrPrincipalNotFound
	}

	if actor.Role != RoleOwner && target.ID == actor.CreatedByID {
		e.emitAudit(ctx, auditEventMFAResetByAdmin, false, target.ID, target.CompanyID, sess.SessionID, ErrMFAResetForbidden, func() map[string]string {
			return map[string]string{"admin": actor.ID}
		})
		return ErrMFAResetForbidden
	}

	if err := e.directory.UpdateMFA(ctx, target.ID, MFAUpdate{}); err != nil {
		return fmt.Errorf("%w: directory: %v", ErrBackendUnavailable, err)
	}
	if e.credentials != nil {
		if err := e.credentials.DeleteByPrincipal(ctx, target.ID); err != nil {
			return fmt.Errorf("%w: credential store: %v", ErrBackendUnavailable, err)
		}
	}
	if e.recoveryCodes != nil {
		if err := e.recoveryCodes.DeleteByPrincipal(ctx, target.ID); err != nil {
			return fmt.Errorf("%w: recovery code store: %v", ErrBackendUnavailable, err)
		}
	}

	e.metricInc(MetricMFAReset)
	e.appendLedger(ctx, auditEventMFAResetByAdmin, true, target.ID, target.CompanyID, sess.SessionID, map[string]string{
		"admin": actor.ID,
	})
	e.emitAudit(ctx, auditEventMFAResetByAdmin, true, target.ID, target.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"admin": actor.ID, "admin_role": actor.Role.String()}
	})
	return nil
}
