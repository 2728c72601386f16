package vaultauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfortress/vaultauth/internal"
	"github.com/keyfortress/vaultauth/session"
)

// mfaDecision is the method resolver outcome for one principal.
type mfaDecision uint8

const (
	mfaNone mfaDecision = iota
	mfaSetupRequired
	mfaVerifyRequired
)

// Login verifies email+password inside the company carried on ctx and
// reports where the attempt landed. A wrong password and an unknown
// email are indistinguishable to the caller; a locked account rejects
// even the correct password. When MFA applies, the returned token is a
// pending session usable only for verification and enrollment endpoints.
func (e *Engine) Login(ctx context.Context, email, pw string) (*LoginResult, error) {
	companyID := companyIDFromContext(ctx)
	now := time.Now().UTC()

	principal, err := e.directory.GetPrincipalByEmail(ctx, companyID, email)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailed, false, "", companyID, "", ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: directory lookup: %v", ErrBackendUnavailable, err)
	}

	// The lockout gate runs before the password comparison. The count
	// comes from the ledger's LOGIN_FAILED events, so a locked account
	// keeps rejecting a correct password until the window slides past.
	since := now.Add(-e.config.Lockout.Window)
	failures, err := e.ledger.CountSince(ctx, principal.ID, auditEventLoginFailed, since)
	if err != nil {
		// Fail closed: an unreadable ledger would otherwise bypass lockout.
		return nil, err
	}
	if failures >= e.config.Lockout.MaxAttempts {
		e.metricInc(MetricAccountLocked)
		e.appendLedger(ctx, auditEventAccountLocked, false, principal.ID, principal.CompanyID, "", nil)
		e.emitAudit(ctx, auditEventAccountLocked, false, principal.ID, principal.CompanyID, "", ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	ok, err := e.passwordHash.Verify(pw, principal.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricLoginFailure)
		if ledgerErr := e.appendLedgerStrict(ctx, auditEventLoginFailed, principal.ID, principal.CompanyID); ledgerErr != nil {
			// The failure must land in the ledger before the response; an
			// unrecorded failure would not count toward lockout.
			return nil, ledgerErr
		}
		e.emitAudit(ctx, auditEventLoginFailed, false, principal.ID, principal.CompanyID, "", ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	e.maybeUpgradeHash(ctx, principal, pw)

	decision, method, err := e.resolveMFA(ctx, principal)
	if err != nil {
		return nil, err
	}

	switch decision {
	case mfaNone:
		token, sess, err := e.issueSession(ctx, principal, true)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricLoginSuccess)
		e.appendLedger(ctx, auditEventLoginSuccess, true, principal.ID, principal.CompanyID, sess.SessionID, nil)
		e.emitAudit(ctx, auditEventLoginSuccess, true, principal.ID, principal.CompanyID, sess.SessionID, nil, nil)
		return &LoginResult{
			Done:    true,
			Token:   token,
			Session: e.sessionInfo(sess, sess.SessionID),
		}, nil

	case mfaSetupRequired:
		token, sess, err := e.issueSession(ctx, principal, false)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFASetupRequired)
		e.emitAudit(ctx, auditEventMFASetupRequired, true, principal.ID, principal.CompanyID, sess.SessionID, nil, func() map[string]string {
			return map[string]string{"method": string(method)}
		})
		return &LoginResult{
			MFASetupRequired: true,
			Method:           method,
			Token:            token,
			Session:          e.sessionInfo(sess, sess.SessionID),
		}, nil

	default: // mfaVerifyRequired
		token, sess, err := e.issueSession(ctx, principal, false)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFARequired)
		e.emitAudit(ctx, auditEventMFARequired, true, principal.ID, principal.CompanyID, sess.SessionID, nil, func() map[string]string {
			return map[string]string{"method": string(method)}
		})
		return &LoginResult{
			MFARequired: true,
			Method:      method,
			Token:       token,
			Session:     e.sessionInfo(sess, sess.SessionID),
		}, nil
	}
}

// resolveMFA decides whether login finishes immediately, defers to
// verification, or defers to first-time enrollment. The chosen method is
// only "configured" when its preconditions hold: a stored secret for
// TOTP, a phone number plus a wired sender for SMS, a wired sender for
// email, and at least one credential plus relying-party configuration
// for WebAuthn.
func (e *Engine) resolveMFA(ctx context.Context, principal Principal) (mfaDecision, MFAMethod, error) {
	if !principal.MFAEnabled {
		return mfaNone, "", nil
	}

	switch principal.MFAMethod {
	case MFAMethodTOTP:
		if len(principal.MFASecret) == 0 {
			return mfaSetupRequired, MFAMethodTOTP, nil
		}
		return mfaVerifyRequired, MFAMethodTOTP, nil

	case MFAMethodSMS:
		if principal.PhoneNumber == "" || e.smsSender == nil {
			return mfaSetupRequired, MFAMethodSMS, nil
		}
		return mfaVerifyRequired, MFAMethodSMS, nil

	case MFAMethodEmail:
		if e.emailSender == nil {
			return mfaSetupRequired, MFAMethodEmail, nil
		}
		return mfaVerifyRequired, MFAMethodEmail, nil

	case MFAMethodWebAuthn:
		if e.rp == nil || e.credentials == nil {
			return mfaSetupRequired, MFAMethodWebAuthn, nil
		}
		creds, err := e.credentials.ListByPrincipal(ctx, principal.ID)
		if err != nil {
			return 0, "", fmt.Errorf("%w: credential lookup: %v", ErrBackendUnavailable, err)
		}
		if len(creds) == 0 {
			return mfaSetupRequired, MFAMethodWebAuthn, nil
		}
		return mfaVerifyRequired, MFAMethodWebAuthn, nil

	default:
		// Enabled but no method chosen yet.
		return mfaSetupRequired, "", nil
	}
}

// issueSession creates a fresh session row and bearer token for the
// principal. Pending sessions (mfaVerified=false) get the shorter
// lifetime; the device fingerprint is captured from ctx at issue time
// and fixed for the session's life.
func (e *Engine) issueSession(ctx context.Context, principal Principal, mfaVerified bool) (string, *session.Session, error) {
	return e.issueSessionWith(ctx, principal.ID, principal.CompanyID, mfaVerified, fingerprintFromContext(ctx), false)
}

func (e *Engine) issueSessionWith(
	ctx context.Context,
	principalID, companyID string,
	mfaVerified bool,
	fingerprint string,
	trusted bool,
) (string, *session.Session, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return "", nil, fmt.Errorf("%w: session id: %v", ErrBackendUnavailable, err)
	}
	secret, err := internal.NewSessionSecret()
	if err != nil {
		return "", nil, fmt.Errorf("%w: session secret: %v", ErrBackendUnavailable, err)
	}
	token, err := internal.EncodeSessionToken(sid.String(), secret)
	if err != nil {
		return "", nil, fmt.Errorf("%w: session token: %v", ErrBackendUnavailable, err)
	}

	lifetime := e.config.Session.Lifetime
	if !mfaVerified {
		lifetime = e.config.Session.PendingLifetime
	}

	now := time.Now().UTC()
	sess := &session.Session{
		SessionID:    sid.String(),
		PrincipalID:  principalID,
		CompanyID:    companyID,
		SecretHash:   internal.HashSessionSecret(secret),
		MFAVerified:  mfaVerified,
		Trusted:      trusted,
		Fingerprint:  fingerprint,
		CreatedAt:    now.Unix(),
		LastActiveAt: now.Unix(),
		ExpiresAt:    now.Add(lifetime).Unix(),
	}
	if err := e.sessions.Save(ctx, sess, lifetime); err != nil {
		return "", nil, err
	}
	e.metricInc(MetricSessionCreated)
	return token, sess, nil
}

// appendLedger records an event, logging nothing on failure. Use
// appendLedgerStrict on paths where a lost event weakens a security
// decision.
func (e *Engine) appendLedger(ctx context.Context, action string, success bool, principalID, companyID, sessionID string, metadata map[string]string) {
	_ = e.ledger.Append(ctx, AuditEvent{
		Timestamp:   time.Now().UTC(),
		Action:      action,
		PrincipalID: principalID,
		CompanyID:   companyID,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	})
}

func (e *Engine) appendLedgerStrict(ctx context.Context, action, principalID, companyID string) error {
	return e.ledger.Append(ctx, AuditEvent{
		Timestamp:   time.Now().UTC(),
		Action:      action,
		PrincipalID: principalID,
		CompanyID:   companyID,
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		Success:     false,
	})
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, principal Principal, pw string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.passwordHash.NeedsUpgrade(principal.PasswordHash)
	if err != nil || !needs {
		return
	}
	newHash, err := e.passwordHash.Hash(pw)
	if err != nil {
		return
	}
	// Best effort: a failed write keeps the old hash working.
	_ = e.directory.UpdatePasswordHash(ctx, principal.ID, newHash)
}
