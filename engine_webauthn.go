package vaultauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keyfortress/vaultauth/internal/limiters"
	"github.com/keyfortress/vaultauth/internal/stores"
	"github.com/keyfortress/vaultauth/session"
)

// BeginWebAuthnRegistration starts an enrollment ceremony and returns
// the creation options for the client. Already-enrolled credential IDs
// are excluded so the same authenticator cannot be registered twice. The
// stored challenge overwrites any prior in-flight ceremony for the
// principal; at most one is ever pending.
func (e *Engine) BeginWebAuthnRegistration(ctx context.Context, token string) (*protocol.CredentialCreation, error) {
	_, principal, err := e.webauthnContext(ctx, token)
	if err != nil {
		return nil, err
	}

	creds, err := e.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: credential lookup: %v", ErrBackendUnavailable, err)
	}

	user := &ceremonyUser{principal: principal, credentials: creds}
	options, sessionData, err := e.rp.w.BeginRegistration(
		user,
		webauthn.WithExclusions(credentialExclusions(creds)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: begin registration: %v", ErrBackendUnavailable, err)
	}

	if err := e.challenges.Put(ctx, principal.ID, sessionData); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishWebAuthnRegistration verifies the attestation response against
// the popped challenge and persists the new credential. The challenge is
// consumed even when verification fails; the client restarts the
// ceremony. When the principal has no MFA method yet, finishing the
// first registration enrolls WebAuthn as their method.
func (e *Engine) FinishWebAuthnRegistration(
	ctx context.Context,
	token, deviceName string,
	response *protocol.ParsedCredentialCreationData,
) error {
	sess, principal, err := e.webauthnContext(ctx, token)
	if err != nil {
		return err
	}

	sessionData, err := e.popChallenge(ctx, sess, principal)
	if err != nil {
		return err
	}

	creds, err := e.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return fmt.Errorf("%w: credential lookup: %v", ErrBackendUnavailable, err)
	}

	user := &ceremonyUser{principal: principal, credentials: creds}
	credential, err := e.rp.w.CreateCredential(user, *sessionData, response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCeremonyInvalid, err)
	}

	if _, err := e.credentials.GetByCredentialID(ctx, credential.ID); err == nil {
		return ErrCredentialExists
	} else if !errors.Is(err, ErrCredentialNotFound) {
		return fmt.Errorf("%w: credential lookup: %v", ErrBackendUnavailable, err)
	}

	stored := newStoredCredential(principal.ID, deviceName, credential, time.Now().UTC())
	if err := e.credentials.Create(ctx, stored); err != nil {
		if errors.Is(err, ErrCredentialExists) {
			return ErrCredentialExists
		}
		return fmt.Errorf("%w: credential store: %v", ErrBackendUnavailable, err)
	}

	if !principal.MFAEnabled || principal.MFAMethod == "" {
		if err := e.enableMFA(ctx, sess, principal, MFAMethodWebAuthn, nil); err != nil {
			return err
		}
	}

	e.metricInc(MetricWebAuthnRegistered)
	e.emitAudit(ctx, auditEventWebAuthnRegistered, true, principal.ID, principal.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"device": deviceName}
	})
	return nil
}

// BeginWebAuthnLogin starts an assertion ceremony for a pending session.
// A principal with no enrolled credentials cannot begin one.
func (e *Engine) BeginWebAuthnLogin(ctx context.Context, token string) (*protocol.CredentialAssertion, error) {
	_, principal, err := e.webauthnContext(ctx, token)
	if err != nil {
		return nil, err
	}

	creds, err := e.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: credential lookup: %v", ErrBackendUnavailable, err)
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentialsEnrolled
	}

	user := &ceremonyUser{principal: principal, credentials: creds}
	options, sessionData, err := e.rp.w.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("%w: begin login: %v", ErrBackendUnavailable, err)
	}

	if err := e.challenges.Put(ctx, principal.ID, sessionData); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishWebAuthnLogin verifies the signed assertion and completes MFA
// for the session. The challenge pop is atomic: of two concurrent
// attempts only one observes the challenge, the other fails with
// ErrChallengeMissing. The authenticator's signature counter must
// advance past the stored value; a non-increasing counter is treated as
// a cloned authenticator and rejected. Authenticators that never report
// a counter (both values zero) are exempt.
func (e *Engine) FinishWebAuthnLogin(
	ctx context.Context,
	token string,
	response *protocol.ParsedCredentialAssertionData,
) (*LoginResult, error) {
	sess, principal, err := e.webauthnContext(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.MFAVerified {
		return nil, ErrMFANotPending
	}

	if err := e.mfaLimiter.Check(ctx, principal.ID); err != nil {
		if errors.Is(err, limiters.ErrMFARateLimited) {
			e.metricInc(MetricMFARateLimited)
			e.emitAudit(ctx, auditEventMFARateLimited, false, principal.ID, principal.CompanyID, sess.SessionID, ErrMFARateLimited, nil)
			return nil, ErrMFARateLimited
		}
		return nil, err
	}

	sessionData, err := e.popChallenge(ctx, sess, principal)
	if err != nil {
		return nil, err
	}

	creds, err := e.credentials.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: credential lookup: %v", ErrBackendUnavailable, err)
	}

	user := &ceremonyUser{principal: principal, credentials: creds}
	validated, err := e.rp.w.ValidateLogin(user, *sessionData, response)
	if err != nil {
		e.recordMFAFailure(ctx, sess, principal, MFAMethodWebAuthn, ErrMFACodeInvalid)
		return nil, ErrMFACodeInvalid
	}

	var stored *WebAuthnCredential
	for i := range creds {
		if bytes.Equal(creds[i].CredentialID, response.RawID) {
			stored = &creds[i]
			break
		}
	}
	if stored == nil {
		return nil, ErrCredentialNotFound
	}

	newCount := validated.Authenticator.SignCount
	if (newCount != 0 || stored.SignCount != 0) && newCount <= stored.SignCount {
		e.metricInc(MetricClonedAuthenticator)
		e.recordMFAFailure(ctx, sess, principal, MFAMethodWebAuthn, ErrClonedAuthenticator)
		return nil, ErrClonedAuthenticator
	}

	if err := e.credentials.UpdateSignCount(ctx, stored.ID, newCount, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: credential store: %v", ErrBackendUnavailable, err)
	}

	return e.completeVerification(ctx, sess, principal, MFAMethodWebAuthn)
}

// webauthnContext resolves the session and principal for ceremony
// endpoints, which accept pending sessions so ceremonies work during
// setup and during login verification alike.
func (e *Engine) webauthnContext(ctx context.Context, token string) (*session.Session, Principal, error) {
	if e.rp == nil {
		return nil, Principal{}, ErrWebAuthnNotConfigured
	}
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return nil, Principal{}, err
	}
	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return nil, Principal{}, err
	}
	return sess, principal, nil
}

func (e *Engine) popChallenge(ctx context.Context, sess *session.Session, principal Principal) (*webauthn.SessionData, error) {
	sessionData, err := e.challenges.TakeAndDelete(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			e.metricInc(MetricWebAuthnChallengeMissing)
			e.emitAudit(ctx, auditEventWebAuthnChallengeMiss, false, principal.ID, principal.CompanyID, sess.SessionID, ErrChallengeMissing, nil)
			return nil, ErrChallengeMissing
		}
		return nil, err
	}
	return sessionData, nil
}

func (e *Engine) recordMFAFailure(ctx context.Context, sess *session.Session, principal Principal, method MFAMethod, cause error) {
	e.metricInc(MetricMFAFailure)
	_ = e.mfaLimiter.RecordFailure(ctx, principal.ID)
	e.appendLedger(ctx, auditEventMFAFailed, false, principal.ID, principal.CompanyID, sess.SessionID, map[string]string{
		"method": string(method),
	})
	e.emitAudit(ctx, auditEventMFAFailed, false, principal.ID, principal.CompanyID, sess.SessionID, cause, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
}
