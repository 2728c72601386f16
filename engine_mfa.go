package vaultauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfortress/vaultauth/internal"
	"github.com/keyfortress/vaultauth/internal/limiters"
	"github.com/keyfortress/vaultauth/internal/stores"
	"github.com/keyfortress/vaultauth/session"
)

// methodVerifier is one second-factor strategy. Implementations return
// ErrMFACodeInvalid, ErrMFACodeReplayed or ErrRecoveryCodeInvalid for
// rejected codes and a backend-classified error for infrastructure
// failures.
type methodVerifier interface {
	verify(ctx context.Context, principal Principal, code string) error
}

func newMethodVerifiers(e *Engine) map[MFAMethod]methodVerifier {
	return map[MFAMethod]methodVerifier{
		MFAMethodTOTP:         &totpVerifier{engine: e},
		MFAMethodSMS:          &oneTimeCodeVerifier{engine: e, channel: string(MFAMethodSMS)},
		MFAMethodEmail:        &oneTimeCodeVerifier{engine: e, channel: string(MFAMethodEmail)},
		MFAMethodRecoveryCode: &recoveryCodeVerifier{engine: e},
	}
}

// VerifyMFA checks the supplied code against the principal's enrolled
// method and, on success, rotates the pending session into a fully
// verified one. Principals enrolled with WebAuthn must use the ceremony
// endpoints instead.
func (e *Engine) VerifyMFA(ctx context.Context, token, code string) (*LoginResult, error) {
	sess, principal, err := e.pendingVerification(ctx, token)
	if err != nil {
		return nil, err
	}
	method := principal.MFAMethod
	if method == MFAMethodWebAuthn || method == "" {
		return nil, ErrMFAMethodMismatch
	}
	return e.verifyWithMethod(ctx, sess, principal, method, code)
}

// VerifySMSCode completes verification with a previously sent SMS code.
func (e *Engine) VerifySMSCode(ctx context.Context, token, code string) (*LoginResult, error) {
	return e.verifyChannel(ctx, token, MFAMethodSMS, code)
}

// VerifyEmailCode completes verification with a previously sent email
// code.
func (e *Engine) VerifyEmailCode(ctx context.Context, token, code string) (*LoginResult, error) {
	return e.verifyChannel(ctx, token, MFAMethodEmail, code)
}

// VerifyRecoveryCode completes verification by consuming one unused
// recovery code. Recovery codes are accepted regardless of the enrolled
// method; each works exactly once.
func (e *Engine) VerifyRecoveryCode(ctx context.Context, token, code string) (*LoginResult, error) {
	sess, principal, err := e.pendingVerification(ctx, token)
	if err != nil {
		return nil, err
	}
	if !e.config.RecoveryCodes.Enabled {
		return nil, ErrRecoveryCodesDisabled
	}
	return e.verifyWithMethod(ctx, sess, principal, MFAMethodRecoveryCode, code)
}

func (e *Engine) verifyChannel(ctx context.Context, token string, method MFAMethod, code string) (*LoginResult, error) {
	sess, principal, err := e.pendingVerification(ctx, token)
	if err != nil {
		return nil, err
	}
	if principal.MFAMethod != method {
		return nil, ErrMFAMethodMismatch
	}
	return e.verifyWithMethod(ctx, sess, principal, method, code)
}

// pendingVerification guards the state machine's entry: the session must
// exist and still be awaiting verification, and the principal must have
// MFA enabled.
func (e *Engine) pendingVerification(ctx context.Context, token string) (*session.Session, Principal, error) {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return nil, Principal{}, err
	}
	if sess.MFAVerified {
		return nil, Principal{}, ErrMFANotPending
	}

	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return nil, Principal{}, err
	}
	if !principal.MFAEnabled {
		return nil, Principal{}, ErrMFANotEnabled
	}
	return sess, principal, nil
}

func (e *Engine) verifyWithMethod(
	ctx context.Context,
	sess *session.Session,
	principal Principal,
	method MFAMethod,
	code string,
) (*LoginResult, error) {
	if err := e.mfaLimiter.Check(ctx, principal.ID); err != nil {
		if errors.Is(err, limiters.ErrMFARateLimited) {
			e.metricInc(MetricMFARateLimited)
			e.emitAudit(ctx, auditEventMFARateLimited, false, principal.ID, principal.CompanyID, sess.SessionID, ErrMFARateLimited, nil)
			return nil, ErrMFARateLimited
		}
		return nil, err
	}

	verifier, ok := e.verifiers[method]
	if !ok {
		return nil, ErrMFAMethodMismatch
	}

	if err := verifier.verify(ctx, principal, code); err != nil {
		if isMFARejection(err) {
			e.metricInc(MetricMFAFailure)
			_ = e.mfaLimiter.RecordFailure(ctx, principal.ID)
			e.appendLedger(ctx, auditEventMFAFailed, false, principal.ID, principal.CompanyID, sess.SessionID, map[string]string{
				"method": string(method),
			})
			e.emitAudit(ctx, auditEventMFAFailed, false, principal.ID, principal.CompanyID, sess.SessionID, err, func() map[string]string {
				return map[string]string{"method": string(method)}
			})
		}
		return nil, err
	}

	return e.completeVerification(ctx, sess, principal, method)
}

// completeVerification is the single success exit of the state machine,
// shared by code-based methods and the WebAuthn ceremony. It rotates the
// session to the verified level and records the MFA_VERIFIED /
// LOGIN_SUCCESS event pair.
func (e *Engine) completeVerification(
	ctx context.Context,
	sess *session.Session,
	principal Principal,
	method MFAMethod,
) (*LoginResult, error) {
	token, fresh, err := e.rotateSession(ctx, sess, true)
	if err != nil {
		return nil, err
	}
	_ = e.mfaLimiter.Reset(ctx, principal.ID)

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)

	meta := map[string]string{"method": string(method)}
	e.appendLedger(ctx, auditEventMFAVerified, true, principal.ID, principal.CompanyID, fresh.SessionID, meta)
	e.appendLedger(ctx, auditEventLoginSuccess, true, principal.ID, principal.CompanyID, fresh.SessionID, nil)
	e.emitAudit(ctx, auditEventMFAVerified, true, principal.ID, principal.CompanyID, fresh.SessionID, nil, func() map[string]string {
		return meta
	})
	e.emitAudit(ctx, auditEventLoginSuccess, true, principal.ID, principal.CompanyID, fresh.SessionID, nil, nil)

	return &LoginResult{
		Done:    true,
		Token:   token,
		Session: e.sessionInfo(fresh, fresh.SessionID),
	}, nil
}

// SendSMSCode generates and delivers a fresh one-time code to the
// principal's phone. A new code supersedes any undelivered prior code
// for the channel.
func (e *Engine) SendSMSCode(ctx context.Context, token string) error {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return err
	}
	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return err
	}
	if e.smsSender == nil {
		return ErrSenderNotConfigured
	}
	if principal.PhoneNumber == "" {
		return ErrPhoneNumberMissing
	}
	return e.sendCode(ctx, sess, principal, string(MFAMethodSMS), e.smsSender, principal.PhoneNumber)
}

// SendEmailCode generates and delivers a fresh one-time code to the
// principal's email address.
func (e *Engine) SendEmailCode(ctx context.Context, token string) error {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return err
	}
	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return err
	}
	if e.emailSender == nil {
		return ErrSenderNotConfigured
	}
	return e.sendCode(ctx, sess, principal, string(MFAMethodEmail), e.emailSender, principal.Email)
}

func (e *Engine) sendCode(
	ctx context.Context,
	sess *session.Session,
	principal Principal,
	channel string,
	sender CodeSender,
	destination string,
) error {
	code, err := internal.NewNumericCode(e.config.OneTimeCode.Digits)
	if err != nil {
		return fmt.Errorf("%w: code generation: %v", ErrBackendUnavailable, err)
	}

	record := &stores.OneTimeCodeRecord{
		CodeHash:  internal.HashOneTimeCode(code),
		ExpiresAt: time.Now().UTC().Add(e.config.OneTimeCode.TTL).Unix(),
	}
	if err := e.oneTimeCodes.Save(ctx, principal.ID, channel, record, e.config.OneTimeCode.TTL); err != nil {
		return err
	}

	if err := sender.Send(ctx, destination, code); err != nil {
		// Remove the now-undeliverable code so the attempt budget is not
		// spent on a code the principal never saw.
		_ = e.oneTimeCodes.Invalidate(ctx, principal.ID, channel)
		return fmt.Errorf("%w: code delivery: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricCodeSent)
	e.emitAudit(ctx, auditEventCodeSent, true, principal.ID, principal.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"channel": channel}
	})
	return nil
}

// SetupMFA completes first-time enrollment for a code-based method and
// flips the principal's MFA state on. TOTP requires the code to match
// the secret provisioned by ProvisionTOTP; SMS and email require the
// code delivered by the corresponding send operation. WebAuthn enrolls
// through the registration ceremony, not here.
func (e *Engine) SetupMFA(ctx context.Context, token string, method MFAMethod, code string) error {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return err
	}
	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return err
	}

	switch method {
	case MFAMethodTOTP:
		return e.confirmTOTPSetup(ctx, sess, principal, code)

	case MFAMethodSMS:
		if principal.PhoneNumber == "" {
			return ErrPhoneNumberMissing
		}
		if err := e.consumeOneTimeCode(ctx, principal, string(MFAMethodSMS), code); err != nil {
			return err
		}
		return e.enableMFA(ctx, sess, principal, MFAMethodSMS, nil)

	case MFAMethodEmail:
		if err := e.consumeOneTimeCode(ctx, principal, string(MFAMethodEmail), code); err != nil {
			return err
		}
		return e.enableMFA(ctx, sess, principal, MFAMethodEmail, nil)

	default:
		return ErrMFAMethodMismatch
	}
}

// SetPhoneNumber stores the phone number SMS codes are delivered to.
func (e *Engine) SetPhoneNumber(ctx context.Context, token, phone string) error {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return err
	}
	if phone == "" {
		return ErrRegistrationInvalid
	}
	if err := e.directory.SetPhoneNumber(ctx, sess.PrincipalID, phone); err != nil {
		return fmt.Errorf("%w: directory: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Engine) enableMFA(ctx context.Context, sess *session.Session, principal Principal, method MFAMethod, secret []byte) error {
	update := MFAUpdate{Enabled: true, Method: method, Secret: secret}
	if err := e.directory.UpdateMFA(ctx, principal.ID, update); err != nil {
		return fmt.Errorf("%w: directory: %v", ErrBackendUnavailable, err)
	}
	e.emitAudit(ctx, auditEventMFAEnabled, true, principal.ID, principal.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	return nil
}

func (e *Engine) principalByID(ctx context.Context, principalID string) (Principal, error) {
	principal, err := e.directory.GetPrincipalByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("%w: directory lookup: %v", ErrBackendUnavailable, err)
	}
	return principal, nil
}

func isMFARejection(err error) bool {
	return errors.Is(err, ErrMFACodeInvalid) ||
		errors.Is(err, ErrMFACodeReplayed) ||
		errors.Is(err, ErrRecoveryCodeInvalid) ||
		errors.Is(err, ErrMFASetupRequired)
}
