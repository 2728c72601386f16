package vaultauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailed            = "login_failed"
	auditEventAccountLocked          = "account_locked"
	auditEventMFARequired            = "mfa_required"
	auditEventMFASetupRequired       = "mfa_setup_required"
	auditEventMFAVerified            = "mfa_verified"
	auditEventMFAFailed              = "mfa_failed"
	auditEventMFARateLimited         = "mfa_rate_limited"
	auditEventMFAEnabled             = "mfa_enabled"
	auditEventCodeSent               = "code_sent"
	auditEventWebAuthnRegistered     = "webauthn_registered"
	auditEventWebAuthnChallengeMiss  = "webauthn_challenge_missing"
	auditEventRecoveryCodesGenerated = "recovery_codes_generated"
	auditEventRecoveryCodeUsed       = "recovery_code_used"
	auditEventLogout                 = "logout"
	auditEventSessionRevoked         = "session_revoked"
	auditEventSessionsRevokedAll     = "sessions_revoked_all"
	auditEventDeviceRevoked          = "device_sessions_revoked"
	auditEventDeviceTrusted          = "device_trusted"
	auditEventDeviceUntrusted        = "device_untrusted"
	auditEventMFAResetByAdmin        = "mfa_reset_by_admin"
	auditEventRegistration           = "registration"
)

// AuditErrorCode is the stable error vocabulary recorded on events, kept
// independent of sentinel error strings.
type AuditErrorCode string

const (
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked       AuditErrorCode = "account_locked"
	auditErrSessionNotFound     AuditErrorCode = "session_not_found"
	auditErrForbidden           AuditErrorCode = "forbidden"
	auditErrMFAInvalid          AuditErrorCode = "mfa_invalid"
	auditErrMFARateLimited      AuditErrorCode = "mfa_rate_limited"
	auditErrChallengeMissing    AuditErrorCode = "challenge_expired_or_missing"
	auditErrClonedAuthenticator AuditErrorCode = "cloned_authenticator"
	auditErrRecoveryCodeInvalid AuditErrorCode = "recovery_code_invalid"
	auditErrDuplicate           AuditErrorCode = "duplicate"
	auditErrInvalidRequest      AuditErrorCode = "invalid_request"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	action string,
	success bool,
	principalID string,
	companyID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}
	if companyID == "" {
		companyID = companyIDFromContext(ctx)
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		Action:      action,
		PrincipalID: principalID,
		CompanyID:   companyID,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrPrincipalNotFound):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrMFANotVerified):
		return auditErrSessionNotFound
	case errors.Is(err, ErrSessionForbidden),
		errors.Is(err, ErrMFAResetDisabled),
		errors.Is(err, ErrMFAResetForbidden):
		return auditErrForbidden
	case errors.Is(err, ErrMFACodeInvalid),
		errors.Is(err, ErrMFACodeReplayed),
		errors.Is(err, ErrMFAMethodMismatch),
		errors.Is(err, ErrMFANotPending),
		errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFASetupRequired):
		return auditErrMFAInvalid
	case errors.Is(err, ErrMFARateLimited):
		return auditErrMFARateLimited
	case errors.Is(err, ErrChallengeMissing):
		return auditErrChallengeMissing
	case errors.Is(err, ErrClonedAuthenticator),
		errors.Is(err, ErrCredentialNotFound):
		return auditErrClonedAuthenticator
	case errors.Is(err, ErrRecoveryCodeInvalid),
		errors.Is(err, ErrRecoveryCodesDisabled):
		return auditErrRecoveryCodeInvalid
	case errors.Is(err, ErrPrincipalExists),
		errors.Is(err, ErrCompanyExists),
		errors.Is(err, ErrCredentialExists):
		return auditErrDuplicate
	case errors.Is(err, ErrRegistrationInvalid),
		errors.Is(err, ErrPasswordPolicy),
		errors.Is(err, ErrPhoneNumberMissing),
		errors.Is(err, ErrWebAuthnNotConfigured),
		errors.Is(err, ErrNoCredentialsEnrolled):
		return auditErrInvalidRequest
	case Kind(err) == KindUnavailable:
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
