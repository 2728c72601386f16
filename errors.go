package vaultauth

import (
	"errors"

	"github.com/keyfortress/vaultauth/internal/limiters"
	"github.com/keyfortress/vaultauth/internal/stores"
	"github.com/keyfortress/vaultauth/session"
)

var (
	// ErrInvalidCredentials is returned for unknown emails, wrong passwords
	// and locked-out principals alike so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountLocked reports that the failed-login count inside the
	// lockout window reached the configured threshold.
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrSessionNotFound covers missing, expired and revoked session tokens.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionForbidden is returned when a session operation targets a
	// session owned by another principal.
	ErrSessionForbidden = errors.New("session belongs to another principal")
	// ErrMFANotVerified rejects fully-gated operations invoked with a
	// session that has not completed second-factor verification.
	ErrMFANotVerified = errors.New("mfa verification required")
	// ErrMFANotPending rejects verification attempts on sessions that are
	// already fully verified.
	ErrMFANotPending = errors.New("session is not awaiting mfa verification")
	// ErrMFANotEnabled is returned when a verification or send-code
	// operation targets a principal without MFA turned on.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFASetupRequired indicates MFA is enabled but no usable factor has
	// been enrolled yet.
	ErrMFASetupRequired = errors.New("mfa setup required")
	// ErrMFAMethodMismatch is returned when a channel-specific verify is
	// called for a principal enrolled with a different method.
	ErrMFAMethodMismatch = errors.New("mfa method mismatch")
	// ErrMFACodeInvalid covers wrong, expired and missing one-time codes.
	ErrMFACodeInvalid = errors.New("invalid mfa code")
	// ErrMFACodeReplayed is returned when a TOTP code maps to a time step
	// at or before one that already produced a successful verification.
	ErrMFACodeReplayed = errors.New("mfa code already used")
	// ErrMFARateLimited is returned when the per-principal MFA failure
	// throttle is tripped.
	ErrMFARateLimited = errors.New("mfa attempts rate limited")
	// ErrMFAResetDisabled is returned when administrative MFA reset is
	// turned off in configuration.
	ErrMFAResetDisabled = errors.New("mfa reset disabled")
	// ErrMFAResetForbidden enforces the creator-protection rule: a
	// non-owner admin may not reset MFA for the principal that created
	// their own account.
	ErrMFAResetForbidden = errors.New("mfa reset forbidden for account creator")
	// ErrPhoneNumberMissing is returned when SMS delivery is requested for
	// a principal without a phone number on file.
	ErrPhoneNumberMissing = errors.New("no phone number on file")
	// ErrSenderNotConfigured is returned when a code delivery channel has
	// no sender wired.
	ErrSenderNotConfigured = errors.New("code sender not configured")
	// ErrCeremonyInvalid is returned when a WebAuthn ceremony response
	// fails attestation or assertion parsing checks.
	ErrCeremonyInvalid = errors.New("webauthn ceremony response invalid")
	// ErrChallengeMissing is returned when a WebAuthn ceremony finishes
	// without a stored challenge, after expiry, or after a prior
	// consumption of the same challenge.
	ErrChallengeMissing = errors.New("webauthn challenge expired or missing")
	// ErrWebAuthnNotConfigured is returned when WebAuthn operations are
	// invoked without relying-party configuration.
	ErrWebAuthnNotConfigured = errors.New("webauthn relying party not configured")
	// ErrNoCredentialsEnrolled is returned when a WebAuthn login begins for
	// a principal with zero registered credentials.
	ErrNoCredentialsEnrolled = errors.New("no webauthn credentials enrolled")
	// ErrCredentialExists is returned when a registration ceremony yields a
	// credential ID that is already stored.
	ErrCredentialExists = errors.New("webauthn credential already registered")
	// ErrCredentialNotFound is returned when an asserted credential ID has
	// no stored row.
	ErrCredentialNotFound = errors.New("webauthn credential not found")
	// ErrClonedAuthenticator is returned when an assertion's signature
	// counter did not advance past the stored value.
	ErrClonedAuthenticator = errors.New("authenticator counter did not advance")
	// ErrRecoveryCodesDisabled is returned when recovery codes are turned
	// off in configuration.
	ErrRecoveryCodesDisabled = errors.New("recovery codes disabled")
	// ErrRecoveryCodeInvalid covers unknown and already-consumed recovery
	// codes.
	ErrRecoveryCodeInvalid = errors.New("invalid recovery code")
	// ErrPrincipalNotFound must be returned by Directory implementations
	// when no principal matches the lookup.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrPrincipalExists must be returned by Directory implementations on
	// duplicate (company, email) registration.
	ErrPrincipalExists = errors.New("principal already exists")
	// ErrCompanyExists must be returned by Directory implementations on
	// duplicate company registration.
	ErrCompanyExists = errors.New("company already exists")
	// ErrRegistrationInvalid is returned for malformed registration input.
	ErrRegistrationInvalid = errors.New("invalid registration request")
	// ErrPasswordPolicy is returned when a candidate password fails the
	// minimum-length policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrAccessTokensDisabled is returned when stateless access tokens are
	// requested without token configuration.
	ErrAccessTokensDisabled = errors.New("access tokens disabled")
	// ErrBackendUnavailable wraps infrastructure failures (Redis, ledger,
	// directory) so callers can map them to 5xx responses.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// ErrorKind buckets engine errors for transport layers that map them onto
// status codes without matching every sentinel individually.
type ErrorKind uint8

const (
	// KindUnknown is returned for errors the engine did not produce.
	KindUnknown ErrorKind = iota
	// KindUnauthorized covers credential, session and verification failures.
	KindUnauthorized
	// KindForbidden covers policy denials on authenticated requests.
	KindForbidden
	// KindConflict covers duplicate registrations.
	KindConflict
	// KindInvalid covers malformed or policy-violating input.
	KindInvalid
	// KindRateLimited covers lockouts and attempt throttles.
	KindRateLimited
	// KindUnavailable covers backend infrastructure failures.
	KindUnavailable
)

// Kind classifies err into an [ErrorKind]. Wrapped errors are unwrapped
// with errors.Is, so classification survives fmt.Errorf("%w", ...) chains.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrMFANotVerified),
		errors.Is(err, ErrMFACodeInvalid),
		errors.Is(err, ErrChallengeMissing),
		errors.Is(err, ErrClonedAuthenticator),
		errors.Is(err, ErrCredentialNotFound),
		errors.Is(err, ErrRecoveryCodeInvalid),
		errors.Is(err, ErrPrincipalNotFound):
		return KindUnauthorized
	case errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrSessionForbidden),
		errors.Is(err, ErrMFAResetDisabled),
		errors.Is(err, ErrMFAResetForbidden),
		errors.Is(err, ErrRecoveryCodesDisabled),
		errors.Is(err, ErrAccessTokensDisabled):
		return KindForbidden
	case errors.Is(err, ErrPrincipalExists),
		errors.Is(err, ErrCompanyExists),
		errors.Is(err, ErrCredentialExists):
		return KindConflict
	case errors.Is(err, ErrMFANotPending),
		errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFASetupRequired),
		errors.Is(err, ErrMFAMethodMismatch),
		errors.Is(err, ErrPhoneNumberMissing),
		errors.Is(err, ErrWebAuthnNotConfigured),
		errors.Is(err, ErrNoCredentialsEnrolled),
		errors.Is(err, ErrRegistrationInvalid),
		errors.Is(err, ErrPasswordPolicy):
		return KindInvalid
	case errors.Is(err, ErrMFARateLimited),
		errors.Is(err, limiters.ErrMFARateLimited):
		return KindRateLimited
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrSenderNotConfigured),
		errors.Is(err, session.ErrRedisUnavailable),
		errors.Is(err, stores.ErrChallengeBackend),
		errors.Is(err, stores.ErrCodeBackend),
		errors.Is(err, limiters.ErrLimiterBackend):
		return KindUnavailable
	default:
		return KindUnknown
	}
}
