package vaultauth

import (
	"context"
	"time"
)

// MFAMethod identifies a second-factor verification method.
type MFAMethod string

const (
	// MFAMethodTOTP is RFC 6238 time-based one-time passwords.
	MFAMethodTOTP MFAMethod = "totp"
	// MFAMethodSMS delivers numeric codes over SMS.
	MFAMethodSMS MFAMethod = "sms"
	// MFAMethodEmail delivers numeric codes over email.
	MFAMethodEmail MFAMethod = "email"
	// MFAMethodWebAuthn uses platform or roaming authenticators.
	MFAMethodWebAuthn MFAMethod = "webauthn"
	// MFAMethodRecoveryCode is the single-use fallback factor. It is never
	// a principal's enrolled method; it is always accepted alongside one.
	MFAMethodRecoveryCode MFAMethod = "recovery_code"
)

// Role orders principals for administrative checks. Higher values carry
// more authority. The engine does not model a permission matrix; the role
// exists for the creator-protection rule on MFA reset.
type Role uint8

const (
	// RoleMember is a regular vault user.
	RoleMember Role = iota
	// RoleAdmin may administer other principals inside the company.
	RoleAdmin
	// RoleOwner is the company's top role and bypasses creator protection.
	RoleOwner
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Principal is the engine's view of an account row. MFASecret holds the
// sealed TOTP secret; it is nil until TOTP enrollment is confirmed.
type Principal struct {
	ID           string
	CompanyID    string
	Email        string
	DisplayName  string
	PasswordHash string
	PhoneNumber  string
	MFAEnabled   bool
	MFAMethod    MFAMethod
	MFASecret    []byte
	Role         Role
	CreatedByID  string
	CreatedAt    time.Time
}

// Company is a tenant boundary. Email uniqueness is scoped per company.
type Company struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// CreatePrincipalInput carries the fields the engine persists when
// registering an account.
type CreatePrincipalInput struct {
	CompanyID    string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedByID  string
}

// MFAUpdate replaces a principal's MFA fields wholesale. A nil Secret
// clears the stored secret.
type MFAUpdate struct {
	Enabled bool
	Method  MFAMethod
	Secret  []byte
}

// Directory is the persistent account backend. Implementations are
// expected to return [ErrPrincipalNotFound], [ErrPrincipalExists] and
// [ErrCompanyExists] for the corresponding conditions; any other error is
// treated as a backend failure.
type Directory interface {
	GetPrincipalByEmail(ctx context.Context, companyID, email string) (Principal, error)
	GetPrincipalByID(ctx context.Context, principalID string) (Principal, error)
	CreateCompany(ctx context.Context, name string) (Company, error)
	CreatePrincipal(ctx context.Context, input CreatePrincipalInput) (Principal, error)
	UpdatePasswordHash(ctx context.Context, principalID, hash string) error
	SetPhoneNumber(ctx context.Context, principalID, phone string) error
	UpdateMFA(ctx context.Context, principalID string, update MFAUpdate) error
}

// WebAuthnCredential is a registered authenticator. CredentialID is the
// authenticator-assigned identifier; ID is the storage row key.
type WebAuthnCredential struct {
	ID              string
	PrincipalID     string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackedUp        bool
	Transports      []string
	DeviceName      string
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// CredentialStore persists WebAuthn credentials. GetByCredentialID must
// return [ErrCredentialNotFound] when absent and Create must return
// [ErrCredentialExists] on a duplicate CredentialID.
type CredentialStore interface {
	ListByPrincipal(ctx context.Context, principalID string) ([]WebAuthnCredential, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (WebAuthnCredential, error)
	Create(ctx context.Context, cred WebAuthnCredential) error
	UpdateSignCount(ctx context.Context, id string, signCount uint32, lastUsedAt time.Time) error
	DeleteByPrincipal(ctx context.Context, principalID string) error
}

// RecoveryCode is one stored fallback code. Only the per-code salted hash
// is persisted; the plaintext exists once, at generation time.
type RecoveryCode struct {
	ID          string
	PrincipalID string
	Salt        []byte
	CodeHash    [32]byte
	Used        bool
	CreatedAt   time.Time
	UsedAt      *time.Time
}

// RecoveryCodeStore persists recovery codes. ReplaceUnused deletes the
// principal's unused codes and inserts the new batch in one step, so at
// most one active batch exists. MarkUsed is a compare-and-set: it returns
// false without error when the code was already consumed.
type RecoveryCodeStore interface {
	List(ctx context.Context, principalID string) ([]RecoveryCode, error)
	ReplaceUnused(ctx context.Context, principalID string, batch []RecoveryCode) error
	MarkUsed(ctx context.Context, codeID string, usedAt time.Time) (bool, error)
	DeleteByPrincipal(ctx context.Context, principalID string) error
}

// CodeSender delivers a one-time code over an out-of-band channel. The
// destination is a phone number or email address depending on which
// sender the builder wired.
type CodeSender interface {
	Send(ctx context.Context, destination, code string) error
}

// LoginResult reports where a login attempt landed. Exactly one of Done,
// MFARequired and MFASetupRequired is true; Token is always set on a
// correct password so MFA endpoints can be called with it.
type LoginResult struct {
	Done             bool
	MFARequired      bool
	MFASetupRequired bool
	Method           MFAMethod
	Token            string
	Session          SessionInfo
}

// SessionInfo is the externally visible session descriptor. The secret
// half of the token is never included.
type SessionInfo struct {
	SessionID         string
	PrincipalID       string
	CompanyID         string
	MFAVerified       bool
	Trusted           bool
	DeviceFingerprint string
	CreatedAt         time.Time
	LastActiveAt      time.Time
	ExpiresAt         time.Time
	Current           bool
}

// CurrentUser is the introspection payload for a presented token.
type CurrentUser struct {
	PrincipalID   string
	CompanyID     string
	Email         string
	DisplayName   string
	Role          Role
	MFAEnabled    bool
	MFAMethod     MFAMethod
	MFAConfigured bool
	MFAVerified   bool
	Session       SessionInfo
}

// RegisterInput creates a company and its owning principal in one call.
type RegisterInput struct {
	CompanyName string
	Email       string
	Password    string
	DisplayName string
}

// RegisterResult is the outcome of a successful registration.
type RegisterResult struct {
	Company   Company
	Principal Principal
}

// RecoveryCodeSummary describes the stored batch without exposing code
// material.
type RecoveryCodeSummary struct {
	Total       int
	Unused      int
	Used        int
	GeneratedAt time.Time
	LastUsedAt  *time.Time
}

// DeviceRevocation reports what a fingerprint-scoped bulk revocation
// actually deleted. Revoked counts sessions removed from the store in
// this call, not sessions that matched; CurrentKept is true when the
// caller's own session matched the fingerprint and was spared.
type DeviceRevocation struct {
	Revoked     int
	CurrentKept bool
}

// TOTPProvision is returned once at enrollment time. Secret is the
// base32 shared secret and URI the otpauth:// provisioning string for QR
// rendering. Neither is stored in plaintext.
type TOTPProvision struct {
	Secret string
	URI    string
}
