package vaultauth

import (
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// ceremonyProvider is the slice of the go-webauthn API the engine
// drives. *webauthn.WebAuthn satisfies it; tests substitute their own
// verifier to exercise the finish paths without real authenticator
// signatures.
type ceremonyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// relyingParty wraps the go-webauthn library configured for this
// deployment. It is nil when WebAuthnConfig is not populated; engine
// operations check and fail with ErrWebAuthnNotConfigured.
type relyingParty struct {
	w   ceremonyProvider
	cfg WebAuthnConfig
}

func newRelyingParty(cfg WebAuthnConfig) (*relyingParty, error) {
	if !cfg.IsConfigured() {
		return nil, nil
	}

	timeout := webauthn.TimeoutConfig{
		Enforce:    true,
		Timeout:    cfg.Timeout,
		TimeoutUVD: cfg.Timeout,
	}

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName:         cfg.RPName,
		RPID:                  cfg.RPID,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn relying party: %w", err)
	}

	return &relyingParty{w: w, cfg: cfg}, nil
}

// ceremonyUser adapts a Principal and its stored credentials to the
// webauthn.User interface for the duration of one ceremony.
type ceremonyUser struct {
	principal   Principal
	credentials []WebAuthnCredential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.principal.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.principal.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.principal.DisplayName != "" {
		return u.principal.DisplayName
	}
	return u.principal.Email
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		out = append(out, toLibraryCredential(c))
	}
	return out
}

func (u *ceremonyUser) WebAuthnIcon() string { return "" }

func toLibraryCredential(c WebAuthnCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}

	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

// newStoredCredential converts a ceremony result into the storage shape.
func newStoredCredential(principalID, deviceName string, cred *webauthn.Credential, now time.Time) WebAuthnCredential {
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}

	return WebAuthnCredential{
		ID:              uuid.NewString(),
		PrincipalID:     principalID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackedUp:        cred.Flags.BackupState,
		Transports:      transports,
		DeviceName:      deviceName,
		CreatedAt:       now,
	}
}

func credentialExclusions(creds []WebAuthnCredential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		})
	}
	return out
}
