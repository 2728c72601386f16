package session

// Session is one authenticated context for a principal. A session is
// never mutated through privilege changes: every stage transition
// (password accepted, MFA verified) issues a fresh row with a fresh
// token and deletes the old one.
type Session struct {
	SessionID   string
	PrincipalID string
	CompanyID   string

	// SecretHash is the SHA-256 of the token secret half. The plaintext
	// secret exists only inside the bearer token held by the client.
	SecretHash [32]byte

	MFAVerified bool
	Trusted     bool
	Fingerprint string

	CreatedAt    int64
	LastActiveAt int64
	ExpiresAt    int64
}
