// Package vaultauth provides the multi-tenant identity and session-trust
// engine for a credential-vault application: password verification with
// ledger-driven lockout, a multi-method second factor (TOTP, SMS, email,
// WebAuthn, recovery codes), single-use WebAuthn challenge handling, and
// opaque-token session lifecycle with per-device trust.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// vaultauth is the public surface. It exposes [Engine], [Builder],
// [Config], the collaborator interfaces ([Directory], [CredentialStore],
// [RecoveryCodeStore], [Ledger], [CodeSender], [AuditSink]) and value
// types. Flow coordination, Redis record encodings and attempt throttles
// live under internal/ and are never exported.
//
// The engine decides whether a request comes from a verified principal
// and at what MFA level. What an authenticated principal may do — the
// permission matrix — is a separate concern the engine does not model
// beyond the role ordinal needed for the administrative MFA-reset rule.
//
// # Sessions are rotated, never promoted
//
// Every privilege transition (password accepted, MFA verified) issues a
// fresh session token and deletes the prior row. A session created before
// MFA verification carries mfaVerified=false and must never be accepted
// for operations gated at the fully-authenticated level; Engine methods
// enforce this themselves.
package vaultauth
