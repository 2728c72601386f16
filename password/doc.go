// Package password provides Argon2id hashing with PHC-formatted output
// and constant-time verification for the credential verifier.
package password
