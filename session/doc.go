// Package session implements the Redis-backed session store for the
// identity engine. Sessions are opaque-token rows: the client holds
// sessionID+secret packed into one bearer token, and the store keeps only
// the secret hash alongside the MFA and device-trust flags. Records use a
// compact versioned binary encoding and are indexed per principal so
// bulk revocation and trusted-device views stay one round-trip cheap.
package session
