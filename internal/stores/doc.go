// Package stores contains the Redis-backed ephemeral stores used by the
// engine: the single-use WebAuthn challenge store and the one-time
// SMS/email code store. All records are time-bounded and safe to lose;
// a lost record only forces the client to restart the flow.
package stores
