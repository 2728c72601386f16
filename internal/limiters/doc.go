// Package limiters provides Redis-backed attempt throttles. The password
// lockout guard is not here — it counts failures out of the audit ledger —
// but MFA code guessing gets its own cooldown counters so a flood of bad
// TOTP or SMS codes cannot run unmetered.
package limiters
