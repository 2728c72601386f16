// Package jwt mints and verifies the short-lived access tokens the
// engine derives from opaque sessions. The access token lets a gateway
// check principal, company and MFA level without a Redis round-trip; it
// never substitutes for the session itself.
package jwt
