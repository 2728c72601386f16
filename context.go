package vaultauth

import "context"

type clientIPContextKey struct{}
type companyIDContextKey struct{}
type userAgentContextKey struct{}
type fingerprintContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine records
// it on ledger and audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithCompanyID attaches the tenant identifier to ctx. Login resolves the
// email inside this company; the default tenant "0" is used when absent.
func WithCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDContextKey{}, companyID)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for audit
// events and session listings.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceFingerprint attaches an opaque client-computed device
// fingerprint to ctx. Sessions issued under it participate in device
// trust propagation and fingerprint-scoped revocation; sessions issued
// without one never match any fingerprint.
func WithDeviceFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, fingerprintContextKey{}, fingerprint)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func companyIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return "0"
	}

	companyID, _ := ctx.Value(companyIDContextKey{}).(string)
	if companyID == "" {
		return "0"
	}

	return companyID
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func fingerprintFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	fp, _ := ctx.Value(fingerprintContextKey{}).(string)
	return fp
}
