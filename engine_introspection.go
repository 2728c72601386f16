package vaultauth

import (
	"context"

	"github.com/keyfortress/vaultauth/jwt"
)

// CurrentUser resolves the presented token into the principal and its
// MFA posture. Pending sessions are accepted; callers distinguish them
// through MFAVerified on the embedded session info.
func (e *Engine) CurrentUser(ctx context.Context, token string) (*CurrentUser, error) {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return nil, err
	}
	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return nil, err
	}

	decision, method, err := e.resolveMFA(ctx, principal)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = principal.MFAMethod
	}

	return &CurrentUser{
		PrincipalID:   principal.ID,
		CompanyID:     principal.CompanyID,
		Email:         principal.Email,
		DisplayName:   principal.DisplayName,
		Role:          principal.Role,
		MFAEnabled:    principal.MFAEnabled,
		MFAMethod:     method,
		MFAConfigured: decision == mfaVerifyRequired,
		MFAVerified:   sess.MFAVerified,
		Session:       e.sessionInfo(sess, sess.SessionID),
	}, nil
}

// MintAccessToken derives a short-lived stateless JWT from a live
// session for gateways that cannot reach the session store on every hop.
// The token carries the session's MFA level at mint time; revoking the
// session does not recall tokens already minted, which is why the TTL
// must stay short.
func (e *Engine) MintAccessToken(ctx context.Context, token string) (string, error) {
	if e.accessTokens == nil {
		return "", ErrAccessTokensDisabled
	}
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return "", err
	}
	access, err := e.accessTokens.CreateAccess(sess.PrincipalID, sess.CompanyID, sess.SessionID, sess.MFAVerified)
	if err != nil {
		return "", err
	}
	return access, nil
}

// ValidateAccessToken verifies a minted access token's signature and
// registered claims without touching the session store.
func (e *Engine) ValidateAccessToken(ctx context.Context, accessToken string) (*jwt.AccessClaims, error) {
	if e.accessTokens == nil {
		return nil, ErrAccessTokensDisabled
	}
	claims, err := e.accessTokens.ParseAccess(accessToken)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return claims, nil
}
