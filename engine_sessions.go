package vaultauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/keyfortress/vaultauth/internal"
	"github.com/keyfortress/vaultauth/session"
)

// requireSession resolves a bearer token into its live session row. The
// secret half of the token is compared in constant time against the
// stored hash. With needMFA set, pending sessions are rejected with
// ErrMFANotVerified.
func (e *Engine) requireSession(ctx context.Context, token string, needMFA bool) (*session.Session, error) {
	sid, secret, err := internal.DecodeSessionToken(token)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	sess, err := e.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	want := internal.HashSessionSecret(secret)
	if subtle.ConstantTimeCompare(want[:], sess.SecretHash[:]) != 1 {
		return nil, ErrSessionNotFound
	}

	if needMFA && !sess.MFAVerified {
		return nil, ErrMFANotVerified
	}

	e.touchSession(ctx, sess)
	return sess, nil
}

// touchSession refreshes LastActiveAt when the session has been idle
// past the sliding-refresh interval. The write keeps the existing TTL;
// session expiry remains absolute.
func (e *Engine) touchSession(ctx context.Context, sess *session.Session) {
	if e.config.Session.SlidingRefresh <= 0 {
		return
	}
	now := time.Now().UTC()
	if now.Sub(time.Unix(sess.LastActiveAt, 0)) < e.config.Session.SlidingRefresh {
		return
	}
	sess.LastActiveAt = now.Unix()
	_ = e.sessions.Update(ctx, sess)
}

// rotateSession issues a replacement session at the given privilege
// level, carrying over tenant, fingerprint and trust, then deletes the
// old row. Privilege never changes in place.
func (e *Engine) rotateSession(ctx context.Context, old *session.Session, mfaVerified bool) (string, *session.Session, error) {
	token, fresh, err := e.issueSessionWith(ctx, old.PrincipalID, old.CompanyID, mfaVerified, old.Fingerprint, old.Trusted)
	if err != nil {
		return "", nil, err
	}
	if err := e.sessions.Delete(ctx, old.PrincipalID, old.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return "", nil, err
	}
	e.metricInc(MetricSessionRotated)
	return token, fresh, nil
}

// Logout deletes the presented session. An already-dead token is not an
// error; logout is idempotent.
func (e *Engine) Logout(ctx context.Context, token string) error {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	if err := e.sessions.Delete(ctx, sess.PrincipalID, sess.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogout, true, sess.PrincipalID, sess.CompanyID, sess.SessionID, nil, nil)
	return nil
}

// ListSessions returns every live session for the caller's principal,
// marking the one backing the presented token.
func (e *Engine) ListSessions(ctx context.Context, token string) ([]SessionInfo, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return nil, err
	}

	all, err := e.sessions.ListForPrincipal(ctx, sess.PrincipalID)
	if err != nil {
		return nil, err
	}

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, e.sessionInfo(s, sess.SessionID))
	}
	return out, nil
}

// RevokeSession deletes one of the caller's sessions by ID. Revoking a
// session owned by another principal is rejected without revealing
// whether it exists.
func (e *Engine) RevokeSession(ctx context.Context, token, sessionID string) error {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return err
	}

	target, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if target.PrincipalID != sess.PrincipalID {
		return ErrSessionForbidden
	}

	if err := e.sessions.Delete(ctx, target.PrincipalID, target.SessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, sess.PrincipalID, sess.CompanyID, target.SessionID, nil, nil)
	return nil
}

// RevokeAllSessions deletes every session for the caller's principal
// except the one backing the presented token. It returns the number of
// sessions actually deleted.
func (e *Engine) RevokeAllSessions(ctx context.Context, token string) (int, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return 0, err
	}

	n, err := e.sessions.DeleteAllForPrincipal(ctx, sess.PrincipalID, sess.SessionID)
	if err != nil {
		return 0, err
	}
	e.emitAudit(ctx, auditEventSessionsRevokedAll, true, sess.PrincipalID, sess.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprintf("%d", n)}
	})
	return n, nil
}

// SetSessionTrust marks one of the caller's sessions trusted or not.
// Granting trust is a device-level act: every session sharing the target
// session's fingerprint becomes trusted with it. Removing trust affects
// only the named session.
func (e *Engine) SetSessionTrust(ctx context.Context, token, sessionID string, trusted bool) error {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return err
	}

	target, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if target.PrincipalID != sess.PrincipalID {
		return ErrSessionForbidden
	}

	if trusted && target.Fingerprint != "" {
		if _, err := e.setTrustByFingerprint(ctx, sess, target.Fingerprint, true); err != nil {
			return err
		}
		return nil
	}

	target.Trusted = trusted
	if err := e.sessions.Update(ctx, target); err != nil {
		return err
	}
	e.auditTrustChange(ctx, sess, target.Fingerprint, trusted, 1)
	return nil
}

// TrustDevice marks every caller session with the fingerprint trusted
// and returns how many sessions were updated.
func (e *Engine) TrustDevice(ctx context.Context, token, fingerprint string) (int, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return 0, err
	}
	return e.setTrustByFingerprint(ctx, sess, fingerprint, true)
}

// UntrustDevice clears trust on every caller session with the
// fingerprint and returns how many sessions were updated.
func (e *Engine) UntrustDevice(ctx context.Context, token, fingerprint string) (int, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return 0, err
	}
	return e.setTrustByFingerprint(ctx, sess, fingerprint, false)
}

func (e *Engine) setTrustByFingerprint(ctx context.Context, caller *session.Session, fingerprint string, trusted bool) (int, error) {
	if fingerprint == "" {
		return 0, nil
	}

	all, err := e.sessions.ListForPrincipal(ctx, caller.PrincipalID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, s := range all {
		if s.Fingerprint != fingerprint || s.Trusted == trusted {
			continue
		}
		s.Trusted = trusted
		if err := e.sessions.Update(ctx, s); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				continue
			}
			return updated, err
		}
		if s.SessionID == caller.SessionID {
			caller.Trusted = trusted
		}
		updated++
	}

	if updated > 0 {
		if trusted {
			e.metricInc(MetricDeviceTrusted)
		}
		e.auditTrustChange(ctx, caller, fingerprint, trusted, updated)
	}
	return updated, nil
}

// RevokeDeviceSessions deletes every caller session carrying the
// fingerprint except the one backing the presented token. The returned
// count reflects sessions actually deleted in this call: sessions that
// expired or were revoked concurrently are not counted.
func (e *Engine) RevokeDeviceSessions(ctx context.Context, token, fingerprint string) (DeviceRevocation, error) {
	sess, err := e.requireSession(ctx, token, true)
	if err != nil {
		return DeviceRevocation{}, err
	}
	if fingerprint == "" {
		return DeviceRevocation{}, nil
	}

	all, err := e.sessions.ListForPrincipal(ctx, sess.PrincipalID)
	if err != nil {
		return DeviceRevocation{}, err
	}

	result := DeviceRevocation{}
	for _, s := range all {
		if s.Fingerprint != fingerprint {
			continue
		}
		if s.SessionID == sess.SessionID {
			result.CurrentKept = true
			continue
		}
		err := e.sessions.Delete(ctx, s.PrincipalID, s.SessionID)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		result.Revoked++
	}

	if result.Revoked > 0 {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventDeviceRevoked, true, sess.PrincipalID, sess.CompanyID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{
			"fingerprint": fingerprint,
			"revoked":     fmt.Sprintf("%d", result.Revoked),
		}
	})
	return result, nil
}

func (e *Engine) auditTrustChange(ctx context.Context, caller *session.Session, fingerprint string, trusted bool, count int) {
	action := auditEventDeviceTrusted
	if !trusted {
		action = auditEventDeviceUntrusted
	}
	e.emitAudit(ctx, action, true, caller.PrincipalID, caller.CompanyID, caller.SessionID, nil, func() map[string]string {
		return map[string]string{
			"fingerprint": fingerprint,
			"sessions":    fmt.Sprintf("%d", count),
		}
	})
}

func (e *Engine) sessionInfo(s *session.Session, currentSessionID string) SessionInfo {
	return SessionInfo{
		SessionID:         s.SessionID,
		PrincipalID:       s.PrincipalID,
		CompanyID:         s.CompanyID,
		MFAVerified:       s.MFAVerified,
		Trusted:           s.Trusted,
		DeviceFingerprint: s.Fingerprint,
		CreatedAt:         time.Unix(s.CreatedAt, 0).UTC(),
		LastActiveAt:      time.Unix(s.LastActiveAt, 0).UTC(),
		ExpiresAt:         time.Unix(s.ExpiresAt, 0).UTC(),
		Current:           s.SessionID == currentSessionID,
	}
}
