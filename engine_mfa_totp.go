package vaultauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyfortress/vaultauth/internal"
	"github.com/keyfortress/vaultauth/session"
)

const (
	totpProvisionPrefix = "vtp:"
	totpCounterPrefix   = "vtu:"
)

// reserveTOTPCounterLua records the highest time-step counter that ever
// verified for a principal, atomically, so a code can succeed at most
// once per step. Returns 0 when the candidate does not advance past the
// stored counter.
//
// KEYS[1] = counter key
// ARGV[1] = candidate counter
// ARGV[2] = TTL in seconds
var reserveTOTPCounterLua = redis.NewScript(`
local stored = tonumber(redis.call('GET', KEYS[1]) or '-1')
local candidate = tonumber(ARGV[1])
if candidate <= stored then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

// reserveTOTPCounter gates a verified code on its time-step counter
// advancing past every previously accepted one. The reservation only
// needs to outlive the skew window; after that no stale counter can
// verify anyway.
func (e *Engine) reserveTOTPCounter(ctx context.Context, principalID string, counter int64) error {
	ttl := e.config.TOTP.Period * (2*e.config.TOTP.Skew + 2)
	res, err := reserveTOTPCounterLua.Run(ctx, e.rdb,
		[]string{totpCounterPrefix + principalID}, counter, ttl).Int()
	if err != nil {
		return fmt.Errorf("%w: totp counter store: %v", ErrBackendUnavailable, err)
	}
	if res == 0 {
		e.metricInc(MetricMFAReplayBlocked)
		return ErrMFACodeReplayed
	}
	return nil
}

// totpVerifier checks RFC 6238 codes against the principal's sealed
// stored secret.
type totpVerifier struct {
	engine *Engine
}

func (v *totpVerifier) verify(ctx context.Context, principal Principal, code string) error {
	if len(principal.MFASecret) == 0 {
		return ErrMFASetupRequired
	}

	secret, err := internal.OpenSecret(v.engine.config.SecretKey, principal.MFASecret)
	if err != nil {
		return fmt.Errorf("%w: unseal totp secret: %v", ErrBackendUnavailable, err)
	}

	ok, counter, err := v.engine.totp.VerifyCode(secret, code, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: totp: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return ErrMFACodeInvalid
	}
	return v.engine.reserveTOTPCounter(ctx, principal.ID, counter)
}

// ProvisionTOTP generates a fresh shared secret for enrollment and
// returns it exactly once, base32-encoded alongside the otpauth:// URI.
// The sealed secret is parked in Redis until SetupMFA confirms it with a
// valid code; an unconfirmed secret expires and the flow restarts. The
// principal's stored MFA state is untouched until confirmation, so login
// keeps resolving to SETUP_REQUIRED in the meantime.
func (e *Engine) ProvisionTOTP(ctx context.Context, token string) (*TOTPProvision, error) {
	sess, err := e.requireSession(ctx, token, false)
	if err != nil {
		return nil, err
	}
	principal, err := e.principalByID(ctx, sess.PrincipalID)
	if err != nil {
		return nil, err
	}

	raw, encoded, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: totp secret: %v", ErrBackendUnavailable, err)
	}
	sealed, err := internal.SealSecret(e.config.SecretKey, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: seal totp secret: %v", ErrBackendUnavailable, err)
	}

	key := totpProvisionPrefix + principal.ID
	if err := e.rdb.Set(ctx, key, sealed, e.config.TOTP.ProvisionTTL).Err(); err != nil {
		return nil, fmt.Errorf("%w: provision store: %v", ErrBackendUnavailable, err)
	}

	return &TOTPProvision{
		Secret: encoded,
		URI:    e.totp.ProvisionURI(encoded, principal.Email),
	}, nil
}

// confirmTOTPSetup finishes enrollment: the supplied code must match the
// parked provisioned secret. The secret stays parked across wrong codes
// so the principal can retry against the same QR, and is discarded only
// once enrollment succeeds.
func (e *Engine) confirmTOTPSetup(ctx context.Context, sess *session.Session, principal Principal, code string) error {
	key := totpProvisionPrefix + principal.ID
	sealed, err := e.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMFASetupRequired
	}
	if err != nil {
		return fmt.Errorf("%w: provision store: %v", ErrBackendUnavailable, err)
	}

	raw, err := internal.OpenSecret(e.config.SecretKey, sealed)
	if err != nil {
		return fmt.Errorf("%w: unseal totp secret: %v", ErrBackendUnavailable, err)
	}

	ok, counter, err := e.totp.VerifyCode(raw, code, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: totp: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return ErrMFACodeInvalid
	}
	// The confirmation code burns its time step so the first real
	// verification cannot reuse it.
	if err := e.reserveTOTPCounter(ctx, principal.ID, counter); err != nil {
		return err
	}

	if err := e.enableMFA(ctx, sess, principal, MFAMethodTOTP, sealed); err != nil {
		return err
	}
	_ = e.rdb.Del(ctx, key).Err()
	return nil
}
