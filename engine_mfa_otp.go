package vaultauth

import (
	"context"
	"errors"

	"github.com/keyfortress/vaultauth/internal"
	"github.com/keyfortress/vaultauth/internal/stores"
)

// oneTimeCodeVerifier checks delivered SMS/email codes against the
// single live record for the (principal, channel) pair. Consumption is
// atomic in Redis: a correct code deletes the record, a wrong one burns
// an attempt, and the attempt budget deletes the record when exhausted.
type oneTimeCodeVerifier struct {
	engine  *Engine
	channel string
}

func (v *oneTimeCodeVerifier) verify(ctx context.Context, principal Principal, code string) error {
	return v.engine.consumeOneTimeCode(ctx, principal, v.channel, code)
}

func (e *Engine) consumeOneTimeCode(ctx context.Context, principal Principal, channel, code string) error {
	err := e.oneTimeCodes.Consume(
		ctx,
		principal.ID,
		channel,
		internal.HashOneTimeCode(code),
		e.config.OneTimeCode.MaxAttempts,
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrCodeNotFound),
		errors.Is(err, stores.ErrCodeExpired),
		errors.Is(err, stores.ErrCodeMismatch),
		errors.Is(err, stores.ErrCodeAttemptsExceeded):
		return ErrMFACodeInvalid
	default:
		return err
	}
}
