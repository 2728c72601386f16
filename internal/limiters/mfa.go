package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMFARateLimited = errors.New("mfa attempts rate limited")
	ErrLimiterBackend = errors.New("limiter backend unavailable")
)

// MFAConfig tunes the per-principal MFA attempt throttle.
type MFAConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// MFALimiter caps failed second-factor attempts per principal within a
// rolling cooldown window. It is deliberately separate from the password
// lockout guard: a bad TOTP code throttles further MFA attempts but does
// not push the account toward lockout.
type MFALimiter struct {
	redis       redis.UniversalClient
	maxAttempts int
	cooldown    time.Duration
}

func NewMFALimiter(redisClient redis.UniversalClient, cfg MFAConfig) *MFALimiter {
	return &MFALimiter{
		redis:       redisClient,
		maxAttempts: cfg.MaxAttempts,
		cooldown:    cfg.Cooldown,
	}
}

func (l *MFALimiter) key(principalID string) string {
	return "vml:" + principalID
}

// Check returns ErrMFARateLimited when the principal has exhausted the
// attempt budget for the current window.
func (l *MFALimiter) Check(ctx context.Context, principalID string) error {
	if l == nil || l.redis == nil || l.maxAttempts <= 0 {
		return nil
	}

	count, err := l.redis.Get(ctx, l.key(principalID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrLimiterBackend, err)
	}
	if int(count) >= l.maxAttempts {
		return ErrMFARateLimited
	}
	return nil
}

// RecordFailure increments the failure counter, starting the cooldown
// window on the first failure.
func (l *MFALimiter) RecordFailure(ctx context.Context, principalID string) error {
	if l == nil || l.redis == nil || l.maxAttempts <= 0 {
		return nil
	}

	count, err := l.redis.Incr(ctx, l.key(principalID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterBackend, err)
	}
	if count == 1 && l.cooldown > 0 {
		if err := l.redis.Expire(ctx, l.key(principalID), l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterBackend, err)
		}
	}
	return nil
}

// Reset clears the counter after a successful verification.
func (l *MFALimiter) Reset(ctx context.Context, principalID string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	if err := l.redis.Del(ctx, l.key(principalID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterBackend, err)
	}
	return nil
}
