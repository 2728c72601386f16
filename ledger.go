package vaultauth

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger is the durable append-only record that security decisions are
// derived from. Unlike the [AuditSink] mirror, ledger writes happen
// synchronously on the request path: a login failure that cannot be
// recorded fails the whole operation, because an unrecorded failure
// would punch a hole in the lockout window.
//
// CountSince must count events for the principal and action with a
// timestamp at or after since. The count is only ever derived from
// appended events, never from a mutable per-account counter, so it
// cannot be decremented or reset by a concurrent writer.
type Ledger interface {
	Append(ctx context.Context, event AuditEvent) error
	CountSince(ctx context.Context, principalID, action string, since time.Time) (int, error)
}

// RedisLedger keeps one sorted set per (principal, action), scored by
// event time in milliseconds, with the serialized event as the member.
// Entries older than the retention period are trimmed on append.
type RedisLedger struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisLedger returns a ledger on rdb. Retention must comfortably
// exceed the lockout window; it defaults to 30 days when zero.
func NewRedisLedger(rdb redis.UniversalClient, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisLedger{
		rdb:       rdb,
		prefix:    "vlg",
		retention: retention,
	}
}

func (l *RedisLedger) key(principalID, action string) string {
	return l.prefix + ":" + principalID + ":" + action
}

// Append implements Ledger.
func (l *RedisLedger) Append(ctx context.Context, event AuditEvent) error {
	if event.PrincipalID == "" || event.Action == "" {
		return fmt.Errorf("%w: ledger event requires principal and action", ErrBackendUnavailable)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	member, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode ledger event: %v", ErrBackendUnavailable, err)
	}

	key := l.key(event.PrincipalID, event.Action)
	score := float64(event.Timestamp.UnixMilli())
	horizon := strconv.FormatInt(time.Now().Add(-l.retention).UnixMilli(), 10)

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(member)})
	pipe.ZRemRangeByScore(ctx, key, "0", horizon)
	pipe.Expire(ctx, key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ledger append: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// CountSince implements Ledger.
func (l *RedisLedger) CountSince(ctx context.Context, principalID, action string, since time.Time) (int, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	n, err := l.rdb.ZCount(ctx, l.key(principalID, action), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ledger count: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}
