package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// ErrRedisUnavailable is returned when the session backend is unreachable.
var ErrRedisUnavailable = errors.New("session redis unavailable")

// deleteSessionScript removes the session row and its index entry in one
// atomic step and reports whether the row actually existed, so bulk
// revocation can tell the caller exactly what was deleted.
const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store persists sessions in Redis with a per-principal index set.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session store. All keys are namespaced under prefix.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "vs"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) indexKey(principalID string) string {
	return s.prefix + "i:" + principalID
}

// Save writes the session row and registers it in the principal index.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
	pipe.SAdd(ctx, s.indexKey(sess.PrincipalID), sess.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads one session. Expiry is also checked lazily against the
// recorded deadline in case the Redis TTL lagged.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, ErrNotFound
	}
	if time.Now().Unix() > sess.ExpiresAt {
		_ = s.Delete(ctx, sess.PrincipalID, sessionID)
		return nil, ErrNotFound
	}
	return sess, nil
}

// Update rewrites the session row preserving its remaining TTL. Used for
// sliding last-active refresh and trust flag changes; privilege changes
// go through rotation, never through Update.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(sess.SessionID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Delete removes one session and its index entry. Returns ErrNotFound
// when the row was already gone.
func (s *Store) Delete(ctx context.Context, principalID, sessionID string) error {
	existed, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.indexKey(principalID)},
		sessionID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if existed == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllForPrincipal removes every session of the principal except the
// one matching exceptSessionID (pass "" to remove all). Returns the
// number of rows actually deleted.
func (s *Store) DeleteAllForPrincipal(ctx context.Context, principalID, exceptSessionID string) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	deleted := 0
	for _, id := range ids {
		if id == exceptSessionID {
			continue
		}
		switch err := s.Delete(ctx, principalID, id); {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
			// Stale index entry; Delete already pruned it.
		default:
			return deleted, err
		}
	}
	return deleted, nil
}

// ListForPrincipal returns all live sessions of the principal. Index
// entries whose rows have expired are pruned as a side effect.
func (s *Store) ListForPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	rows, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now().Unix()
	sessions := make([]*Session, 0, len(rows))
	var stale []interface{}
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := Decode([]byte(raw))
		if err != nil || now > sess.ExpiresAt {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, sess)
	}
	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, s.indexKey(principalID), stale...).Err()
	}
	return sessions, nil
}
