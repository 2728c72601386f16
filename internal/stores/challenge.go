package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeBackend  = errors.New("challenge backend unavailable")
)

// ChallengeStore holds at most one in-flight WebAuthn ceremony per
// principal. Put overwrites any prior unconsumed challenge; TakeAndDelete
// atomically pops the record so a challenge can never be observed twice.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *ChallengeStore {
	if prefix == "" {
		prefix = "vwc"
	}
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *ChallengeStore) key(principalID string) string {
	return s.prefix + ":" + principalID
}

// Put stores ceremony session data for the principal, superseding any
// prior challenge. Supersede-on-write is what enforces the
// at-most-one-in-flight invariant; no locking is involved.
func (s *ChallengeStore) Put(ctx context.Context, principalID string, data *webauthn.SessionData) error {
	if data == nil {
		return errors.New("nil webauthn session data")
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(principalID), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// TakeAndDelete pops the principal's challenge. Concurrent callers race
// on the GETDEL; exactly one observes the record, the rest get
// ErrChallengeNotFound.
func (s *ChallengeStore) TakeAndDelete(ctx context.Context, principalID string) (*webauthn.SessionData, error) {
	raw, err := s.redis.GetDel(ctx, s.key(principalID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, ErrChallengeNotFound
	}
	return &data, nil
}
