package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const oneTimeCodeRecordVersion1 = 1

var (
	ErrCodeNotFound         = errors.New("one-time code not found")
	ErrCodeExpired          = errors.New("one-time code expired")
	ErrCodeMismatch         = errors.New("one-time code mismatch")
	ErrCodeAttemptsExceeded = errors.New("one-time code attempts exceeded")
	ErrCodeBackend          = errors.New("one-time code backend unavailable")
)

// consumeCodeLua atomically performs GET→validate→DEL/rewrite on a code
// record, so a correct code is consumed exactly once and wrong guesses
// burn attempts without a read-modify-write race.
//
// KEYS[1] = record key
// ARGV[1] = provided code hash (32 bytes)
// ARGV[2] = max attempts
// ARGV[3] = current unix timestamp
//
// Record layout: version(1) attempts(2 BE) expiresAt(8 BE) hash(32).
var consumeCodeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local maxAttempts = tonumber(ARGV[2])
local nowUnix = tonumber(ARGV[3])

local version = string.byte(data, 1)
if version ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = string.byte(data, 2) * 256 + string.byte(data, 3)

local expiresAt = 0
for i = 4, 11 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end

if nowUnix > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

local storedHash = string.sub(data, 12, 43)
if storedHash ~= providedHash then
  attempts = attempts + 1
  if attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local newData = string.sub(data, 1, 1) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 4)
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  return {err='mismatch'}
end

redis.call('DEL', KEYS[1])
return 1
`)

// OneTimeCodeRecord is a delivered SMS or email verification code,
// stored hashed and keyed by (principal, channel).
type OneTimeCodeRecord struct {
	CodeHash  [32]byte
	ExpiresAt int64
	Attempts  uint16
}

// OneTimeCodeStore keeps at most one live code per (principal, channel).
// Issuing a new code overwrites the prior one, which is how a re-send
// invalidates undelivered codes.
type OneTimeCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewOneTimeCodeStore(redisClient redis.UniversalClient, prefix string) *OneTimeCodeStore {
	if prefix == "" {
		prefix = "voc"
	}
	return &OneTimeCodeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *OneTimeCodeStore) key(principalID, channel string) string {
	return s.prefix + ":" + principalID + ":" + channel
}

func (s *OneTimeCodeStore) Save(
	ctx context.Context,
	principalID, channel string,
	record *OneTimeCodeRecord,
	ttl time.Duration,
) error {
	encoded := encodeOneTimeCodeRecord(record)
	if err := s.redis.Set(ctx, s.key(principalID, channel), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return nil
}

// Consume validates the provided code hash against the stored record.
// A match deletes the record; a mismatch burns one attempt and deletes
// the record once maxAttempts is reached.
func (s *OneTimeCodeStore) Consume(
	ctx context.Context,
	principalID, channel string,
	codeHash [32]byte,
	maxAttempts int,
) error {
	res, err := consumeCodeLua.Run(
		ctx,
		s.redis,
		[]string{s.key(principalID, channel)},
		codeHash[:],
		maxAttempts,
		time.Now().Unix(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return ErrCodeNotFound
		case "expired":
			return ErrCodeExpired
		case "mismatch":
			return ErrCodeMismatch
		case "attempts_exceeded":
			return ErrCodeAttemptsExceeded
		}
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return ErrCodeMismatch
	}
	return nil
}

// Invalidate removes any live code for the (principal, channel) pair.
func (s *OneTimeCodeStore) Invalidate(ctx context.Context, principalID, channel string) error {
	if err := s.redis.Del(ctx, s.key(principalID, channel)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return nil
}

func encodeOneTimeCodeRecord(record *OneTimeCodeRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(oneTimeCodeRecordVersion1)

	_ = binary.Write(&buf, binary.BigEndian, record.Attempts)
	_ = binary.Write(&buf, binary.BigEndian, record.ExpiresAt)
	buf.Write(record.CodeHash[:])

	return buf.Bytes()
}
