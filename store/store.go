package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreUnavailable wraps transport failures. It is never folded into
	// a not-found result: an outage must not look like mass revocation.
	ErrStoreUnavailable = errors.New("token store unavailable")
	// ErrCorruptRecord is returned when a stored blob fails to decode.
	ErrCorruptRecord = errors.New("corrupt refresh record")
)

const (
	primaryPrefix = "refresh:"
	userPrefix    = "refresh:user:"
	scanBatch     = 256
)

// consumeScript implements the atomic fetch-then-remove on the primary
// key. Exactly one concurrent caller observes the value; all others see
// false. The per-user secondary key is cleaned up outside the script;
// it is an index, not the source of truth.
const consumeScript = `
local v = redis.call("GET", KEYS[1])
if not v then
  return false
end
redis.call("DEL", KEYS[1])
return v
`

var consumeLua = redis.NewScript(consumeScript)

// Store persists refresh-token records in Redis, keyed by jti with a
// per-user secondary index. TTL expiry is authoritative; Sweep only
// tidies index keys whose primary already expired.
type Store struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// New creates a Store backed by the given Redis client. now overrides
// the clock for tests; nil means time.Now.
func New(redisClient redis.UniversalClient, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{redis: redisClient, now: now}
}

func primaryKey(jti string) string {
	return primaryPrefix + jti
}

func secondaryKey(userID, jti string) string {
	return userPrefix + userID + ":" + jti
}

// Put persists rec under both the primary and per-user keys with the
// given TTL.
func (s *Store) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("refresh record ttl must be positive")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, primaryKey(rec.JTI), data, ttl)
		pipe.Set(ctx, secondaryKey(rec.UserID, rec.JTI), data, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// Get returns the live record for jti, or nil if none exists.
func (s *Store) Get(ctx context.Context, jti string) (*Record, error) {
	data, err := s.redis.Get(ctx, primaryKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeRecord(data)
}

// Touch stamps last_used on the record without disturbing its TTL.
// A missing record is not an error; the token may have just rotated.
func (s *Store) Touch(ctx context.Context, jti string) error {
	rec, err := s.Get(ctx, jti)
	if err != nil || rec == nil {
		return err
	}

	rec.LastUsed = s.now().Unix()
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, primaryKey(jti), data, redis.KeepTTL)
		pipe.Set(ctx, secondaryKey(rec.UserID, jti), data, redis.KeepTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Consume atomically fetches and removes the record for jti. Among any
// number of concurrent callers exactly one receives the record; the rest
// get nil. This is the primitive refresh rotation is built on.
func (s *Store) Consume(ctx context.Context, jti string) (*Record, error) {
	result, err := consumeLua.Run(ctx, s.redis, []string{primaryKey(jti)}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var blob []byte
	switch v := result.(type) {
	case string:
		blob = []byte(v)
	case []byte:
		blob = v
	default:
		return nil, fmt.Errorf("%w: unexpected consume script result", ErrStoreUnavailable)
	}

	rec, err := decodeRecord(blob)
	if err != nil {
		return nil, err
	}

	// Index cleanup is best-effort: a stale secondary key is harmless and
	// is also caught by Sweep.
	_ = s.redis.Del(ctx, secondaryKey(rec.UserID, rec.JTI)).Err()

	return rec, nil
}

// ListByUser returns every live record owned by userID.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	keys, err := s.scan(ctx, userPrefix+userID+":*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*Record{}, nil
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	records := make([]*Record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, decErr := decodeRecord([]byte(str))
		if decErr != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteAll removes every record (primary and index) owned by userID.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	keys, err := s.scan(ctx, userPrefix+userID+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	del := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		del = append(del, key, primaryKey(jtiFromIndexKey(key)))
	}

	if err := s.redis.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Sweep removes index keys whose primary record already expired. TTL
// expiry is authoritative, so this is housekeeping only; it is intended
// to be triggered externally on a schedule.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.scan(ctx, userPrefix+"*")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		exists, err := s.redis.Exists(ctx, primaryKey(jtiFromIndexKey(key))).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if exists == 0 {
			if err := s.redis.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Ping returns a point-in-time availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := s.now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return s.now().Sub(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.now().Sub(start), nil
}

func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// jtiFromIndexKey extracts the jti segment from refresh:user:{uid}:{jti}.
// jtis are UUIDs and never contain a colon.
func jtiFromIndexKey(key string) string {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}
