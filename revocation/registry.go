package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRegistryUnavailable wraps transport failures, kept distinct from a
// clean "not revoked" answer.
var ErrRegistryUnavailable = errors.New("revocation registry unavailable")

const keyPrefix = "blacklist:"

// Reasons recorded on registry entries.
const (
	ReasonRotated = "rotated"
	ReasonLogout  = "logout"
	ReasonReuse   = "reuse"
)

// Entry records one blacklisted jti. ExpiresAt is copied from the source
// token's exp so the entry vanishes exactly when the token would have
// died anyway.
type Entry struct {
	JTI           string `json:"jti"`
	Reason        string `json:"reason"`
	BlacklistedAt int64  `json:"blacklisted_at"`
	ExpiresAt     int64  `json:"expires_at"`
}

// Registry is the Redis-backed revocation list.
type Registry struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// New creates a Registry. now overrides the clock for tests; nil means
// time.Now.
func New(redisClient redis.UniversalClient, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{redis: redisClient, now: now}
}

func key(jti string) string {
	return keyPrefix + jti
}

// Revoke blacklists jti until expiresAt. The entry TTL equals the
// token's remaining life, clamped at zero: a token that is already past
// exp can never verify again, so no entry is written. Entries without
// an expiry are never stored.
func (r *Registry) Revoke(ctx context.Context, jti, reason string, expiresAt time.Time) error {
	now := r.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}

	entry := Entry{
		JTI:           jti,
		Reason:        reason,
		BlacklistedAt: now.Unix(),
		ExpiresAt:     expiresAt.Unix(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := r.redis.Set(ctx, key(jti), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether jti has a live registry entry.
func (r *Registry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.redis.Exists(ctx, key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return exists > 0, nil
}

// Get returns the registry entry for jti, or nil if none is live.
func (r *Registry) Get(ctx context.Context, jti string) (*Entry, error) {
	data, err := r.redis.Get(ctx, key(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
