package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited signals a denied admission. Transient; callers may
	// retry after the window rolls over.
	ErrRateLimited = errors.New("rate limited")
	// ErrLimiterUnavailable wraps transport failures.
	ErrLimiterUnavailable = errors.New("rate limiter backend unavailable")
)

const keyPrefix = "ratelimit:"

// allowScript is compare-then-increment in one round trip: a caller at
// or over the limit is denied without touching the counter, so denied
// traffic cannot extend its own lockout. TTL is set on the first hit in
// the window.
const allowScript = `
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if count >= limit then
  return {0, 0}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return {1, limit - count}
`

var allowLua = redis.NewScript(allowScript)

// Result reports one admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the current window ends. Meaningful
	// only when Allowed is false.
	RetryAfter time.Duration
}

// Limiter enforces fixed-window counters per logical key. Counters are
// plain keyed Redis entries with TTL, so any number of handler
// instances share state with no coordination.
type Limiter struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// New creates a Limiter. now overrides the clock for tests; nil means
// time.Now.
func New(redisClient redis.UniversalClient, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{redis: redisClient, now: now}
}

func (l *Limiter) key(rule, subject string, windowID int64) string {
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, rule, subject, windowID)
}

// Allow admits the subject under rule if fewer than limit calls have
// been admitted in the current window.
func (l *Limiter) Allow(ctx context.Context, rule, subject string, limit int, window time.Duration) (*Result, error) {
	if limit <= 0 || window < time.Second {
		return nil, errors.New("invalid rate rule")
	}

	nowUnix := l.now().Unix()
	windowSecs := int64(window / time.Second)
	windowID := nowUnix / windowSecs

	result, err := allowLua.Run(
		ctx,
		l.redis,
		[]string{l.key(rule, subject, windowID)},
		limit,
		windowSecs,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("%w: invalid allow script response", ErrLimiterUnavailable)
	}
	allowed, okA := parts[0].(int64)
	remaining, okR := parts[1].(int64)
	if !okA || !okR {
		return nil, fmt.Errorf("%w: invalid allow script response", ErrLimiterUnavailable)
	}

	res := &Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration((windowID+1)*windowSecs-nowUnix) * time.Second
	}
	return res, nil
}

// Count returns the current counter for rule+subject in the live
// window. Missing counters read as zero.
func (l *Limiter) Count(ctx context.Context, rule, subject string, window time.Duration) (int, error) {
	if window < time.Second {
		return 0, errors.New("invalid rate window")
	}
	windowSecs := int64(window / time.Second)
	windowID := l.now().Unix() / windowSecs

	count, err := l.redis.Get(ctx, l.key(rule, subject, windowID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return int(count), nil
}
