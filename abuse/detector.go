package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrPenalized signals that the subject is under a live block or ban.
	ErrPenalized = errors.New("subject penalized")
	// ErrDetectorUnavailable wraps transport failures.
	ErrDetectorUnavailable = errors.New("abuse detector backend unavailable")
	// ErrUnknownPattern is returned for events against an unconfigured pattern.
	ErrUnknownPattern = errors.New("unknown abuse pattern")
)

// Action is what happens when a pattern's threshold is reached.
type Action string

const (
	ActionNone  Action = ""
	ActionLog   Action = "log"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
	ActionBan   Action = "ban"
)

// banMultiplier scales a ban's penalty TTL relative to the pattern window.
const banMultiplier = 24

// Pattern is one named threshold rule. The pattern table is declarative:
// adding a rule never requires touching detector control flow.
type Pattern struct {
	Name      string
	Window    time.Duration
	Threshold int
	Action    Action
}

// Penalty is a live restriction on a subject.
type Penalty struct {
	Subject   string `json:"subject"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	ExpiresAt int64  `json:"expires_at"`
}

const (
	counterPrefix = "abuse:"
	penaltyPrefix = "penalty:"
)

// countScript increments the (pattern, subject) window counter, setting
// the TTL on the first hit.
const countScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`

var countLua = redis.NewScript(countScript)

// Detector evaluates named threshold patterns over fixed windows and
// escalates to penalties. It layers on the same keyed-counter mechanism
// as the rate limiter.
type Detector struct {
	redis    redis.UniversalClient
	patterns map[string]Pattern
	now      func() time.Time
}

// New creates a Detector from a pattern table. now overrides the clock
// for tests; nil means time.Now.
func New(redisClient redis.UniversalClient, patterns []Pattern, now func() time.Time) (*Detector, error) {
	if now == nil {
		now = time.Now
	}

	table := make(map[string]Pattern, len(patterns))
	for _, p := range patterns {
		if p.Name == "" || p.Window < time.Second || p.Threshold <= 0 {
			return nil, fmt.Errorf("invalid abuse pattern %q", p.Name)
		}
		switch p.Action {
		case ActionLog, ActionWarn, ActionBlock, ActionBan:
		default:
			return nil, fmt.Errorf("invalid action for abuse pattern %q", p.Name)
		}
		if _, dup := table[p.Name]; dup {
			return nil, fmt.Errorf("duplicate abuse pattern %q", p.Name)
		}
		table[p.Name] = p
	}

	return &Detector{redis: redisClient, patterns: table, now: now}, nil
}

func (d *Detector) counterKey(pattern, subject string, windowID int64) string {
	return fmt.Sprintf("%s%s:%s:%d", counterPrefix, pattern, subject, windowID)
}

func penaltyKey(subject string) string {
	return penaltyPrefix + subject
}

// RecordEvent counts one occurrence of pattern for subject. When the
// count reaches the pattern threshold the configured action is taken
// and returned; below threshold the returned action is ActionNone.
func (d *Detector) RecordEvent(ctx context.Context, pattern, subject string) (Action, error) {
	p, ok := d.patterns[pattern]
	if !ok {
		return ActionNone, fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
	}

	windowSecs := int64(p.Window / time.Second)
	windowID := d.now().Unix() / windowSecs

	result, err := countLua.Run(
		ctx,
		d.redis,
		[]string{d.counterKey(pattern, subject, windowID)},
		windowSecs,
	).Result()
	if err != nil {
		return ActionNone, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	count, ok := result.(int64)
	if !ok {
		return ActionNone, fmt.Errorf("%w: invalid count script response", ErrDetectorUnavailable)
	}

	if count < int64(p.Threshold) {
		return ActionNone, nil
	}

	switch p.Action {
	case ActionBlock:
		if err := d.writePenalty(ctx, subject, "block", pattern, p.Window); err != nil {
			return ActionNone, err
		}
	case ActionBan:
		if err := d.writePenalty(ctx, subject, "ban", pattern, p.Window*banMultiplier); err != nil {
			return ActionNone, err
		}
	}
	return p.Action, nil
}

func (d *Detector) writePenalty(ctx context.Context, subject, kind, reason string, ttl time.Duration) error {
	penalty := Penalty{
		Subject:   subject,
		Kind:      kind,
		Reason:    reason,
		ExpiresAt: d.now().Add(ttl).Unix(),
	}
	data, err := json.Marshal(penalty)
	if err != nil {
		return err
	}

	if err := d.redis.Set(ctx, penaltyKey(subject), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	return nil
}

// IsPenalized reports whether subject has a live block or ban. Callers
// admitting requests must consult this before any rate counter.
func (d *Detector) IsPenalized(ctx context.Context, subject string) (bool, error) {
	exists, err := d.redis.Exists(ctx, penaltyKey(subject)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	return exists > 0, nil
}

// GetPenalty returns the live penalty for subject, or nil.
func (d *Detector) GetPenalty(ctx context.Context, subject string) (*Penalty, error) {
	data, err := d.redis.Get(ctx, penaltyKey(subject)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}

	var penalty Penalty
	if err := json.Unmarshal(data, &penalty); err != nil {
		return nil, err
	}
	return &penalty, nil
}

// ClearPenalty lifts a live penalty early (manual unblock).
func (d *Detector) ClearPenalty(ctx context.Context, subject string) error {
	if err := d.redis.Del(ctx, penaltyKey(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	return nil
}

// Patterns returns the configured pattern table (copy).
func (d *Detector) Patterns() []Pattern {
	out := make([]Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		out = append(out, p)
	}
	return out
}
