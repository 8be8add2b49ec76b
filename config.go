package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/emily-flambe/list-cutter-sub006/abuse"
)

// EscalationMode controls what a detected refresh-token replay revokes.
type EscalationMode string

const (
	// EscalationSingle revokes only the reused token. Default: cascading
	// revocation risks locking out legitimate concurrent refreshes
	// (multiple browser tabs).
	EscalationSingle EscalationMode = "single"
	// EscalationFamily revokes every live refresh token of the affected
	// user on reuse.
	EscalationFamily EscalationMode = "family"
)

// TokenConfig tunes the codec and token lifetimes.
type TokenConfig struct {
	// Secret is the HS256 signing key, supplied at startup. Never
	// generated here.
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// ReplayConfig tunes replay handling on the refresh path.
type ReplayConfig struct {
	EscalationMode EscalationMode
	// Pattern, when set, names the abuse pattern that counts reuse
	// events toward a penalty. The pattern must exist in Abuse.Patterns.
	Pattern string
}

// AbuseConfig carries the declarative pattern table.
type AbuseConfig struct {
	Patterns []abuse.Pattern
}

// AuditConfig tunes best-effort event dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Config is the full engine configuration. Zero values are filled from
// defaultConfig by the Builder; Validate runs at Build time.
type Config struct {
	Token  TokenConfig
	Replay ReplayConfig
	Abuse  AbuseConfig
	Audit  AuditConfig
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:  600 * time.Second,
			RefreshTTL: 86400 * time.Second,
		},
		Replay: ReplayConfig{
			EscalationMode: EscalationSingle,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

// DefaultAbusePatterns returns a starting pattern table covering the
// login and refresh endpoints. Callers extend or replace it freely; the
// detector treats the table as pure data.
func DefaultAbusePatterns() []abuse.Pattern {
	return []abuse.Pattern{
		{Name: "bruteforce", Window: 300 * time.Second, Threshold: 5, Action: abuse.ActionBlock},
		{Name: "refresh_flood", Window: 60 * time.Second, Threshold: 30, Action: abuse.ActionBlock},
		{Name: "token_reuse", Window: 3600 * time.Second, Threshold: 3, Action: abuse.ActionBan},
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if len(c.Token.Secret) == 0 {
		return errors.New("config: token secret is required")
	}
	if len(c.Token.Secret) < 32 {
		return errors.New("config: token secret must be at least 32 bytes")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("config: access TTL must be shorter than refresh TTL")
	}

	switch c.Replay.EscalationMode {
	case EscalationSingle, EscalationFamily:
	default:
		return fmt.Errorf("config: invalid escalation mode %q", c.Replay.EscalationMode)
	}

	if c.Replay.Pattern != "" {
		found := false
		for _, p := range c.Abuse.Patterns {
			if p.Name == c.Replay.Pattern {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: replay pattern %q not in abuse pattern table", c.Replay.Pattern)
		}
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Token.Secret != nil {
		out.Token.Secret = append([]byte(nil), cfg.Token.Secret...)
	}
	if cfg.Abuse.Patterns != nil {
		out.Abuse.Patterns = append([]abuse.Pattern(nil), cfg.Abuse.Patterns...)
	}
	return out
}
