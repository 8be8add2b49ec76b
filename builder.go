package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/emily-flambe/list-cutter-sub006/abuse"
	"github.com/emily-flambe/list-cutter-sub006/rate"
	"github.com/emily-flambe/list-cutter-sub006/revocation"
	"github.com/emily-flambe/list-cutter-sub006/store"
	"github.com/emily-flambe/list-cutter-sub006/token"
)

// Builder assembles an Engine. Construction is allocation-only; no I/O
// happens until Engine methods run.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	auditSink AuditSink
	logger    zerolog.Logger
	now       func() time.Time
	built     bool
}

// New returns a Builder seeded with defaults.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared store client. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAuditSink sets the destination for security events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the engine's structured logger.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the wall clock. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the engine components.
// A Builder can be used once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	codec, err := token.NewCodec(token.Config{
		Secret: b.config.Token.Secret,
		Issuer: b.config.Token.Issuer,
		Leeway: b.config.Token.Leeway,
		Now:    now,
	})
	if err != nil {
		return nil, err
	}

	detector, err := abuse.New(b.redis, b.config.Abuse.Patterns, now)
	if err != nil {
		return nil, err
	}

	b.built = true

	return &Engine{
		config:     b.config,
		codec:      codec,
		store:      store.New(b.redis, now),
		registry:   revocation.New(b.redis, now),
		limiter:    rate.New(b.redis, now),
		detector:   detector,
		dispatcher: newAuditDispatcher(b.config.Audit, b.auditSink),
		logger:     b.logger,
		now:        now,
	}, nil
}
