// Package authcore is the token-lifecycle and abuse-resistance layer
// behind the application's authentication surface: short-lived JWT
// access tokens, rotating refresh tokens with replay detection, a
// self-expiring revocation registry, and fixed-window rate limiting
// with threshold-based abuse escalation.
//
// All durable state lives in Redis, so any number of handler instances
// share one token population with no in-process coordination. The
// correctness linchpin is the store's atomic consume: among concurrent
// refreshes of the same token exactly one wins, the rest take the
// replay path.
//
// Construction goes through [Builder]; [Engine] methods are safe for
// concurrent use afterwards.
//
// # Architecture boundaries
//
// authcore is the public surface ([Engine], [Builder], [Config],
// [AuditEvent]). The leaf packages token, store, revocation, rate, and
// abuse are importable on their own but carry no policy — every
// cross-component decision (rotation order, replay escalation,
// admission sequencing) lives here.
//
// Out of scope by design: credential storage and password checks (the
// [User] handed to Login is already authenticated), MFA, OAuth, and
// audit analytics (events are emitted, not stored).
package authcore
