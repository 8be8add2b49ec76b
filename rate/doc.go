// Package rate provides fixed-window admission counters keyed by rule
// and subject, stored as TTL'd Redis entries.
//
// # Window semantics
//
// Window id = floor(now / window). Keys: ratelimit:{rule}:{subject}:{windowId}.
// Admission is compare-then-increment: a caller already at the limit is
// denied without incrementing, avoiding the off-by-one where the Nth
// allowed request burns the N+1th caller's slot.
//
// Counters are defense in depth, not a safety invariant; undercounting
// under extreme concurrency is acceptable.
package rate
