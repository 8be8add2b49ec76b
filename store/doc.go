// Package store persists refresh-token records in Redis with TTL expiry
// as the authoritative lifetime. Records live under refresh:{jti} with a
// refresh:user:{userID}:{jti} secondary index for per-user enumeration.
//
// Consume is the correctness-critical primitive: an atomic fetch-then-
// remove that admits exactly one winner among concurrent callers.
package store
