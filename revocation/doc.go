// Package revocation keeps the blacklist of consumed or revoked refresh
// token IDs. Entries self-expire when the source token's exp passes, so
// the registry never grows without bound and never outlives the token
// it guards against.
package revocation
