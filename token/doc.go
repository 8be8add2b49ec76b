// Package token signs and verifies the compact HS256 tokens used for both
// access and refresh credentials. Verification is a pure function of the
// token string, the shared secret, and the clock — it never touches a store,
// which keeps access-token checks free of shared-state round trips.
package token
