package authcore

import "time"

// User is the identity handed to Login by the external credential
// checker. Password verification happens before this subsystem is
// involved.
type User struct {
	ID       string
	Username string
	Email    string
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Rule is one fixed-window admission constraint evaluated by
// CheckAdmission. Name doubles as the counter key prefix, so distinct
// rules never share counters.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Admission is the outcome of CheckAdmission.
type Admission struct {
	Allowed bool
	// Penalized is true when the denial came from a live block or ban
	// rather than a rate counter.
	Penalized bool
	// DeniedBy names the rule that denied, or "penalty".
	DeniedBy string
	// RetryAfter is how long until the denial can clear. Zero when
	// Allowed.
	RetryAfter time.Duration
	// Remaining is the smallest remaining budget across the evaluated
	// rules. Zero when denied.
	Remaining int
}
