package authcore

import "errors"

var (
	// ErrInvalidToken is returned when a presented token fails codec
	// verification (malformed, bad signature, expired, or wrong type).
	// Terminal; the caller must re-authenticate.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenRevoked is returned when a refresh token was already
	// rotated, revoked, or never existed. Terminal; the caller must
	// re-authenticate.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRateLimited is returned when an admission rule denies the
	// request. Transient; retry after Admission.RetryAfter.
	ErrRateLimited = errors.New("rate limited")
	// ErrPenalized is returned when the subject is under a live block or
	// ban. Retryable only after the penalty expires.
	ErrPenalized = errors.New("subject penalized")
	// ErrEngineNotReady is returned when an Engine method is called
	// before Build completed.
	ErrEngineNotReady = errors.New("engine not initialized")
)
