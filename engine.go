package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emily-flambe/list-cutter-sub006/abuse"
	"github.com/emily-flambe/list-cutter-sub006/rate"
	"github.com/emily-flambe/list-cutter-sub006/revocation"
	"github.com/emily-flambe/list-cutter-sub006/store"
	"github.com/emily-flambe/list-cutter-sub006/token"
)

// Engine orchestrates token issuance, rotation, revocation, and
// admission control. Methods are safe for concurrent use; all durable
// state lives in the shared store, so any number of Engine instances
// can serve the same token population.
type Engine struct {
	config     Config
	codec      *token.Codec
	store      *store.Store
	registry   *revocation.Registry
	limiter    *rate.Limiter
	detector   *abuse.Detector
	dispatcher *auditDispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

// Login issues a fresh access/refresh pair for an already-authenticated
// user and persists the refresh record. Credential checking happens
// before this call.
func (e *Engine) Login(ctx context.Context, user User) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	pair, refreshJTI, err := e.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, AuditEvent{
		Timestamp: e.now(),
		EventType: EventLogin,
		UserID:    user.ID,
		JTI:       refreshJTI,
		IP:        clientIPFromContext(ctx),
		Success:   true,
	})

	return pair, nil
}

// Refresh rotates a refresh token: verify, replay-check, atomically
// consume the stored record, retire the old jti, then issue a new pair.
// The atomic consume guarantees exactly one winner among concurrent
// calls presenting the same token; every loser gets ErrTokenRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.codec.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	jti := claims.ID
	exp := claims.ExpiresAt.Time

	revoked, err := e.registry.IsRevoked(ctx, jti)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, e.handleReplay(ctx, claims)
	}

	rec, err := e.store.Consume(ctx, jti)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Never existed, TTL-expired, or a racing refresh consumed it
		// first. Indistinguishable from replay by design.
		return nil, e.handleReplay(ctx, claims)
	}

	if err := e.registry.Revoke(ctx, jti, revocation.ReasonRotated, exp); err != nil {
		return nil, err
	}

	pair, newJTI, err := e.issuePair(ctx, User{
		ID:       claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, AuditEvent{
		Timestamp: e.now(),
		EventType: EventTokenRefreshed,
		UserID:    claims.UserID,
		JTI:       newJTI,
		IP:        clientIPFromContext(ctx),
		Success:   true,
		Metadata:  map[string]string{"rotated_jti": jti},
	})

	return pair, nil
}

// VerifyAccess validates an access token by signature, expiry, and type
// alone. No store round trip occurs; revocation does not apply to
// access tokens, whose 600s lifetime bounds the exposure.
func (e *Engine) VerifyAccess(tokenStr string) (*token.Claims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.codec.Verify(tokenStr, token.TypeAccess)
}

// LogoutAll revokes every live refresh token belonging to userID. Each
// record moves into the registry (reason logout) before deletion, so a
// token captured mid-logout still hits the blacklist.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	records, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := e.registry.Revoke(ctx, rec.JTI, revocation.ReasonLogout, time.Unix(rec.ExpiresAt, 0)); err != nil {
			return err
		}
	}

	if err := e.store.DeleteAll(ctx, userID); err != nil {
		return err
	}

	e.emit(ctx, AuditEvent{
		Timestamp: e.now(),
		EventType: EventLogoutAll,
		UserID:    userID,
		IP:        clientIPFromContext(ctx),
		Success:   true,
		Metadata:  map[string]string{"revoked": fmt.Sprintf("%d", len(records))},
	})

	return nil
}

// CheckAdmission gates a request before any token work. Penalty state
// is consulted first and independently of the counters; then every rule
// must admit the subject.
func (e *Engine) CheckAdmission(ctx context.Context, subject string, rules []Rule) (*Admission, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	penalized, err := e.detector.IsPenalized(ctx, subject)
	if err != nil {
		return nil, err
	}
	if penalized {
		adm := &Admission{Penalized: true, DeniedBy: "penalty"}
		if penalty, perr := e.detector.GetPenalty(ctx, subject); perr == nil && penalty != nil {
			if until := time.Unix(penalty.ExpiresAt, 0).Sub(e.now()); until > 0 {
				adm.RetryAfter = until
			}
		}
		e.emitAdmissionDenied(ctx, subject, adm.DeniedBy)
		return adm, nil
	}

	remaining := -1
	for _, rule := range rules {
		result, err := e.limiter.Allow(ctx, rule.Name, subject, rule.Limit, rule.Window)
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			e.emitAdmissionDenied(ctx, subject, rule.Name)
			return &Admission{DeniedBy: rule.Name, RetryAfter: result.RetryAfter}, nil
		}
		if remaining < 0 || result.Remaining < remaining {
			remaining = result.Remaining
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	return &Admission{Allowed: true, Remaining: remaining}, nil
}

// RecordAbuseEvent counts one occurrence of pattern for subject and
// returns the action taken, if the threshold was reached.
func (e *Engine) RecordAbuseEvent(ctx context.Context, pattern, subject string) (abuse.Action, error) {
	if e == nil {
		return abuse.ActionNone, ErrEngineNotReady
	}

	action, err := e.detector.RecordEvent(ctx, pattern, subject)
	if err != nil {
		return abuse.ActionNone, err
	}

	if action != abuse.ActionNone {
		e.emit(ctx, AuditEvent{
			Timestamp: e.now(),
			EventType: EventAbuseAction,
			Subject:   subject,
			IP:        clientIPFromContext(ctx),
			Success:   false,
			Metadata: map[string]string{
				"pattern": pattern,
				"action":  string(action),
			},
		})
	}

	return action, nil
}

// Sweep prunes store index entries whose records already TTL-expired.
// Housekeeping only; TTL expiry is authoritative without it. Intended
// to be triggered externally on a schedule.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.store.Sweep(ctx)
}

// Ping checks store availability.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil {
		return ErrEngineNotReady
	}
	_, err := e.store.Ping(ctx)
	return err
}

// Close drains and stops the audit dispatcher. The engine must not be
// used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.dispatcher.Close()
}

// AuditDropped reports audit events shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

func (e *Engine) issuePair(ctx context.Context, user User) (*TokenPair, string, error) {
	now := e.now()
	base := token.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}

	accessClaims := base
	accessClaims.ID = uuid.NewString()
	access, err := e.codec.Issue(accessClaims, token.TypeAccess, e.config.Token.AccessTTL)
	if err != nil {
		return nil, "", err
	}

	refreshClaims := base
	refreshClaims.ID = uuid.NewString()
	refresh, err := e.codec.Issue(refreshClaims, token.TypeRefresh, e.config.Token.RefreshTTL)
	if err != nil {
		return nil, "", err
	}

	refreshExpiry := now.Add(e.config.Token.RefreshTTL)
	rec := &store.Record{
		JTI:       refreshClaims.ID,
		UserID:    user.ID,
		Username:  user.Username,
		CreatedAt: now.Unix(),
		ExpiresAt: refreshExpiry.Unix(),
	}
	if err := e.store.Put(ctx, rec, e.config.Token.RefreshTTL); err != nil {
		return nil, "", err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(e.config.Token.AccessTTL),
		RefreshExpiresAt: refreshExpiry,
	}, refreshClaims.ID, nil
}

// handleReplay classifies a replayed refresh presentation. The reused
// jti is (re)blacklisted, the configured abuse pattern is fed, and in
// family mode every live token of the user is revoked. Always returns
// ErrTokenRevoked; the escalation work is best-effort and never changes
// the caller-facing outcome.
func (e *Engine) handleReplay(ctx context.Context, claims *token.Claims) error {
	jti := claims.ID
	exp := claims.ExpiresAt.Time

	if err := e.registry.Revoke(ctx, jti, revocation.ReasonReuse, exp); err != nil {
		e.logger.Warn().Err(err).Str("jti", jti).Msg("replay blacklist write failed")
	}

	if e.config.Replay.Pattern != "" {
		if _, err := e.detector.RecordEvent(ctx, e.config.Replay.Pattern, claims.UserID); err != nil {
			e.logger.Warn().Err(err).Msg("replay abuse event failed")
		}
	}

	if e.config.Replay.EscalationMode == EscalationFamily {
		if err := e.revokeFamily(ctx, claims.UserID); err != nil {
			e.logger.Warn().Err(err).Str("user_id", claims.UserID).Msg("family revocation failed")
		}
	}

	e.emit(ctx, AuditEvent{
		Timestamp: e.now(),
		EventType: EventTokenReuse,
		UserID:    claims.UserID,
		JTI:       jti,
		IP:        clientIPFromContext(ctx),
		Success:   false,
		Error:     ErrTokenRevoked.Error(),
		Metadata:  map[string]string{"escalation": string(e.config.Replay.EscalationMode)},
	})

	return ErrTokenRevoked
}

func (e *Engine) revokeFamily(ctx context.Context, userID string) error {
	records, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range records {
		if err := e.registry.Revoke(ctx, rec.JTI, revocation.ReasonReuse, time.Unix(rec.ExpiresAt, 0)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.store.DeleteAll(ctx, userID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) emitAdmissionDenied(ctx context.Context, subject, deniedBy string) {
	e.emit(ctx, AuditEvent{
		Timestamp: e.now(),
		EventType: EventAdmissionDenied,
		Subject:   subject,
		IP:        clientIPFromContext(ctx),
		Success:   false,
		Metadata:  map[string]string{"denied_by": deniedBy},
	})
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	if e.dispatcher == nil {
		return
	}
	// Detach from the request context so a canceled request cannot drop
	// the event on a non-drop dispatcher.
	if ctx == nil || errors.Is(ctx.Err(), context.Canceled) {
		ctx = context.Background()
	}
	e.dispatcher.Emit(ctx, event)
}
