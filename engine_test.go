package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/list-cutter-sub006/abuse"
	"github.com/emily-flambe/list-cutter-sub006/revocation"
	"github.com/emily-flambe/list-cutter-sub006/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.Secret = testSecret
	cfg.Token.Issuer = "test"
	cfg.Abuse.Patterns = []abuse.Pattern{
		{Name: "bruteforce", Window: 300 * time.Second, Threshold: 5, Action: abuse.ActionBlock},
		{Name: "token_reuse", Window: time.Hour, Threshold: 1, Action: abuse.ActionBlock},
	}
	return cfg
}

type testEnv struct {
	engine *Engine
	mr     *miniredis.Miniredis
	clock  *fakeClock
	sink   *ChannelSink
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	sink := NewChannelSink(64)

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithClock(clock.Now).
		WithAuditSink(sink).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, mr: mr, clock: clock, sink: sink}
}

func (env *testEnv) nextEvent(t *testing.T) AuditEvent {
	t.Helper()
	select {
	case event := <-env.sink.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
		return AuditEvent{}
	}
}

// advance moves both the engine clock and the store TTLs, keeping the
// two views of time consistent.
func (env *testEnv) advance(d time.Duration) {
	env.clock.Advance(d)
	env.mr.FastForward(d)
}

var alice = User{ID: "u1", Username: "alice", Email: "alice@example.com"}

func TestLoginIssuesVerifiablePair(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, env.clock.Now().Add(600*time.Second), pair.AccessExpiresAt)
	require.Equal(t, env.clock.Now().Add(86400*time.Second), pair.RefreshExpiresAt)

	claims, err := env.engine.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, token.TypeAccess, claims.TokenType)

	// The refresh token is not usable as an access token.
	_, err = env.engine.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, token.ErrWrongType)

	event := env.nextEvent(t)
	require.Equal(t, EventLogin, event.EventType)
	require.Equal(t, "u1", event.UserID)
	require.True(t, event.Success)
}

func TestRefreshRotates(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	next, err := env.engine.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	claims, err := env.engine.VerifyAccess(next.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)

	// The consumed token is terminal: replaying it fails.
	_, err = env.engine.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// And the new one still works.
	_, err = env.engine.Refresh(ctx, next.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	env := newTestEngine(t, nil)

	_, err := env.engine.Refresh(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	// An access token is the wrong type for refresh.
	pair, err := env.engine.Login(context.Background(), alice)
	require.NoError(t, err)
	_, err = env.engine.Refresh(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	const workers = 12
	start := make(chan struct{})
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Refresh(ctx, pair.RefreshToken)
			errs <- err
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.ErrorIs(t, err, ErrTokenRevoked)
	}
	require.Equal(t, 1, winners)
}

func TestAccessExpiresWhileRefreshSurvives(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	env.advance(601 * time.Second)

	_, err = env.engine.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, token.ErrExpired)

	next, err := env.engine.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	_, err = env.engine.VerifyAccess(next.AccessToken)
	require.NoError(t, err)
}

func TestRefreshExpiresByTTL(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	env.advance(86401 * time.Second)

	_, err = env.engine.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)
	second, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	require.NoError(t, env.engine.LogoutAll(ctx, alice.ID))

	_, err = env.engine.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	_, err = env.engine.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestReplayEmitsTokenReuseEvent(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, EventLogin, env.nextEvent(t).EventType)

	_, err = env.engine.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, EventTokenRefreshed, env.nextEvent(t).EventType)

	_, err = env.engine.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	event := env.nextEvent(t)
	require.Equal(t, EventTokenReuse, event.EventType)
	require.Equal(t, "u1", event.UserID)
	require.False(t, event.Success)
}

func TestFamilyEscalationRevokesAllUserTokens(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Replay.EscalationMode = EscalationFamily
	})
	ctx := context.Background()

	tabOne, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)
	tabTwo, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	rotated, err := env.engine.Refresh(ctx, tabOne.RefreshToken)
	require.NoError(t, err)

	// Replaying the consumed token nukes the whole family.
	_, err = env.engine.Refresh(ctx, tabOne.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	_, err = env.engine.Refresh(ctx, tabTwo.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
	_, err = env.engine.Refresh(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestSingleEscalationSparesOtherSessions(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	tabOne, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)
	tabTwo, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	_, err = env.engine.Refresh(ctx, tabOne.RefreshToken)
	require.NoError(t, err)
	_, err = env.engine.Refresh(ctx, tabOne.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// The other tab keeps working in single mode.
	_, err = env.engine.Refresh(ctx, tabTwo.RefreshToken)
	require.NoError(t, err)
}

func TestCheckAdmissionRateLimits(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	rules := []Rule{{Name: "login_ip", Limit: 3, Window: 60 * time.Second}}

	for i := 0; i < 3; i++ {
		adm, err := env.engine.CheckAdmission(ctx, "1.2.3.4", rules)
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	}

	adm, err := env.engine.CheckAdmission(ctx, "1.2.3.4", rules)
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.False(t, adm.Penalized)
	require.Equal(t, "login_ip", adm.DeniedBy)
	require.Greater(t, adm.RetryAfter, time.Duration(0))
}

func TestCheckAdmissionHonorsPenalties(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.engine.RecordAbuseEvent(ctx, "bruteforce", "1.2.3.4")
		require.NoError(t, err)
	}

	// Penalty applies regardless of rate counters, even with no rules.
	adm, err := env.engine.CheckAdmission(ctx, "1.2.3.4", nil)
	require.NoError(t, err)
	require.False(t, adm.Allowed)
	require.True(t, adm.Penalized)
	require.Equal(t, "penalty", adm.DeniedBy)
	require.Greater(t, adm.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, adm.RetryAfter, 300*time.Second)

	// Another subject is unaffected.
	adm, err = env.engine.CheckAdmission(ctx, "5.6.7.8", nil)
	require.NoError(t, err)
	require.True(t, adm.Allowed)
}

func TestRecordAbuseEventReturnsAction(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		action, err := env.engine.RecordAbuseEvent(ctx, "bruteforce", "8.8.8.8")
		require.NoError(t, err)
		require.Equal(t, abuse.ActionNone, action)
	}

	action, err := env.engine.RecordAbuseEvent(ctx, "bruteforce", "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, abuse.ActionBlock, action)
}

func TestStoreOutageIsNotRevocation(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	env.mr.Close()

	_, err = env.engine.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTokenRevoked)
	require.ErrorIs(t, err, revocation.ErrRegistryUnavailable)
}

func TestSweepPrunesExpiredIndexEntries(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := env.engine.Login(ctx, alice)
	require.NoError(t, err)

	removed, err := env.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}
