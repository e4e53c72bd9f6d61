package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttle-service/internal/events"
	"throttle-service/internal/metrics"
	"throttle-service/internal/repository"
	"throttle-service/internal/repository/memory"
	"throttle-service/internal/util"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var registerPolicy = Policy{
	Scope:           "register",
	AllowedAttempts: 5,
	BaseWindow:      600 * time.Second,
	MaxLevel:        10,
	ResetThreshold:  3,
}

type engineFixture struct {
	engine    *Engine
	store     *memory.ThrottleStore
	clock     *fakeClock
	publisher *recordingPublisher
}

func newEngineFixture(t *testing.T, policies ...Policy) *engineFixture {
	t.Helper()
	util.Init("test", "error", "console")

	registry, err := NewRegistryWith(policies...)
	require.NoError(t, err)

	f := &engineFixture{
		store:     memory.NewThrottleStore(),
		clock:     newFakeClock(),
		publisher: &recordingPublisher{},
	}
	f.engine = NewEngine(f.store, registry, WithClock(f.clock.Now), WithPublisher(f.publisher))
	return f
}

func (f *engineFixture) attempts(t *testing.T, identity, scope string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.engine.RecordAttempt(context.Background(), identity, scope))
	}
}

func TestEvaluateWithoutRecordIsAllowed(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)

	d, err := f.engine.Evaluate(context.Background(), "10.0.0.1", "register")
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())
	assert.Equal(t, 0, f.store.Len())
}

func TestEvaluateUnknownScope(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)

	_, err := f.engine.Evaluate(context.Background(), "10.0.0.1", "login")
	assert.ErrorIs(t, err, ErrUnknownScope)

	err = f.engine.RecordAttempt(context.Background(), "10.0.0.1", "login")
	assert.ErrorIs(t, err, ErrUnknownScope)

	_, err = f.engine.Inspect(context.Background(), "10.0.0.1", "login")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestEvaluateRejectsInvalidKeys(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)

	_, err := f.engine.Evaluate(context.Background(), "   ", "register")
	assert.ErrorIs(t, err, util.ErrInvalidKeyPart)
}

func TestEvaluateBelowBudgetIsAllowed(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	f.attempts(t, "u1", "register", 4)

	d, err := f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())

	rec, err := f.engine.Inspect(ctx, "u1", "register")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Attempts, "evaluate must not count attempts")
	assert.Nil(t, rec.LastBlockedAt)
}

func TestEvaluateAppliesPenalty(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	f.attempts(t, "u1", "register", 5)

	d, err := f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.True(t, d.Penalized)
	assert.Equal(t, 600*time.Second, d.RetryAfter)
	assert.Equal(t, int64(600), d.RetrySeconds())
	assert.Equal(t, "10m", d.Message())

	rec, err := f.engine.Inspect(ctx, "u1", "register")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level)
	assert.Equal(t, 0, rec.Attempts)
	require.NotNil(t, rec.LastBlockedAt)
	assert.True(t, rec.LastBlockedAt.Equal(f.clock.Now()))
	assert.True(t, rec.ExpiresAt.Equal(f.clock.Now().Add(600*time.Second)))

	assert.Equal(t, []events.Type{events.TypePenalized}, f.publisher.types())
}

func TestEvaluateDuringCooldownReportsRemaining(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	f.attempts(t, "u1", "register", 5)
	_, err := f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)

	f.clock.Advance(100*time.Second + 500*time.Millisecond)

	d, err := f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.False(t, d.Penalized)
	assert.Equal(t, int64(500), d.RetrySeconds(), "remaining time is rounded up")

	rec, err := f.engine.Inspect(ctx, "u1", "register")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level, "evaluating a blocked record must not escalate")
}

func TestRecordAttemptDuringCooldownIsNoop(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	f.attempts(t, "u1", "register", 5)
	_, err := f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)

	recorded := testutil.ToFloat64(metrics.AttemptsRecorded.WithLabelValues("register"))
	f.attempts(t, "u1", "register", 3)
	assert.Equal(t, recorded, testutil.ToFloat64(metrics.AttemptsRecorded.WithLabelValues("register")),
		"attempts ignored during a cooldown are not counted")

	rec, err := f.engine.Inspect(ctx, "u1", "register")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Attempts)

	f.clock.Advance(600 * time.Second)
	f.attempts(t, "u1", "register", 1)
	assert.Equal(t, recorded+1, testutil.ToFloat64(metrics.AttemptsRecorded.WithLabelValues("register")))
}

func TestRecordAttemptCreatesRecord(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	require.NoError(t, f.engine.RecordAttempt(ctx, "u1", "register"))

	rec, err := f.engine.Inspect(ctx, "u1", "register")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Level)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.ExpiresAt.Equal(f.clock.Now()))
}

func TestRegisterScenario(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	want := []struct {
		retry time.Duration
		level int
	}{
		{600 * time.Second, 1},
		{1200 * time.Second, 2},
		{2400 * time.Second, 3},
	}

	for i, w := range want {
		f.attempts(t, "203.0.113.9", "register", 5)

		d, err := f.engine.Evaluate(ctx, "203.0.113.9", "register")
		require.NoError(t, err)
		require.True(t, d.Blocked, "cycle %d", i)
		assert.Equal(t, w.retry, d.RetryAfter, "cycle %d", i)
		assert.Equal(t, w.level, d.Level, "cycle %d", i)

		f.clock.Advance(d.RetryAfter)
	}

	deleted, err := f.engine.ResetLevel(ctx, "203.0.113.9", "register")
	require.NoError(t, err)
	assert.True(t, deleted)

	d, err := f.engine.Evaluate(ctx, "203.0.113.9", "register")
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())

	_, err = f.engine.Inspect(ctx, "203.0.113.9", "register")
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

func TestLevelIsCapped(t *testing.T) {
	policy := Policy{Scope: "otp", AllowedAttempts: 1, BaseWindow: time.Second, MaxLevel: 2, ResetThreshold: 2}
	f := newEngineFixture(t, policy)
	ctx := context.Background()

	var cooldowns []time.Duration
	for i := 0; i < 5; i++ {
		f.attempts(t, "u1", "otp", 1)
		d, err := f.engine.Evaluate(ctx, "u1", "otp")
		require.NoError(t, err)
		require.True(t, d.Blocked)
		assert.LessOrEqual(t, d.Level, 2)
		cooldowns = append(cooldowns, d.RetryAfter)
		f.clock.Advance(d.RetryAfter)
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, cooldowns)
}

func TestResetLevelBelowThreshold(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	f.attempts(t, "u1", "register", 5)
	_, err := f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)

	deleted, err := f.engine.ResetLevel(ctx, "u1", "register")
	require.NoError(t, err)
	assert.False(t, deleted)

	rec, err := f.engine.Inspect(ctx, "u1", "register")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level)

	deleted, err = f.engine.ResetLevel(ctx, "nobody", "register")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestForgive(t *testing.T) {
	f := newEngineFixture(t, registerPolicy)
	ctx := context.Background()

	f.attempts(t, "u1", "register", 2)

	forgiven, err := f.engine.Forgive(ctx, "u1", "register")
	require.NoError(t, err)
	assert.True(t, forgiven)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []events.Type{events.TypeForgiven}, f.publisher.types())

	forgiven, err = f.engine.Forgive(ctx, "u1", "register")
	require.NoError(t, err)
	assert.False(t, forgiven)
}

func TestScopesAreIndependent(t *testing.T) {
	login := Policy{Scope: "login", AllowedAttempts: 1, BaseWindow: time.Minute, MaxLevel: 5, ResetThreshold: 3}
	f := newEngineFixture(t, registerPolicy, login)
	ctx := context.Background()

	f.attempts(t, "u1", "login", 1)
	d, err := f.engine.Evaluate(ctx, "u1", "login")
	require.NoError(t, err)
	assert.True(t, d.Blocked)

	d, err = f.engine.Evaluate(ctx, "u1", "register")
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())
}
