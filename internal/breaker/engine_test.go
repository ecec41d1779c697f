package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/alerting"
	"tradeguard/internal/breaker"
	"tradeguard/internal/metrics"
	"tradeguard/internal/storage"
)

const tenant = "tenant-1"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *breaker.Engine
	store  *storage.MemoryStore
	clock  *clock
}

func newFixture(t *testing.T, opts ...breaker.Option) fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := newClock()
	opts = append([]breaker.Option{breaker.WithClock(clk.Now)}, opts...)
	return fixture{
		engine: breaker.NewEngine(store, store, zerolog.Nop(), opts...),
		store:  store,
		clock:  clk,
	}
}

func (f fixture) create(t *testing.T, in breaker.BreakerInput) breaker.CircuitBreaker {
	t.Helper()
	if in.Name == "" {
		in.Name = "guard"
	}
	if in.Scope == "" {
		in.Scope = breaker.ScopePortfolio
	}
	b, err := f.engine.CreateBreaker(context.Background(), tenant, in)
	require.NoError(t, err)
	return b
}

func (f fixture) get(t *testing.T, id string) breaker.CircuitBreaker {
	t.Helper()
	b, err := f.engine.GetBreaker(context.Background(), tenant, id)
	require.NoError(t, err)
	return b
}

func ptr(v float64) *float64 { return &v }

func failure(strategy string) breaker.TradingEvent {
	return breaker.TradingEvent{EventType: breaker.EventTrade, StrategyID: strategy, Success: false}
}

func TestCreateBreakerDefaults(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 3}})

	assert.NotEmpty(t, b.BreakerID)
	assert.Equal(t, breaker.StateClosed, b.State)
	assert.Equal(t, 0, b.TripCount)
	assert.Nil(t, b.LastTrippedAt)
	assert.Equal(t, int64(1), b.Version)
	assert.Equal(t, f.clock.Now(), b.CreatedAt)
}

func TestCreateBreakerValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := breaker.ConsecutiveFailuresCondition{Count: 1}

	cases := map[string]breaker.BreakerInput{
		"missing name":       {Condition: valid, Scope: breaker.ScopePortfolio},
		"unknown condition":  {Name: "x", Condition: breaker.UnknownCondition{Kind: "VOLATILITY"}, Scope: breaker.ScopePortfolio},
		"missing condition":  {Name: "x", Scope: breaker.ScopePortfolio},
		"bad threshold":      {Name: "x", Condition: breaker.LossRateCondition{LossPercent: 120, TimeWindowMinutes: 5}, Scope: breaker.ScopePortfolio},
		"unknown scope":      {Name: "x", Condition: valid, Scope: "DESK"},
		"portfolio scope id": {Name: "x", Condition: valid, Scope: breaker.ScopePortfolio, ScopeID: "S1"},
		"negative cooldown":  {Name: "x", Condition: valid, Scope: breaker.ScopePortfolio, CooldownMinutes: -1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.CreateBreaker(ctx, tenant, in)
			assert.True(t, errors.Is(err, breaker.ErrInvalidBreaker), "got %v", err)
		})
	}

	_, err := f.engine.CreateBreaker(ctx, "", breaker.BreakerInput{Name: "x", Condition: valid, Scope: breaker.ScopePortfolio})
	assert.Error(t, err)

	f.create(t, breaker.BreakerInput{BreakerID: "dup", Condition: valid})
	_, err = f.engine.CreateBreaker(ctx, tenant, breaker.BreakerInput{BreakerID: "dup", Name: "x", Condition: valid, Scope: breaker.ScopePortfolio})
	assert.True(t, errors.Is(err, breaker.ErrAlreadyExists))
}

func TestCheckBreakersTripsAtThreshold(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, breaker.BreakerInput{Condition: breaker.LossRateCondition{LossPercent: 50, TimeWindowMinutes: 60}})

	var alerts []breaker.BreakerAlert
	cb := breaker.WithAlertCallback(func(a breaker.BreakerAlert) { alerts = append(alerts, a) })

	res, err := f.engine.CheckBreakers(context.Background(), tenant, breaker.TradingContext{RecentLossPercent: ptr(49.99)}, cb)
	require.NoError(t, err)
	assert.True(t, res.AllClosed)
	assert.Empty(t, alerts)

	res, err = f.engine.CheckBreakers(context.Background(), tenant, breaker.TradingContext{RecentLossPercent: ptr(50)}, cb)
	require.NoError(t, err)
	assert.False(t, res.AllClosed)
	require.Len(t, res.OpenBreakers, 1)
	assert.Empty(t, res.HalfOpenBreakers)

	tripped := f.get(t, b.BreakerID)
	assert.Equal(t, breaker.StateOpen, tripped.State)
	assert.Equal(t, 1, tripped.TripCount)
	require.NotNil(t, tripped.LastTrippedAt)
	assert.Equal(t, f.clock.Now(), *tripped.LastTrippedAt)

	require.Len(t, alerts, 1)
	assert.Equal(t, breaker.AlertTripped, alerts[0].Type)
	assert.Equal(t, breaker.StateClosed, alerts[0].PreviousState)
	assert.Equal(t, breaker.StateOpen, alerts[0].NewState)
	require.NotNil(t, alerts[0].Evaluation)
	assert.Equal(t, 50.0, alerts[0].Evaluation.CurrentValue)

	// an OPEN breaker is reported but not re-evaluated
	res, err = f.engine.CheckBreakers(context.Background(), tenant, breaker.TradingContext{RecentLossPercent: ptr(90)}, cb)
	require.NoError(t, err)
	assert.Len(t, res.OpenBreakers, 1)
	assert.Equal(t, 1, f.get(t, b.BreakerID).TripCount)
	assert.Len(t, alerts, 1)
}

func TestCheckBreakersUsesEventHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 3}})

	for i := 0; i < 2; i++ {
		n, err := f.engine.RecordEvent(ctx, tenant, failure("S1"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	allowed, err := f.engine.IsTradingAllowed(ctx, tenant, breaker.TradingContext{})
	require.NoError(t, err)
	assert.True(t, allowed)

	_, err = f.engine.RecordEvent(ctx, tenant, failure("S1"))
	require.NoError(t, err)
	allowed, err = f.engine.IsTradingAllowed(ctx, tenant, breaker.TradingContext{})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, breaker.StateOpen, f.get(t, b.BreakerID).State)
}

func TestScopeIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scoped := f.create(t, breaker.BreakerInput{
		Condition: breaker.PriceDeviationCondition{DeviationPercent: 5, TimeWindowMinutes: 10},
		Scope:     breaker.ScopeStrategy,
		ScopeID:   "S1",
	})

	res, err := f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{StrategyID: "S2", PriceDeviation: ptr(-40)})
	require.NoError(t, err)
	assert.True(t, res.AllClosed)
	assert.Equal(t, breaker.StateClosed, f.get(t, scoped.BreakerID).State)

	n, err := f.engine.RecordEvent(ctx, tenant, failure("S2"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	res, err = f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{StrategyID: "S1", PriceDeviation: ptr(-5)})
	require.NoError(t, err)
	assert.False(t, res.AllClosed)
	assert.Equal(t, breaker.StateOpen, f.get(t, scoped.BreakerID).State)

	// an OPEN breaker for S1 does not block S2
	res, err = f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{StrategyID: "S2"})
	require.NoError(t, err)
	assert.True(t, res.AllClosed)
}

func TestUnscopedStrategyBreakerMatchesEverything(t *testing.T) {
	f := newFixture(t)
	f.create(t, breaker.BreakerInput{
		Condition: breaker.ErrorRateCondition{ErrorPercent: 10, SampleSize: 10},
		Scope:     breaker.ScopeStrategy,
	})
	res, err := f.engine.CheckBreakers(context.Background(), tenant, breaker.TradingContext{StrategyID: "anything", RecentErrorRate: ptr(10)})
	require.NoError(t, err)
	assert.False(t, res.AllClosed)
}

func TestTripBreakerFromAnyState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 5}})

	var alerts []breaker.BreakerAlert
	cb := breaker.WithAlertCallback(func(a breaker.BreakerAlert) { alerts = append(alerts, a) })

	first, err := f.engine.TripBreaker(ctx, tenant, b.BreakerID, "operator halt", cb)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, first.State)
	assert.Equal(t, 1, first.TripCount)

	f.clock.Advance(time.Minute)
	second, err := f.engine.TripBreaker(ctx, tenant, b.BreakerID, "", cb)
	require.NoError(t, err)
	assert.Equal(t, 2, second.TripCount)
	assert.Equal(t, f.clock.Now(), *second.LastTrippedAt)

	require.Len(t, alerts, 2)
	assert.Equal(t, "operator halt", alerts[0].Reason)
	assert.Equal(t, breaker.StateOpen, alerts[1].PreviousState)
	assert.Equal(t, "manual trip", alerts[1].Reason)
}

func TestResetRequiresTokenWhenOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 1}})

	_, err := f.engine.RecordEvent(ctx, tenant, failure(""))
	require.NoError(t, err)
	_, err = f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{})
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, f.get(t, b.BreakerID).State)

	_, err = f.engine.ResetBreaker(ctx, tenant, b.BreakerID, "")
	assert.True(t, errors.Is(err, breaker.ErrAuthenticationRequired))
	assert.Equal(t, breaker.StateOpen, f.get(t, b.BreakerID).State)
	failures, _ := f.store.GetConsecutiveFailures(ctx, tenant, b.BreakerID)
	assert.Equal(t, 1, failures, "rejected reset must not clear history")

	var alerts []breaker.BreakerAlert
	reset, err := f.engine.ResetBreaker(ctx, tenant, b.BreakerID, "ops-token",
		breaker.WithAlertCallback(func(a breaker.BreakerAlert) { alerts = append(alerts, a) }))
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, reset.State)
	failures, _ = f.store.GetConsecutiveFailures(ctx, tenant, b.BreakerID)
	assert.Equal(t, 0, failures)
	require.Len(t, alerts, 1)
	assert.Equal(t, breaker.AlertClosed, alerts[0].Type)
	assert.False(t, alerts[0].Automatic)

	// trip count survives a reset
	assert.Equal(t, 1, reset.TripCount)
}

func TestResetFromHalfOpenNeedsNoToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 1}, CooldownMinutes: 1})

	_, err := f.engine.TripBreaker(ctx, tenant, b.BreakerID, "test")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.engine.TransitionToHalfOpen(ctx, tenant, b.BreakerID)
	require.NoError(t, err)

	reset, err := f.engine.ResetBreaker(ctx, tenant, b.BreakerID, "")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, reset.State)
}

func TestTransitionToHalfOpenLegality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 1}, CooldownMinutes: 10})

	_, err := f.engine.TransitionToHalfOpen(ctx, tenant, b.BreakerID)
	assert.True(t, errors.Is(err, breaker.ErrIllegalTransition), "from CLOSED")

	_, err = f.engine.TripBreaker(ctx, tenant, b.BreakerID, "test")
	require.NoError(t, err)

	_, err = f.engine.TransitionToHalfOpen(ctx, tenant, b.BreakerID)
	var terr *breaker.TransitionError
	require.True(t, errors.As(err, &terr), "before cooldown")
	assert.Equal(t, breaker.StateOpen, terr.From)

	f.clock.Advance(10 * time.Minute)
	var alerts []breaker.BreakerAlert
	half, err := f.engine.TransitionToHalfOpen(ctx, tenant, b.BreakerID,
		breaker.WithAlertCallback(func(a breaker.BreakerAlert) { alerts = append(alerts, a) }))
	require.NoError(t, err)
	assert.Equal(t, breaker.StateHalfOpen, half.State)
	require.Len(t, alerts, 1)
	assert.Equal(t, breaker.AlertHalfOpen, alerts[0].Type)

	_, err = f.engine.TransitionToHalfOpen(ctx, tenant, b.BreakerID)
	assert.True(t, errors.Is(err, breaker.ErrIllegalTransition), "from HALF_OPEN")

	res, err := f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{})
	require.NoError(t, err)
	assert.False(t, res.AllClosed)
	assert.Len(t, res.HalfOpenBreakers, 1)
}

func TestIsCooldownElapsed(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	tripped := now.Add(-10 * time.Minute)
	b := breaker.CircuitBreaker{State: breaker.StateOpen, CooldownMinutes: 10, LastTrippedAt: &tripped}

	assert.True(t, f.engine.IsCooldownElapsed(b))

	justBefore := now.Add(-10*time.Minute + time.Second)
	b.LastTrippedAt = &justBefore
	assert.False(t, f.engine.IsCooldownElapsed(b))

	b.LastTrippedAt = nil
	assert.False(t, f.engine.IsCooldownElapsed(b))

	for _, state := range []breaker.State{breaker.StateClosed, breaker.StateHalfOpen} {
		b := breaker.CircuitBreaker{State: state, LastTrippedAt: &tripped}
		assert.False(t, f.engine.IsCooldownElapsed(b), state)
	}
}

func TestProcessAutoResetLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auto := f.create(t, breaker.BreakerInput{
		BreakerID:        "auto",
		Condition:        breaker.ConsecutiveFailuresCondition{Count: 2},
		CooldownMinutes:  5,
		AutoResetEnabled: true,
	})
	manual := f.create(t, breaker.BreakerInput{
		BreakerID:       "manual",
		Condition:       breaker.ConsecutiveFailuresCondition{Count: 2},
		CooldownMinutes: 5,
	})

	for i := 0; i < 2; i++ {
		_, err := f.engine.RecordEvent(ctx, tenant, failure(""))
		require.NoError(t, err)
	}
	_, err := f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{})
	require.NoError(t, err)

	report, err := f.engine.ProcessAutoReset(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, report.HalfOpened, "cooldown still running")

	f.clock.Advance(5 * time.Minute)
	report, err = f.engine.ProcessAutoReset(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"auto"}, report.HalfOpened)
	assert.Equal(t, breaker.StateHalfOpen, f.get(t, auto.BreakerID).State)
	assert.Equal(t, breaker.StateOpen, f.get(t, manual.BreakerID).State)

	// failures are still in history, so the probe trips again
	var alerts []breaker.BreakerAlert
	report, err = f.engine.ProcessAutoReset(ctx, tenant,
		breaker.WithAlertCallback(func(a breaker.BreakerAlert) { alerts = append(alerts, a) }))
	require.NoError(t, err)
	assert.Equal(t, []string{"auto"}, report.Retripped)
	retripped := f.get(t, auto.BreakerID)
	assert.Equal(t, breaker.StateOpen, retripped.State)
	assert.Equal(t, 2, retripped.TripCount)
	require.Len(t, alerts, 1)
	assert.Equal(t, "condition still triggered during HALF_OPEN check", alerts[0].Reason)
	assert.True(t, alerts[0].Automatic)

	f.clock.Advance(5 * time.Minute)
	_, err = f.engine.ProcessAutoReset(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, breaker.StateHalfOpen, f.get(t, auto.BreakerID).State)

	_, err = f.engine.RecordEvent(ctx, tenant, breaker.TradingEvent{EventType: breaker.EventTrade, Success: true})
	require.NoError(t, err)
	report, err = f.engine.ProcessAutoReset(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"auto"}, report.Closed)
	assert.Equal(t, breaker.StateClosed, f.get(t, auto.BreakerID).State)

	manualEvents, _ := f.store.ListEvents(ctx, tenant, "manual", 0)
	assert.Len(t, manualEvents, 3)
	events, _ := f.store.ListEvents(ctx, tenant, "auto", 0)
	assert.Empty(t, events, "auto close clears history")
}

type flakyRepo struct {
	breaker.Repository
	mu        sync.Mutex
	failFor   string
	conflicts int
}

func (r *flakyRepo) SaveBreaker(ctx context.Context, b breaker.CircuitBreaker, expected int64) (breaker.CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.BreakerID == r.failFor {
		return breaker.CircuitBreaker{}, errors.New("disk full")
	}
	if r.conflicts != 0 {
		if r.conflicts > 0 {
			r.conflicts--
		}
		return breaker.CircuitBreaker{}, breaker.ErrConflict
	}
	return r.Repository.SaveBreaker(ctx, b, expected)
}

func TestProcessAutoResetContinuesPastFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := newClock()
	repo := &flakyRepo{Repository: store}
	rec := metrics.NewRecorder()
	engine := breaker.NewEngine(repo, store, zerolog.Nop(), breaker.WithClock(clk.Now), breaker.WithMetrics(rec))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := engine.CreateBreaker(ctx, tenant, breaker.BreakerInput{
			BreakerID: id, Name: id, Scope: breaker.ScopePortfolio,
			Condition: breaker.ConsecutiveFailuresCondition{Count: 1}, AutoResetEnabled: true,
		})
		require.NoError(t, err)
		_, err = engine.TripBreaker(ctx, tenant, id, "test")
		require.NoError(t, err)
	}

	repo.failFor = "a"
	report, err := engine.ProcessAutoReset(ctx, tenant)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"b"}, report.HalfOpened)
}

func TestMutationsRetryOnConflict(t *testing.T) {
	store := storage.NewMemoryStore()
	repo := &flakyRepo{Repository: store}
	engine := breaker.NewEngine(repo, store, zerolog.Nop())
	ctx := context.Background()

	b, err := engine.CreateBreaker(ctx, tenant, breaker.BreakerInput{
		Name: "x", Scope: breaker.ScopePortfolio, Condition: breaker.ConsecutiveFailuresCondition{Count: 1},
	})
	require.NoError(t, err)

	repo.conflicts = 2
	tripped, err := engine.TripBreaker(ctx, tenant, b.BreakerID, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, tripped.TripCount)

	repo.conflicts = -1
	_, err = engine.TripBreaker(ctx, tenant, b.BreakerID, "test")
	assert.True(t, errors.Is(err, breaker.ErrConflict))
}

func TestConcurrentTripsAreSerialised(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 1}})

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.TripBreaker(context.Background(), tenant, b.BreakerID, "load")
		}()
	}
	wg.Wait()

	got := f.get(t, b.BreakerID)
	assert.Equal(t, 25, got.TripCount)
	assert.Equal(t, int64(26), got.Version)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GetBreaker(ctx, tenant, "ghost")
	assert.True(t, errors.Is(err, breaker.ErrNotFound))
	_, err = f.engine.TripBreaker(ctx, tenant, "ghost", "x")
	assert.True(t, errors.Is(err, breaker.ErrNotFound))
	_, err = f.engine.ResetBreaker(ctx, tenant, "ghost", "tok")
	assert.True(t, errors.Is(err, breaker.ErrNotFound))
	_, err = f.engine.TransitionToHalfOpen(ctx, tenant, "ghost")
	assert.True(t, errors.Is(err, breaker.ErrNotFound))
	_, err = f.engine.UpdateBreaker(ctx, tenant, "ghost", breaker.BreakerUpdate{})
	assert.True(t, errors.Is(err, breaker.ErrNotFound))
	assert.True(t, errors.Is(f.engine.DeleteBreaker(ctx, tenant, "ghost"), breaker.ErrNotFound))

	var nf *breaker.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "ghost", nf.BreakerID)
}

func TestUpdateBreakerKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{Condition: breaker.ConsecutiveFailuresCondition{Count: 1}})
	_, err := f.engine.TripBreaker(ctx, tenant, b.BreakerID, "test")
	require.NoError(t, err)

	name := "renamed"
	auto := true
	updated, err := f.engine.UpdateBreaker(ctx, tenant, b.BreakerID, breaker.BreakerUpdate{
		Name:             &name,
		Condition:        breaker.ErrorRateCondition{ErrorPercent: 20, SampleSize: 50},
		AutoResetEnabled: &auto,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, breaker.ConditionErrorRate, updated.Condition.Type())
	assert.True(t, updated.AutoResetEnabled)
	assert.Equal(t, breaker.StateOpen, updated.State)
	assert.Equal(t, 1, updated.TripCount)

	scopeID := "S1"
	_, err = f.engine.UpdateBreaker(ctx, tenant, b.BreakerID, breaker.BreakerUpdate{ScopeID: &scopeID})
	assert.True(t, errors.Is(err, breaker.ErrInvalidBreaker), "portfolio breaker cannot take a scope id")
	assert.Equal(t, "renamed", f.get(t, b.BreakerID).Name)
}

func TestDeleteBreakerClearsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, breaker.BreakerInput{BreakerID: "b1", Condition: breaker.ConsecutiveFailuresCondition{Count: 5}})
	_, err := f.engine.RecordEvent(ctx, tenant, failure(""))
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteBreaker(ctx, tenant, b.BreakerID))
	_, err = f.engine.GetBreaker(ctx, tenant, b.BreakerID)
	assert.True(t, errors.Is(err, breaker.ErrNotFound))

	events, err := f.store.ListEvents(ctx, tenant, b.BreakerID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordEventValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RecordEvent(context.Background(), tenant, breaker.TradingEvent{EventType: "FILL"})
	assert.Error(t, err)
}

func TestUnknownConditionNeverTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateBreaker(ctx, breaker.CircuitBreaker{
		BreakerID: "legacy",
		TenantID:  tenant,
		Name:      "legacy",
		Condition: breaker.UnknownCondition{Kind: "VOLATILITY"},
		Scope:     breaker.ScopePortfolio,
		State:     breaker.StateClosed,
		Version:   1,
	}))

	res, err := f.engine.CheckBreakers(ctx, tenant, breaker.TradingContext{
		RecentLossPercent: ptr(100), PriceDeviation: ptr(100), RecentErrorRate: ptr(100),
	})
	require.NoError(t, err)
	assert.True(t, res.AllClosed)
}

func TestTransitionsReachDispatcherAndMetrics(t *testing.T) {
	rec := metrics.NewRecorder()
	d := alerting.NewDispatcher(zerolog.Nop(), rec)
	var got []alerting.Alert
	d.Register("capture", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		got = append(got, a)
		return nil
	}))
	d.Register("broken", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		return errors.New("unreachable")
	}))

	f := newFixture(t, breaker.WithDispatcher(d), breaker.WithMetrics(rec))
	b := f.create(t, breaker.BreakerInput{Name: "loss guard", Condition: breaker.LossRateCondition{LossPercent: 10, TimeWindowMinutes: 5}})

	_, err := f.engine.CheckBreakers(context.Background(), tenant, breaker.TradingContext{RecentLossPercent: ptr(12)})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, alerting.SourceCircuitBreaker, got[0].Source)
	assert.Equal(t, "TRIPPED", got[0].Kind)
	assert.Equal(t, alerting.SeverityCritical, got[0].Severity)
	assert.Equal(t, b.BreakerID, got[0].Metadata["breaker_id"])
	assert.Equal(t, 12.0, got[0].Value)
	assert.Equal(t, 10.0, got[0].Threshold)
	assert.Equal(t, breaker.StateOpen, f.get(t, b.BreakerID).State)
}

type stuckHistory struct {
	*storage.MemoryStore
}

func (s stuckHistory) ClearEventHistory(context.Context, string, string) error {
	return errors.New("store down")
}

func TestResetKeepsStateWhenHistoryClearFails(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := newClock()
	d := alerting.NewDispatcher(zerolog.Nop(), nil)
	var got []alerting.Alert
	d.Register("capture", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		got = append(got, a)
		return nil
	}))
	engine := breaker.NewEngine(store, stuckHistory{store}, zerolog.Nop(),
		breaker.WithClock(clk.Now), breaker.WithDispatcher(d))
	ctx := context.Background()

	b, err := engine.CreateBreaker(ctx, tenant, breaker.BreakerInput{
		Name: "x", Scope: breaker.ScopePortfolio, Condition: breaker.ConsecutiveFailuresCondition{Count: 1},
		CooldownMinutes: 1, AutoResetEnabled: true,
	})
	require.NoError(t, err)
	_, err = engine.TripBreaker(ctx, tenant, b.BreakerID, "test")
	require.NoError(t, err)
	got = nil

	_, err = engine.ResetBreaker(ctx, tenant, b.BreakerID, "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	stored, err := engine.GetBreaker(ctx, tenant, b.BreakerID)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, stored.State, "失败的 reset 不应落库")
	assert.Equal(t, int64(2), stored.Version)
	assert.Empty(t, got)

	// HALF_OPEN -> CLOSED 的自动探测同样不落库
	clk.Advance(2 * time.Minute)
	_, err = engine.TransitionToHalfOpen(ctx, tenant, b.BreakerID)
	require.NoError(t, err)
	_, err = engine.ProcessAutoReset(ctx, tenant)
	require.Error(t, err)
	stored, err = engine.GetBreaker(ctx, tenant, b.BreakerID)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateHalfOpen, stored.State)
}

func TestUpdateBreakerWithStoredUnknownCondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateBreaker(ctx, breaker.CircuitBreaker{
		BreakerID: "legacy",
		TenantID:  tenant,
		Name:      "legacy",
		Condition: breaker.UnknownCondition{Kind: "VOLATILITY"},
		Scope:     breaker.ScopePortfolio,
		State:     breaker.StateClosed,
		Version:   1,
	}))

	name := "legacy volatility"
	updated, err := f.engine.UpdateBreaker(ctx, tenant, "legacy", breaker.BreakerUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "legacy volatility", updated.Name)
	assert.Equal(t, breaker.ConditionType("VOLATILITY"), updated.Condition.Type())

	_, err = f.engine.UpdateBreaker(ctx, tenant, "legacy", breaker.BreakerUpdate{
		Condition: breaker.UnknownCondition{Kind: "VOLUME"},
	})
	assert.True(t, errors.Is(err, breaker.ErrInvalidBreaker))

	fixed, err := f.engine.UpdateBreaker(ctx, tenant, "legacy", breaker.BreakerUpdate{
		Condition: breaker.ConsecutiveFailuresCondition{Count: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, breaker.ConditionConsecutiveFailures, fixed.Condition.Type())
}
