package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeguard/internal/alerting"
	"tradeguard/internal/lock"
	"tradeguard/internal/metrics"
)

const (
	maxSaveAttempts = 3

	reasonStillTriggered = "condition still triggered during HALF_OPEN check"
	reasonConditionClear = "condition cleared during HALF_OPEN check"
	reasonCooldown       = "cooldown elapsed"
)

// Option customises an Engine.
type Option func(*Engine)

// WithLocker sets the per-breaker lock. Defaults to an in-process keyed mutex.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithDispatcher routes every transition alert through d.
func WithDispatcher(d *alerting.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithMetrics records transitions on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the breaker lifecycle CLOSED -> OPEN -> HALF_OPEN -> CLOSED.
// Every state change is a locked read-modify-write persisted with a version
// compare-and-swap.
type Engine struct {
	repo       Repository
	events     EventStore
	locker     lock.Locker
	dispatcher *alerting.Dispatcher
	metrics    *metrics.Recorder
	now        func() time.Time
	logger     zerolog.Logger
}

// NewEngine wires an engine over its persistence collaborators.
func NewEngine(repo Repository, events EventStore, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		events: events,
		locker: lock.NewKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "breaker_engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateBreaker validates and stores a new CLOSED breaker.
func (e *Engine) CreateBreaker(ctx context.Context, tenantID string, in BreakerInput) (CircuitBreaker, error) {
	if strings.TrimSpace(tenantID) == "" {
		return CircuitBreaker{}, fmt.Errorf("%w: tenant id is required", ErrInvalidBreaker)
	}
	id := in.BreakerID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	b := CircuitBreaker{
		BreakerID:        id,
		TenantID:         tenantID,
		Name:             strings.TrimSpace(in.Name),
		Condition:        in.Condition,
		Scope:            in.Scope,
		ScopeID:          in.ScopeID,
		State:            StateClosed,
		CooldownMinutes:  in.CooldownMinutes,
		AutoResetEnabled: in.AutoResetEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := validateBreaker(b); err != nil {
		return CircuitBreaker{}, err
	}
	if err := e.repo.CreateBreaker(ctx, b); err != nil {
		return CircuitBreaker{}, fmt.Errorf("create breaker: %w", err)
	}

	e.logger.Info().Str("tenant_id", tenantID).Str("breaker_id", id).
		Str("condition", string(b.Condition.Type())).
		Str("scope", string(b.Scope)).
		Msg("breaker created")
	return b, nil
}

// GetBreaker loads one breaker.
func (e *Engine) GetBreaker(ctx context.Context, tenantID, breakerID string) (CircuitBreaker, error) {
	return e.repo.GetBreaker(ctx, tenantID, breakerID)
}

// ListBreakers lists the tenant's breakers.
func (e *Engine) ListBreakers(ctx context.Context, tenantID string) ([]CircuitBreaker, error) {
	breakers, err := e.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	return breakers, nil
}

// UpdateBreaker changes configuration fields. State and trip count are never
// writable here.
func (e *Engine) UpdateBreaker(ctx context.Context, tenantID, breakerID string, upd BreakerUpdate) (CircuitBreaker, error) {
	tr, err := e.mutate(ctx, tenantID, breakerID, func(b *CircuitBreaker) (bool, error) {
		if upd.Name != nil {
			b.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Condition != nil {
			if err := ValidateCondition(upd.Condition); err != nil {
				return false, fmt.Errorf("%w: %v", ErrInvalidBreaker, err)
			}
			b.Condition = upd.Condition
		}
		if upd.Scope != nil {
			b.Scope = *upd.Scope
		}
		if upd.ScopeID != nil {
			b.ScopeID = *upd.ScopeID
		}
		if upd.CooldownMinutes != nil {
			b.CooldownMinutes = *upd.CooldownMinutes
		}
		if upd.AutoResetEnabled != nil {
			b.AutoResetEnabled = *upd.AutoResetEnabled
		}
		return true, validateFields(*b)
	}, nil)
	if err != nil {
		return CircuitBreaker{}, err
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("breaker_id", breakerID).Msg("breaker updated")
	return tr.after, nil
}

// DeleteBreaker removes the breaker and its event history.
func (e *Engine) DeleteBreaker(ctx context.Context, tenantID, breakerID string) error {
	unlock, err := e.locker.Lock(ctx, lockKey(tenantID, breakerID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.repo.DeleteBreaker(ctx, tenantID, breakerID); err != nil {
		return fmt.Errorf("delete breaker: %w", err)
	}
	if err := e.events.ClearEventHistory(ctx, tenantID, breakerID); err != nil {
		return fmt.Errorf("clear event history: %w", err)
	}
	e.metrics.BreakerRemoved(tenantID, breakerID)
	e.logger.Info().Str("tenant_id", tenantID).Str("breaker_id", breakerID).Msg("breaker deleted")
	return nil
}

// CheckBreakers evaluates every CLOSED breaker whose scope matches tc, trips
// those whose condition fires, and reports the matching breakers that block
// trading.
func (e *Engine) CheckBreakers(ctx context.Context, tenantID string, tc TradingContext, opts ...TransitionOption) (CheckResult, error) {
	breakers, err := e.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list breakers: %w", err)
	}

	result := CheckResult{
		OpenBreakers:     []CircuitBreaker{},
		HalfOpenBreakers: []CircuitBreaker{},
	}
	for _, b := range breakers {
		if !Matches(b, tc) {
			continue
		}

		current := b
		if b.State == StateClosed {
			var eval Evaluation
			tr, err := e.mutate(ctx, tenantID, b.BreakerID, func(nb *CircuitBreaker) (bool, error) {
				if nb.State != StateClosed {
					return false, nil
				}
				var evalErr error
				eval, evalErr = e.evaluate(ctx, *nb, tc)
				if evalErr != nil || !eval.Triggered {
					return false, evalErr
				}
				e.applyTrip(nb)
				return true, nil
			}, nil)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return CheckResult{}, fmt.Errorf("check breaker %s: %w", b.BreakerID, err)
			}
			current = tr.after
			if tr.changed {
				e.afterTransition(ctx, tr, AlertTripped, eval.Message, &eval, false, opts)
			}
		}

		switch current.State {
		case StateOpen:
			result.OpenBreakers = append(result.OpenBreakers, current)
		case StateHalfOpen:
			result.HalfOpenBreakers = append(result.HalfOpenBreakers, current)
		}
	}

	result.AllClosed = len(result.OpenBreakers) == 0 && len(result.HalfOpenBreakers) == 0
	return result, nil
}

// IsTradingAllowed reports CheckBreakers(...).AllClosed.
func (e *Engine) IsTradingAllowed(ctx context.Context, tenantID string, tc TradingContext) (bool, error) {
	res, err := e.CheckBreakers(ctx, tenantID, tc)
	if err != nil {
		return false, err
	}
	return res.AllClosed, nil
}

// TripBreaker forces the breaker OPEN from any state. The trip count is
// incremented and the trip time re-stamped even when it is already OPEN.
func (e *Engine) TripBreaker(ctx context.Context, tenantID, breakerID, reason string, opts ...TransitionOption) (CircuitBreaker, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual trip"
	}
	tr, err := e.mutate(ctx, tenantID, breakerID, func(b *CircuitBreaker) (bool, error) {
		e.applyTrip(b)
		return true, nil
	}, nil)
	if err != nil {
		return CircuitBreaker{}, err
	}
	e.afterTransition(ctx, tr, AlertTripped, reason, nil, false, opts)
	return tr.after, nil
}

// ResetBreaker closes the breaker and clears its event history. Overriding an
// OPEN breaker requires a non-empty authToken.
func (e *Engine) ResetBreaker(ctx context.Context, tenantID, breakerID, authToken string, opts ...TransitionOption) (CircuitBreaker, error) {
	return e.reset(ctx, tenantID, breakerID, authToken, false, "manual reset", opts)
}

// reset is shared by the manual path and the auto-reset sweep; only the
// sweep passes auto=true, which skips the token requirement.
func (e *Engine) reset(ctx context.Context, tenantID, breakerID, authToken string, auto bool, reason string, opts []TransitionOption) (CircuitBreaker, error) {
	tr, err := e.mutate(ctx, tenantID, breakerID, func(b *CircuitBreaker) (bool, error) {
		if !auto && b.State == StateOpen && authToken == "" {
			return false, fmt.Errorf("reset breaker %s: %w", breakerID, ErrAuthenticationRequired)
		}
		b.State = StateClosed
		return true, nil
	}, func(next CircuitBreaker) error {
		if err := e.events.ClearEventHistory(ctx, tenantID, breakerID); err != nil {
			return fmt.Errorf("clear event history: %w", err)
		}
		return nil
	})
	if err != nil {
		return CircuitBreaker{}, err
	}
	e.afterTransition(ctx, tr, AlertClosed, reason, nil, auto, opts)
	return tr.after, nil
}

// TransitionToHalfOpen moves an OPEN breaker whose cooldown has elapsed to HALF_OPEN.
func (e *Engine) TransitionToHalfOpen(ctx context.Context, tenantID, breakerID string, opts ...TransitionOption) (CircuitBreaker, error) {
	return e.halfOpen(ctx, tenantID, breakerID, false, opts)
}

func (e *Engine) halfOpen(ctx context.Context, tenantID, breakerID string, auto bool, opts []TransitionOption) (CircuitBreaker, error) {
	tr, err := e.mutate(ctx, tenantID, breakerID, func(b *CircuitBreaker) (bool, error) {
		if b.State != StateOpen {
			return false, &TransitionError{BreakerID: breakerID, From: b.State, To: StateHalfOpen}
		}
		if !e.IsCooldownElapsed(*b) {
			return false, &TransitionError{BreakerID: breakerID, From: b.State, To: StateHalfOpen, Reason: "cooldown not elapsed"}
		}
		b.State = StateHalfOpen
		return true, nil
	}, nil)
	if err != nil {
		return CircuitBreaker{}, err
	}
	e.afterTransition(ctx, tr, AlertHalfOpen, reasonCooldown, nil, auto, opts)
	return tr.after, nil
}

// IsCooldownElapsed reports whether an OPEN breaker has waited out its cooldown.
// It is always false for breakers that are not OPEN.
func (e *Engine) IsCooldownElapsed(b CircuitBreaker) bool {
	if b.State != StateOpen {
		return false
	}
	end, ok := b.CooldownEndsAt()
	if !ok {
		return false
	}
	return !e.now().Before(end)
}

// AutoResetReport lists the breakers each sweep step touched.
type AutoResetReport struct {
	TenantID   string   `json:"tenantId"`
	HalfOpened []string `json:"halfOpened"`
	Closed     []string `json:"closed"`
	Retripped  []string `json:"retripped"`
}

// ProcessAutoReset advances every auto-reset breaker of the tenant by one
// step: OPEN breakers past cooldown go HALF_OPEN; HALF_OPEN breakers are
// re-evaluated against a neutral context and either close or trip again.
// Failures on one breaker do not stop the sweep; they are joined and returned.
func (e *Engine) ProcessAutoReset(ctx context.Context, tenantID string, opts ...TransitionOption) (AutoResetReport, error) {
	report := AutoResetReport{TenantID: tenantID}
	breakers, err := e.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		e.metrics.AutoResetSweep(true)
		return report, fmt.Errorf("list breakers: %w", err)
	}

	var errs []error
	for _, b := range breakers {
		if !b.AutoResetEnabled {
			continue
		}
		switch b.State {
		case StateOpen:
			if !e.IsCooldownElapsed(b) {
				continue
			}
			if _, err := e.halfOpen(ctx, tenantID, b.BreakerID, true, opts); err != nil {
				errs = append(errs, err)
				continue
			}
			report.HalfOpened = append(report.HalfOpened, b.BreakerID)

		case StateHalfOpen:
			outcome, err := e.probeHalfOpen(ctx, tenantID, b.BreakerID, opts)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			switch outcome {
			case StateClosed:
				report.Closed = append(report.Closed, b.BreakerID)
			case StateOpen:
				report.Retripped = append(report.Retripped, b.BreakerID)
			}
		}
	}

	joined := errors.Join(errs...)
	e.metrics.AutoResetSweep(joined != nil)
	if joined != nil {
		e.logger.Error().Err(joined).Str("tenant_id", tenantID).Msg("auto reset sweep finished with errors")
	}
	return report, joined
}

func (e *Engine) probeHalfOpen(ctx context.Context, tenantID, breakerID string, opts []TransitionOption) (State, error) {
	var eval Evaluation
	tr, err := e.mutate(ctx, tenantID, breakerID, func(b *CircuitBreaker) (bool, error) {
		if b.State != StateHalfOpen {
			return false, nil
		}
		var evalErr error
		eval, evalErr = e.evaluate(ctx, *b, TradingContext{})
		if evalErr != nil {
			return false, evalErr
		}
		if eval.Triggered {
			e.applyTrip(b)
		} else {
			b.State = StateClosed
		}
		return true, nil
	}, func(next CircuitBreaker) error {
		if next.State != StateClosed {
			return nil
		}
		if err := e.events.ClearEventHistory(ctx, tenantID, breakerID); err != nil {
			return fmt.Errorf("clear event history: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !tr.changed {
		return tr.after.State, nil
	}
	if tr.after.State == StateOpen {
		e.afterTransition(ctx, tr, AlertTripped, reasonStillTriggered, &eval, true, opts)
	} else {
		e.afterTransition(ctx, tr, AlertClosed, reasonConditionClear, &eval, true, opts)
	}
	return tr.after.State, nil
}

// RecordEvent appends ev to the history of every breaker whose scope matches
// the event's strategy and asset, returning how many breakers received it.
func (e *Engine) RecordEvent(ctx context.Context, tenantID string, ev TradingEvent) (int, error) {
	switch ev.EventType {
	case EventTrade, EventError, EventPriceUpdate:
	default:
		return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidBreaker, ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	breakers, err := e.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list breakers: %w", err)
	}

	tc := ContextForEvent(ev)
	recorded := 0
	for _, b := range breakers {
		if !Matches(b, tc) {
			continue
		}
		if err := e.events.RecordEvent(ctx, tenantID, b.BreakerID, ev); err != nil {
			return recorded, fmt.Errorf("record event for breaker %s: %w", b.BreakerID, err)
		}
		recorded++
	}
	return recorded, nil
}

type transition struct {
	before  CircuitBreaker
	after   CircuitBreaker
	changed bool
}

// mutate runs fn on a fresh copy of the breaker under the per-breaker lock
// and persists the result with a version check, retrying on conflicts.
// beforeSave, when set, runs on the changed copy before it is written; an
// error from it leaves the stored breaker untouched.
func (e *Engine) mutate(ctx context.Context, tenantID, breakerID string, fn func(b *CircuitBreaker) (bool, error), beforeSave func(next CircuitBreaker) error) (transition, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(tenantID, breakerID))
	if err != nil {
		return transition{}, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		current, err := e.repo.GetBreaker(ctx, tenantID, breakerID)
		if err != nil {
			return transition{}, err
		}

		next := current
		changed, err := fn(&next)
		if err != nil {
			return transition{}, err
		}
		if !changed {
			return transition{before: current, after: current}, nil
		}

		if beforeSave != nil {
			if err := beforeSave(next); err != nil {
				return transition{}, err
			}
		}

		next.UpdatedAt = e.now()
		saved, err := e.repo.SaveBreaker(ctx, next, current.Version)
		if errors.Is(err, ErrConflict) && attempt < maxSaveAttempts {
			e.logger.Warn().Str("tenant_id", tenantID).Str("breaker_id", breakerID).
				Int("attempt", attempt).Msg("breaker changed concurrently; retrying")
			continue
		}
		if err != nil {
			return transition{}, fmt.Errorf("save breaker %s: %w", breakerID, err)
		}
		return transition{before: current, after: saved, changed: true}, nil
	}
}

func (e *Engine) applyTrip(b *CircuitBreaker) {
	now := e.now()
	b.State = StateOpen
	b.TripCount++
	b.LastTrippedAt = &now
}

func (e *Engine) evaluate(ctx context.Context, b CircuitBreaker, tc TradingContext) (Evaluation, error) {
	stats := storeStats{store: e.events, tenantID: b.TenantID, breakerID: b.BreakerID, now: e.now()}
	logger := e.logger.With().Str("tenant_id", b.TenantID).Str("breaker_id", b.BreakerID).Logger()
	return Evaluate(ctx, b.Condition, tc, stats, logger)
}

func validateBreaker(b CircuitBreaker) error {
	if err := validateFields(b); err != nil {
		return err
	}
	if err := ValidateCondition(b.Condition); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBreaker, err)
	}
	return nil
}

// validateFields checks everything but the condition, so a stored condition
// of an unknown kind does not block unrelated edits.
func validateFields(b CircuitBreaker) error {
	if b.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidBreaker)
	}
	if !validScope(b.Scope) {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidBreaker, b.Scope)
	}
	if b.Scope == ScopePortfolio && b.ScopeID != "" {
		return fmt.Errorf("%w: PORTFOLIO scope does not take a scope id", ErrInvalidBreaker)
	}
	if b.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldownMinutes cannot be negative", ErrInvalidBreaker)
	}
	return nil
}

func lockKey(tenantID, breakerID string) string {
	return tenantID + "/" + breakerID
}
