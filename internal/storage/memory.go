package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/quality"
)

// MemoryStore is a process-local implementation of every store interface.
// It backs tests and database-less runs.
type MemoryStore struct {
	mu            sync.RWMutex
	breakers      map[string]map[string]breaker.CircuitBreaker
	events        map[string][]breaker.TradingEvent
	scores        []quality.Score
	scoreCapacity int
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithScoreCapacity bounds how many quality scores are retained; the oldest
// are dropped first.
func WithScoreCapacity(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.scoreCapacity = n
		}
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		breakers:      make(map[string]map[string]breaker.CircuitBreaker),
		events:        make(map[string][]breaker.TradingEvent),
		scoreCapacity: quality.DefaultHistoryCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func eventKey(tenantID, breakerID string) string {
	return tenantID + "/" + breakerID
}

func cloneBreaker(b breaker.CircuitBreaker) breaker.CircuitBreaker {
	if b.LastTrippedAt != nil {
		t := *b.LastTrippedAt
		b.LastTrippedAt = &t
	}
	return b
}

// GetBreaker loads one breaker.
func (m *MemoryStore) GetBreaker(ctx context.Context, tenantID, breakerID string) (breaker.CircuitBreaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[tenantID][breakerID]
	if !ok {
		return breaker.CircuitBreaker{}, &breaker.NotFoundError{TenantID: tenantID, BreakerID: breakerID}
	}
	return cloneBreaker(b), nil
}

// CreateBreaker inserts a new breaker.
func (m *MemoryStore) CreateBreaker(ctx context.Context, b breaker.CircuitBreaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, ok := m.breakers[b.TenantID]
	if !ok {
		tenant = make(map[string]breaker.CircuitBreaker)
		m.breakers[b.TenantID] = tenant
	}
	if _, exists := tenant[b.BreakerID]; exists {
		return fmt.Errorf("breaker %s: %w", b.BreakerID, breaker.ErrAlreadyExists)
	}
	tenant[b.BreakerID] = cloneBreaker(b)
	return nil
}

// SaveBreaker writes b if the stored version still equals expectedVersion.
func (m *MemoryStore) SaveBreaker(ctx context.Context, b breaker.CircuitBreaker, expectedVersion int64) (breaker.CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.breakers[b.TenantID][b.BreakerID]
	if !ok {
		return breaker.CircuitBreaker{}, &breaker.NotFoundError{TenantID: b.TenantID, BreakerID: b.BreakerID}
	}
	if current.Version != expectedVersion {
		return breaker.CircuitBreaker{}, fmt.Errorf("breaker %s at version %d: %w", b.BreakerID, expectedVersion, breaker.ErrConflict)
	}
	b.Version = expectedVersion + 1
	b.CreatedAt = current.CreatedAt
	m.breakers[b.TenantID][b.BreakerID] = cloneBreaker(b)
	return cloneBreaker(b), nil
}

// DeleteBreaker removes one breaker.
func (m *MemoryStore) DeleteBreaker(ctx context.Context, tenantID, breakerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[tenantID][breakerID]; !ok {
		return &breaker.NotFoundError{TenantID: tenantID, BreakerID: breakerID}
	}
	delete(m.breakers[tenantID], breakerID)
	if len(m.breakers[tenantID]) == 0 {
		delete(m.breakers, tenantID)
	}
	return nil
}

// ListBreakers lists a tenant's breakers in creation order.
func (m *MemoryStore) ListBreakers(ctx context.Context, tenantID string) ([]breaker.CircuitBreaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]breaker.CircuitBreaker, 0, len(m.breakers[tenantID]))
	for _, b := range m.breakers[tenantID] {
		out = append(out, cloneBreaker(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BreakerID < out[j].BreakerID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListTenants lists every tenant owning at least one breaker.
func (m *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenants := make([]string, 0, len(m.breakers))
	for tenant := range m.breakers {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// RecordEvent inserts ev keeping the history ordered by timestamp.
func (m *MemoryStore) RecordEvent(ctx context.Context, tenantID, breakerID string, ev breaker.TradingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(tenantID, breakerID)
	history := m.events[key]
	i := sort.Search(len(history), func(i int) bool { return history[i].Timestamp.After(ev.Timestamp) })
	history = append(history, breaker.TradingEvent{})
	copy(history[i+1:], history[i:])
	history[i] = ev
	m.events[key] = history
	return nil
}

// ClearEventHistory drops every event of the breaker.
func (m *MemoryStore) ClearEventHistory(ctx context.Context, tenantID, breakerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventKey(tenantID, breakerID))
	return nil
}

// ListEvents returns up to limit of the newest events, oldest first.
func (m *MemoryStore) ListEvents(ctx context.Context, tenantID, breakerID string, limit int) ([]breaker.TradingEvent, error) {
	history := m.snapshot(tenantID, breakerID)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// CalculateLossRate returns the losing share of TRADE events since the given time, in percent.
func (m *MemoryStore) CalculateLossRate(ctx context.Context, tenantID, breakerID string, since time.Time) (float64, error) {
	return breaker.LossRate(m.snapshot(tenantID, breakerID), since), nil
}

// GetConsecutiveFailures counts failures from the newest outcome back to the first success.
func (m *MemoryStore) GetConsecutiveFailures(ctx context.Context, tenantID, breakerID string) (int, error) {
	return breaker.ConsecutiveFailures(m.snapshot(tenantID, breakerID)), nil
}

// GetMaxPriceDeviation returns the largest absolute deviation since the given time.
func (m *MemoryStore) GetMaxPriceDeviation(ctx context.Context, tenantID, breakerID string, since time.Time) (float64, error) {
	return breaker.MaxPriceDeviation(m.snapshot(tenantID, breakerID), since), nil
}

// CalculateErrorRate returns the errored share of the newest sampleSize outcomes, in percent.
func (m *MemoryStore) CalculateErrorRate(ctx context.Context, tenantID, breakerID string, sampleSize int) (float64, error) {
	return breaker.ErrorRate(m.snapshot(tenantID, breakerID), sampleSize), nil
}

func (m *MemoryStore) snapshot(tenantID, breakerID string) []breaker.TradingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.events[eventKey(tenantID, breakerID)]
	out := make([]breaker.TradingEvent, len(history))
	copy(out, history)
	return out
}

// SaveQualityScore keeps one assessment, evicting the oldest beyond capacity.
func (m *MemoryStore) SaveQualityScore(ctx context.Context, score quality.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, score)
	if over := len(m.scores) - m.scoreCapacity; over > 0 {
		n := copy(m.scores, m.scores[over:])
		clear(m.scores[n:])
		m.scores = m.scores[:n]
	}
	return nil
}

// ListQualityScores lists a source's assessments since the given time, oldest first.
func (m *MemoryStore) ListQualityScores(ctx context.Context, sourceID string, since time.Time) ([]quality.Score, error) {
	return m.ListQualityScoresBetween(ctx, sourceID, since, time.Time{}, 0)
}

// ListQualityScoresBetween lists a source's assessments within [from, to).
// A zero to or non-positive limit is unbounded.
func (m *MemoryStore) ListQualityScoresBetween(ctx context.Context, sourceID string, from, to time.Time, limit int) ([]quality.Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]quality.Score, 0)
	for _, s := range m.scores {
		if s.SourceID != sourceID || s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ breaker.Repository = (*MemoryStore)(nil)
	_ breaker.EventStore = (*MemoryStore)(nil)
	_ QualityScoreStore  = (*MemoryStore)(nil)
)
