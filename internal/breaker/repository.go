package breaker

import (
	"context"
	"time"
)

// Repository persists breaker configuration and state.
type Repository interface {
	GetBreaker(ctx context.Context, tenantID, breakerID string) (CircuitBreaker, error)
	CreateBreaker(ctx context.Context, b CircuitBreaker) error
	// SaveBreaker writes b only if the stored version equals expectedVersion,
	// returning the stored copy with its new version. It fails with ErrConflict otherwise.
	SaveBreaker(ctx context.Context, b CircuitBreaker, expectedVersion int64) (CircuitBreaker, error)
	DeleteBreaker(ctx context.Context, tenantID, breakerID string) error
	ListBreakers(ctx context.Context, tenantID string) ([]CircuitBreaker, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// EventStore keeps the append-only per-breaker trading event log and answers
// rolling-statistic queries over it.
type EventStore interface {
	RecordEvent(ctx context.Context, tenantID, breakerID string, ev TradingEvent) error
	ClearEventHistory(ctx context.Context, tenantID, breakerID string) error
	CalculateLossRate(ctx context.Context, tenantID, breakerID string, since time.Time) (float64, error)
	GetConsecutiveFailures(ctx context.Context, tenantID, breakerID string) (int, error)
	GetMaxPriceDeviation(ctx context.Context, tenantID, breakerID string, since time.Time) (float64, error)
	CalculateErrorRate(ctx context.Context, tenantID, breakerID string, sampleSize int) (float64, error)
}

// storeStats binds an EventStore to one breaker so it satisfies HistoryStats.
type storeStats struct {
	store     EventStore
	tenantID  string
	breakerID string
	now       time.Time
}

func (s storeStats) LossRate(ctx context.Context, window time.Duration) (float64, error) {
	return s.store.CalculateLossRate(ctx, s.tenantID, s.breakerID, s.now.Add(-window))
}

func (s storeStats) ConsecutiveFailures(ctx context.Context) (int, error) {
	return s.store.GetConsecutiveFailures(ctx, s.tenantID, s.breakerID)
}

func (s storeStats) MaxPriceDeviation(ctx context.Context, window time.Duration) (float64, error) {
	return s.store.GetMaxPriceDeviation(ctx, s.tenantID, s.breakerID, s.now.Add(-window))
}

func (s storeStats) ErrorRate(ctx context.Context, sampleSize int) (float64, error) {
	return s.store.CalculateErrorRate(ctx, s.tenantID, s.breakerID, sampleSize)
}
