package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeguard/internal/breaker"
)

const breakerColumns = `tenant_id,
        breaker_id,
        name,
        condition,
        scope,
        scope_id,
        state,
        trip_count,
        last_tripped_at,
        cooldown_minutes,
        auto_reset_enabled,
        created_at,
        updated_at,
        version`

// breakerRow mirrors one row of the breakers table.
type breakerRow struct {
	TenantID         string
	BreakerID        string
	Name             string
	Condition        []byte
	Scope            string
	ScopeID          string
	State            string
	TripCount        int
	LastTrippedAt    *time.Time
	CooldownMinutes  int
	AutoResetEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

func (r breakerRow) toBreaker() (breaker.CircuitBreaker, error) {
	cond, err := breaker.DecodeCondition(r.Condition)
	if err != nil {
		return breaker.CircuitBreaker{}, fmt.Errorf("decode condition of %s: %w", r.BreakerID, err)
	}
	b := breaker.CircuitBreaker{
		BreakerID:        r.BreakerID,
		TenantID:         r.TenantID,
		Name:             r.Name,
		Condition:        cond,
		Scope:            breaker.Scope(r.Scope),
		ScopeID:          r.ScopeID,
		State:            breaker.State(r.State),
		TripCount:        r.TripCount,
		CooldownMinutes:  r.CooldownMinutes,
		AutoResetEnabled: r.AutoResetEnabled,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		Version:          r.Version,
	}
	if r.LastTrippedAt != nil {
		t := r.LastTrippedAt.UTC()
		b.LastTrippedAt = &t
	}
	return b, nil
}

func scanBreaker(row pgx.Row) (breaker.CircuitBreaker, error) {
	var r breakerRow
	if err := row.Scan(
		&r.TenantID,
		&r.BreakerID,
		&r.Name,
		&r.Condition,
		&r.Scope,
		&r.ScopeID,
		&r.State,
		&r.TripCount,
		&r.LastTrippedAt,
		&r.CooldownMinutes,
		&r.AutoResetEnabled,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.Version,
	); err != nil {
		return breaker.CircuitBreaker{}, err
	}
	return r.toBreaker()
}
