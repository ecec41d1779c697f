package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeguard/internal/breaker"
)

const (
	getBreakerSQL = `SELECT ` + breakerColumns + `
    FROM breakers
    WHERE tenant_id = $1
      AND breaker_id = $2;`

	listBreakersSQL = `SELECT ` + breakerColumns + `
    FROM breakers
    WHERE tenant_id = $1
    ORDER BY created_at, breaker_id;`

	insertBreakerSQL = `INSERT INTO breakers (` + breakerColumns + `
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (tenant_id, breaker_id) DO NOTHING;`

	casUpdateBreakerSQL = `UPDATE breakers
    SET name               = $3,
        condition          = $4,
        scope              = $5,
        scope_id           = $6,
        state              = $7,
        trip_count         = $8,
        last_tripped_at    = $9,
        cooldown_minutes   = $10,
        auto_reset_enabled = $11,
        updated_at         = $12,
        version            = version + 1
    WHERE tenant_id = $1
      AND breaker_id = $2
      AND version = $13
    RETURNING ` + breakerColumns + `;`

	breakerExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM breakers WHERE tenant_id = $1 AND breaker_id = $2
    );`

	deleteBreakerSQL = `DELETE FROM breakers WHERE tenant_id = $1 AND breaker_id = $2;`

	listTenantsSQL = `SELECT DISTINCT tenant_id FROM breakers ORDER BY tenant_id;`
)

// GetBreaker loads one breaker.
func (s *Store) GetBreaker(ctx context.Context, tenantID, breakerID string) (breaker.CircuitBreaker, error) {
	pool, err := s.getPool()
	if err != nil {
		return breaker.CircuitBreaker{}, err
	}
	b, err := scanBreaker(pool.QueryRow(ctx, getBreakerSQL, tenantID, breakerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return breaker.CircuitBreaker{}, &breaker.NotFoundError{TenantID: tenantID, BreakerID: breakerID}
	}
	if err != nil {
		return breaker.CircuitBreaker{}, fmt.Errorf("get breaker: %w", err)
	}
	return b, nil
}

// CreateBreaker inserts a new breaker.
func (s *Store) CreateBreaker(ctx context.Context, b breaker.CircuitBreaker) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cond, err := breaker.EncodeCondition(b.Condition)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, insertBreakerSQL,
		b.TenantID,
		b.BreakerID,
		b.Name,
		cond,
		string(b.Scope),
		b.ScopeID,
		string(b.State),
		b.TripCount,
		b.LastTrippedAt,
		b.CooldownMinutes,
		b.AutoResetEnabled,
		b.CreatedAt,
		b.UpdatedAt,
		b.Version,
	)
	if err != nil {
		return fmt.Errorf("insert breaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("breaker %s: %w", b.BreakerID, breaker.ErrAlreadyExists)
	}
	return nil
}

// SaveBreaker writes b if the stored version still equals expectedVersion.
func (s *Store) SaveBreaker(ctx context.Context, b breaker.CircuitBreaker, expectedVersion int64) (breaker.CircuitBreaker, error) {
	pool, err := s.getPool()
	if err != nil {
		return breaker.CircuitBreaker{}, err
	}
	cond, err := breaker.EncodeCondition(b.Condition)
	if err != nil {
		return breaker.CircuitBreaker{}, err
	}

	saved, err := scanBreaker(pool.QueryRow(ctx, casUpdateBreakerSQL,
		b.TenantID,
		b.BreakerID,
		b.Name,
		cond,
		string(b.Scope),
		b.ScopeID,
		string(b.State),
		b.TripCount,
		b.LastTrippedAt,
		b.CooldownMinutes,
		b.AutoResetEnabled,
		b.UpdatedAt,
		expectedVersion,
	))
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return breaker.CircuitBreaker{}, fmt.Errorf("update breaker: %w", err)
	}

	var exists bool
	if err := pool.QueryRow(ctx, breakerExistsSQL, b.TenantID, b.BreakerID).Scan(&exists); err != nil {
		return breaker.CircuitBreaker{}, fmt.Errorf("check breaker exists: %w", err)
	}
	if !exists {
		return breaker.CircuitBreaker{}, &breaker.NotFoundError{TenantID: b.TenantID, BreakerID: b.BreakerID}
	}
	return breaker.CircuitBreaker{}, fmt.Errorf("breaker %s at version %d: %w", b.BreakerID, expectedVersion, breaker.ErrConflict)
}

// DeleteBreaker removes one breaker.
func (s *Store) DeleteBreaker(ctx context.Context, tenantID, breakerID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteBreakerSQL, tenantID, breakerID)
	if err != nil {
		return fmt.Errorf("delete breaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &breaker.NotFoundError{TenantID: tenantID, BreakerID: breakerID}
	}
	return nil
}

// ListBreakers lists a tenant's breakers in creation order.
func (s *Store) ListBreakers(ctx context.Context, tenantID string) ([]breaker.CircuitBreaker, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBreakersSQL, tenantID)
	if queryErr != nil {
		return nil, fmt.Errorf("list breakers: %w", queryErr)
	}
	defer rows.Close()

	breakers := make([]breaker.CircuitBreaker, 0)
	for rows.Next() {
		b, scanErr := scanBreaker(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		breakers = append(breakers, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return breakers, nil
}

// ListTenants lists every tenant owning at least one breaker.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTenantsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tenants: %w", queryErr)
	}
	defer rows.Close()

	tenants := make([]string, 0)
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tenants, nil
}
