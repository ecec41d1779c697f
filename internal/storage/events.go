package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/breaker"
)

const (
	insertEventSQL = `INSERT INTO trading_events (
        tenant_id,
        breaker_id,
        event_type,
        strategy_id,
        asset_id,
        success,
        loss_amount,
        error_message,
        price_deviation,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	clearEventsSQL = `DELETE FROM trading_events WHERE tenant_id = $1 AND breaker_id = $2;`

	lossRateSQL = `SELECT
        COUNT(*) FILTER (WHERE NOT success OR COALESCE(loss_amount, 0) > 0),
        COUNT(*)
    FROM trading_events
    WHERE tenant_id = $1
      AND breaker_id = $2
      AND event_type = 'TRADE'
      AND occurred_at >= $3;`

	maxDeviationSQL = `SELECT COALESCE(MAX(ABS(price_deviation)), 0)
    FROM trading_events
    WHERE tenant_id = $1
      AND breaker_id = $2
      AND price_deviation IS NOT NULL
      AND occurred_at >= $3;`

	recentOutcomesSQL = `SELECT
        event_type,
        success,
        error_message
    FROM trading_events
    WHERE tenant_id = $1
      AND breaker_id = $2
      AND event_type IN ('TRADE', 'ERROR')
    ORDER BY occurred_at DESC, id DESC
    LIMIT $3;`

	// consecutive failure walks stop at the first success, so a page is
	// usually enough; the cap guards the pathological case.
	maxOutcomeScan = 10000
)

// RecordEvent appends ev to the breaker's history.
func (s *Store) RecordEvent(ctx context.Context, tenantID, breakerID string, ev breaker.TradingEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var loss interface{}
	if ev.LossAmount != nil {
		loss = ev.LossAmount.String()
	}
	var errMsg interface{}
	if ev.ErrorMessage != "" {
		errMsg = ev.ErrorMessage
	}

	_, execErr := pool.Exec(ctx, insertEventSQL,
		tenantID,
		breakerID,
		string(ev.EventType),
		nullString(ev.StrategyID),
		nullString(ev.AssetID),
		ev.Success,
		loss,
		errMsg,
		ev.PriceDeviation,
		ev.Timestamp,
	)
	if execErr != nil {
		return fmt.Errorf("insert trading event: %w", execErr)
	}
	return nil
}

// ClearEventHistory drops every event of the breaker.
func (s *Store) ClearEventHistory(ctx context.Context, tenantID, breakerID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearEventsSQL, tenantID, breakerID); execErr != nil {
		return fmt.Errorf("clear trading events: %w", execErr)
	}
	return nil
}

// CalculateLossRate returns the losing share of TRADE events since the given time, in percent.
func (s *Store) CalculateLossRate(ctx context.Context, tenantID, breakerID string, since time.Time) (float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var losses, trades int64
	if scanErr := pool.QueryRow(ctx, lossRateSQL, tenantID, breakerID, since).Scan(&losses, &trades); scanErr != nil {
		return 0, fmt.Errorf("calculate loss rate: %w", scanErr)
	}
	if trades == 0 {
		return 0, nil
	}
	return float64(losses) / float64(trades) * 100, nil
}

// GetConsecutiveFailures counts failures from the newest outcome back to the first success.
func (s *Store) GetConsecutiveFailures(ctx context.Context, tenantID, breakerID string) (int, error) {
	events, err := s.recentOutcomes(ctx, tenantID, breakerID, maxOutcomeScan, true)
	if err != nil {
		return 0, fmt.Errorf("consecutive failures: %w", err)
	}
	return breaker.ConsecutiveFailures(events), nil
}

// GetMaxPriceDeviation returns the largest absolute deviation since the given time.
func (s *Store) GetMaxPriceDeviation(ctx context.Context, tenantID, breakerID string, since time.Time) (float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var deviation float64
	if scanErr := pool.QueryRow(ctx, maxDeviationSQL, tenantID, breakerID, since).Scan(&deviation); scanErr != nil {
		return 0, fmt.Errorf("max price deviation: %w", scanErr)
	}
	return deviation, nil
}

// CalculateErrorRate returns the errored share of the newest sampleSize outcomes, in percent.
func (s *Store) CalculateErrorRate(ctx context.Context, tenantID, breakerID string, sampleSize int) (float64, error) {
	if sampleSize <= 0 {
		return 0, nil
	}
	events, err := s.recentOutcomes(ctx, tenantID, breakerID, sampleSize, false)
	if err != nil {
		return 0, fmt.Errorf("error rate: %w", err)
	}
	return breaker.ErrorRate(events, sampleSize), nil
}

// recentOutcomes loads up to limit TRADE/ERROR events newest first and returns
// them oldest first. With stopAtSuccess the scan ends at the first success.
func (s *Store) recentOutcomes(ctx context.Context, tenantID, breakerID string, limit int, stopAtSuccess bool) ([]breaker.TradingEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentOutcomesSQL, tenantID, breakerID, limit)
	if queryErr != nil {
		return nil, queryErr
	}
	defer rows.Close()

	newestFirst := make([]breaker.TradingEvent, 0)
	for rows.Next() {
		var (
			eventType string
			success   bool
			errMsg    sql.NullString
		)
		if err := rows.Scan(&eventType, &success, &errMsg); err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, breaker.TradingEvent{
			EventType:    breaker.EventType(eventType),
			Success:      success,
			ErrorMessage: errMsg.String,
		})
		if stopAtSuccess && success {
			break
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	events := make([]breaker.TradingEvent, len(newestFirst))
	for i, ev := range newestFirst {
		events[len(newestFirst)-1-i] = ev
	}
	return events, nil
}

// ListEvents returns the breaker's history oldest first. Used by the CLI.
func (s *Store) ListEvents(ctx context.Context, tenantID, breakerID string, limit int) ([]breaker.TradingEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, queryErr := pool.Query(ctx, `SELECT
        event_type,
        strategy_id,
        asset_id,
        success,
        loss_amount::text,
        error_message,
        price_deviation,
        occurred_at
    FROM (
        SELECT * FROM trading_events
        WHERE tenant_id = $1 AND breaker_id = $2
        ORDER BY occurred_at DESC, id DESC
        LIMIT $3
    ) recent
    ORDER BY occurred_at, id;`, tenantID, breakerID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]breaker.TradingEvent, 0, limit)
	for rows.Next() {
		var (
			ev        breaker.TradingEvent
			eventType string
			strategy  sql.NullString
			asset     sql.NullString
			loss      sql.NullString
			errMsg    sql.NullString
			deviation sql.NullFloat64
		)
		if err := rows.Scan(&eventType, &strategy, &asset, &ev.Success, &loss, &errMsg, &deviation, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.EventType = breaker.EventType(eventType)
		ev.StrategyID = strategy.String
		ev.AssetID = asset.String
		ev.ErrorMessage = errMsg.String
		if loss.Valid {
			amount, convErr := decimal.NewFromString(loss.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse loss amount: %w", convErr)
			}
			ev.LossAmount = &amount
		}
		if deviation.Valid {
			d := deviation.Float64
			ev.PriceDeviation = &d
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
