package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/alerting"
	"tradeguard/internal/breaker"
	"tradeguard/internal/metrics"
	"tradeguard/internal/quality"
	"tradeguard/internal/storage"
)

// Simulation sources accepted by SimulateAlert.
const (
	SimulateBreaker = "breaker"
	SimulateQuality = "quality"
)

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	Source   string
	TenantID string
}

// SimulateAlert 在内存存储上走一遍真实的告警流程，并通过已配置的通道发送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	rec := metrics.NewRecorder()
	dispatcher, closeDispatcher, err := a.newDispatcher(rec)
	if err != nil {
		return err
	}
	defer closeDispatcher()
	if dispatcher.Len() == 0 {
		return errors.New("未配置任何告警通道")
	}

	tenant := opts.TenantID
	if tenant == "" {
		tenant = "simulation"
	}

	switch opts.Source {
	case SimulateBreaker, "":
		return a.simulateBreaker(ctx, dispatcher, rec, tenant)
	case SimulateQuality:
		return a.simulateQuality(ctx, dispatcher, rec)
	default:
		return fmt.Errorf("unknown simulation source %q", opts.Source)
	}
}

// simulateBreaker trips a one-failure breaker with a single failed trade.
func (a *App) simulateBreaker(ctx context.Context, d *alerting.Dispatcher, rec *metrics.Recorder, tenant string) error {
	store := storage.NewMemoryStore()
	engine := breaker.NewEngine(store, store, a.Logger, breaker.WithDispatcher(d), breaker.WithMetrics(rec))

	b, err := engine.CreateBreaker(ctx, tenant, breaker.BreakerInput{
		BreakerID:       "simulated-breaker",
		Name:            "simulated consecutive failures",
		Condition:       breaker.ConsecutiveFailuresCondition{Count: 1},
		Scope:           breaker.ScopePortfolio,
		CooldownMinutes: 1,
	})
	if err != nil {
		return err
	}
	if _, err := engine.RecordEvent(ctx, tenant, breaker.TradingEvent{
		EventType:    breaker.EventTrade,
		Success:      false,
		ErrorMessage: "simulated order rejection",
	}); err != nil {
		return err
	}

	var alerts int
	if _, err := engine.CheckBreakers(ctx, tenant, breaker.TradingContext{},
		breaker.WithAlertCallback(func(breaker.BreakerAlert) { alerts++ })); err != nil {
		return err
	}
	if alerts == 0 {
		return fmt.Errorf("breaker %s did not trip", b.BreakerID)
	}
	a.Logger.Info().Str("tenant_id", tenant).Str("breaker_id", b.BreakerID).Msg("simulated breaker alert dispatched")
	return nil
}

// simulateQuality scores a stale series with a price spike so it falls
// below the PRICE threshold.
func (a *App) simulateQuality(ctx context.Context, d *alerting.Dispatcher, rec *metrics.Recorder) error {
	monitor, err := a.newMonitor(nil, d, rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	points := make([]quality.DataPoint, 0, 4)
	for i, v := range []float64{100, 100.2, 140, 100.1} {
		points = append(points, quality.DataPoint{
			Timestamp: now.Add(-time.Hour + time.Duration(i)*5*time.Minute),
			Value:     v,
		})
	}

	score, alerted, err := monitor.Assess(ctx, "simulated-feed", "SIM-USD", quality.DataTypePrice, quality.Input{
		Points:             points,
		ExpectedDataPoints: 60,
	})
	if err != nil {
		return err
	}
	if !alerted {
		return fmt.Errorf("simulated score %.3f did not cross the threshold", score.OverallScore)
	}
	a.Logger.Info().Float64("overall_score", score.OverallScore).Int("anomalies", len(score.Anomalies)).Msg("simulated quality alert dispatched")
	return nil
}
