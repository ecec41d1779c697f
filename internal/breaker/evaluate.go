package breaker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// HistoryStats exposes rolling statistics over one breaker's event history.
// Percentages are expressed on a 0..100 scale.
type HistoryStats interface {
	LossRate(ctx context.Context, window time.Duration) (float64, error)
	ConsecutiveFailures(ctx context.Context) (int, error)
	MaxPriceDeviation(ctx context.Context, window time.Duration) (float64, error)
	ErrorRate(ctx context.Context, sampleSize int) (float64, error)
}

// Evaluation is the trigger signal computed for a condition.
type Evaluation struct {
	Triggered    bool    `json:"triggered"`
	CurrentValue float64 `json:"currentValue"`
	Threshold    float64 `json:"threshold"`
	Message      string  `json:"message"`
}

// Evaluate computes the trigger signal for cond. The effective value is the
// larger of the history-derived statistic and the value supplied by the caller,
// and the threshold itself triggers. Unknown condition types never trigger.
func Evaluate(ctx context.Context, cond Condition, tc TradingContext, stats HistoryStats, logger zerolog.Logger) (Evaluation, error) {
	switch c := cond.(type) {
	case LossRateCondition:
		rate, err := stats.LossRate(ctx, minutes(c.TimeWindowMinutes))
		if err != nil {
			return Evaluation{}, fmt.Errorf("loss rate: %w", err)
		}
		value := math.Max(rate, float64Value(tc.RecentLossPercent))
		return threshold(value, c.LossPercent,
			fmt.Sprintf("loss rate %.2f%% over %dm (threshold %.2f%%)", value, c.TimeWindowMinutes, c.LossPercent)), nil

	case ConsecutiveFailuresCondition:
		failures, err := stats.ConsecutiveFailures(ctx)
		if err != nil {
			return Evaluation{}, fmt.Errorf("consecutive failures: %w", err)
		}
		value := float64(failures)
		return threshold(value, float64(c.Count),
			fmt.Sprintf("%d consecutive failures (threshold %d)", failures, c.Count)), nil

	case PriceDeviationCondition:
		deviation, err := stats.MaxPriceDeviation(ctx, minutes(c.TimeWindowMinutes))
		if err != nil {
			return Evaluation{}, fmt.Errorf("max price deviation: %w", err)
		}
		value := math.Max(deviation, math.Abs(float64Value(tc.PriceDeviation)))
		return threshold(value, c.DeviationPercent,
			fmt.Sprintf("price deviation %.2f%% over %dm (threshold %.2f%%)", value, c.TimeWindowMinutes, c.DeviationPercent)), nil

	case ErrorRateCondition:
		rate, err := stats.ErrorRate(ctx, c.SampleSize)
		if err != nil {
			return Evaluation{}, fmt.Errorf("error rate: %w", err)
		}
		value := math.Max(rate, float64Value(tc.RecentErrorRate))
		return threshold(value, c.ErrorPercent,
			fmt.Sprintf("error rate %.2f%% over last %d events (threshold %.2f%%)", value, c.SampleSize, c.ErrorPercent)), nil

	default:
		kind := ConditionType("")
		if cond != nil {
			kind = cond.Type()
		}
		logger.Warn().Str("condition_type", string(kind)).Msg("unknown condition type; breaker will not trigger")
		return Evaluation{Message: fmt.Sprintf("unknown condition type %q", kind)}, nil
	}
}

func threshold(value, limit float64, msg string) Evaluation {
	return Evaluation{
		Triggered:    value >= limit,
		CurrentValue: value,
		Threshold:    limit,
		Message:      msg,
	}
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
