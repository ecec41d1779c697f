package quality

import (
	"fmt"
	"math"
	"time"
)

// DetectAnomalies runs the spike, gap and stale checks over points. All three
// are independent and may fire together.
func DetectAnomalies(points []DataPoint, cfg Config, now time.Time) []DataAnomaly {
	cfg = cfg.withDefaults()
	anomalies := []DataAnomaly{}
	if len(points) == 0 {
		return anomalies
	}

	sorted := sortedByTime(points)
	anomalies = append(anomalies, priceSpikes(sorted, cfg.PriceSpikeThresholdPercent, now)...)
	anomalies = append(anomalies, dataGaps(sorted, cfg.ExpectedIntervalSeconds, now)...)
	if a, ok := staleData(sorted[len(sorted)-1], cfg.StaleDataThresholdSeconds, now); ok {
		anomalies = append(anomalies, a)
	}
	return anomalies
}

func priceSpikes(sorted []DataPoint, thresholdPct float64, now time.Time) []DataAnomaly {
	var out []DataAnomaly
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Value, sorted[i].Value
		if prev == 0 || !finite(prev) || !finite(cur) {
			continue
		}
		change := math.Abs(cur-prev) / math.Abs(prev) * 100
		if change <= thresholdPct {
			continue
		}

		severity := SeverityLow
		switch {
		case change > 2*thresholdPct:
			severity = SeverityHigh
		case change > 1.5*thresholdPct:
			severity = SeverityMedium
		}
		out = append(out, DataAnomaly{
			Type:        AnomalyPriceSpike,
			Severity:    severity,
			Description: fmt.Sprintf("value moved %.2f%% from %g to %g (threshold %.2f%%)", change, prev, cur, thresholdPct),
			DetectedAt:  now,
			DataPoint:   sorted[i],
		})
	}
	return out
}

type gapPoint struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Missed int       `json:"missed"`
}

func dataGaps(sorted []DataPoint, intervalSeconds float64, now time.Time) []DataAnomaly {
	var out []DataAnomaly
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Seconds()
		if gap <= 2*intervalSeconds {
			continue
		}
		missed := int(math.Floor(gap/intervalSeconds)) - 1

		severity := SeverityLow
		switch {
		case missed > 10:
			severity = SeverityHigh
		case missed > 5:
			severity = SeverityMedium
		}
		out = append(out, DataAnomaly{
			Type:        AnomalyDataGap,
			Severity:    severity,
			Description: fmt.Sprintf("gap of %.0fs, about %d points missing", gap, missed),
			DetectedAt:  now,
			DataPoint:   gapPoint{From: sorted[i-1].Timestamp, To: sorted[i].Timestamp, Missed: missed},
		})
	}
	return out
}

func staleData(latest DataPoint, thresholdSeconds float64, now time.Time) (DataAnomaly, bool) {
	if latest.Timestamp.IsZero() {
		return DataAnomaly{}, false
	}
	age := now.Sub(latest.Timestamp).Seconds()
	if age <= thresholdSeconds {
		return DataAnomaly{}, false
	}

	severity := SeverityLow
	switch {
	case age > 3*thresholdSeconds:
		severity = SeverityHigh
	case age > 2*thresholdSeconds:
		severity = SeverityMedium
	}
	return DataAnomaly{
		Type:        AnomalyStaleData,
		Severity:    severity,
		Description: fmt.Sprintf("latest point is %.0fs old (threshold %.0fs)", age, thresholdSeconds),
		DetectedAt:  now,
		DataPoint:   latest,
	}, true
}
