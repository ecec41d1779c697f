package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anomaliesOf(all []DataAnomaly, kind AnomalyType) []DataAnomaly {
	var out []DataAnomaly
	for _, a := range all {
		if a.Type == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestPriceSpikeSeverity(t *testing.T) {
	cfg := Config{PriceSpikeThresholdPercent: 50}
	cases := []struct {
		name  string
		next  float64
		want  Severity
		fires bool
	}{
		{"below threshold", 140, "", false},
		{"at threshold", 150, "", false},
		{"low", 160, SeverityLow, true},
		{"medium", 180, SeverityMedium, true},
		{"high", 220, SeverityHigh, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			points := series(baseTime.Add(-time.Minute), time.Minute, 100, tc.next)
			spikes := anomaliesOf(DetectAnomalies(points, cfg, baseTime), AnomalyPriceSpike)
			if !tc.fires {
				assert.Empty(t, spikes)
				return
			}
			require.Len(t, spikes, 1)
			assert.Equal(t, tc.want, spikes[0].Severity)
		})
	}
}

func TestPriceSpikeUsesTimestampOrder(t *testing.T) {
	points := []DataPoint{
		{Timestamp: baseTime, Value: 101},
		{Timestamp: baseTime.Add(-time.Minute), Value: 100},
	}
	assert.Empty(t, anomaliesOf(DetectAnomalies(points, Config{}, baseTime), AnomalyPriceSpike))
}

func TestDataGapSeverity(t *testing.T) {
	cfg := Config{ExpectedIntervalSeconds: 60}
	cases := []struct {
		gap  time.Duration
		want Severity
	}{
		{3 * time.Minute, SeverityLow},    // 2 missed
		{7 * time.Minute, SeverityMedium}, // 6 missed
		{12 * time.Minute, SeverityHigh},  // 11 missed
	}
	for _, tc := range cases {
		points := []DataPoint{
			{Timestamp: baseTime.Add(-tc.gap), Value: 1},
			{Timestamp: baseTime, Value: 1},
		}
		gaps := anomaliesOf(DetectAnomalies(points, cfg, baseTime), AnomalyDataGap)
		require.Len(t, gaps, 1, "gap %s", tc.gap)
		assert.Equal(t, tc.want, gaps[0].Severity, "gap %s", tc.gap)
	}

	steady := series(baseTime.Add(-4*time.Minute), 2*time.Minute, 1, 1, 1)
	assert.Empty(t, anomaliesOf(DetectAnomalies(steady, cfg, baseTime), AnomalyDataGap))
}

func TestStaleDataSeverity(t *testing.T) {
	cfg := Config{StaleDataThresholdSeconds: 100}
	cases := []struct {
		age  time.Duration
		want Severity
	}{
		{150 * time.Second, SeverityLow},
		{250 * time.Second, SeverityMedium},
		{350 * time.Second, SeverityHigh},
	}
	for _, tc := range cases {
		points := []DataPoint{{Timestamp: baseTime.Add(-tc.age), Value: 1}}
		stale := anomaliesOf(DetectAnomalies(points, cfg, baseTime), AnomalyStaleData)
		require.Len(t, stale, 1)
		assert.Equal(t, tc.want, stale[0].Severity)
	}

	fresh := []DataPoint{{Timestamp: baseTime.Add(-50 * time.Second), Value: 1}}
	assert.Empty(t, DetectAnomalies(fresh, cfg, baseTime))
}

func TestDetectorsFireTogether(t *testing.T) {
	points := []DataPoint{
		{Timestamp: baseTime.Add(-2 * time.Hour), Value: 100},
		{Timestamp: baseTime.Add(-time.Hour), Value: 300},
	}
	got := DetectAnomalies(points, DefaultConfig(), baseTime)
	assert.Len(t, anomaliesOf(got, AnomalyPriceSpike), 1)
	assert.Len(t, anomaliesOf(got, AnomalyDataGap), 1)
	assert.Len(t, anomaliesOf(got, AnomalyStaleData), 1)
}

func TestDetectAnomaliesEmpty(t *testing.T) {
	got := DetectAnomalies(nil, Config{}, baseTime)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
