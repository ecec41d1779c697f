package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/breaker"
	"tradeguard/internal/config"
	"tradeguard/internal/quality"
)

const seedYAML = `
tenants:
  - tenantId: acme
    breakers:
      - breakerId: acme-failures
        name: three failures
        scope: portfolio
        cooldownMinutes: 15
        autoResetEnabled: true
        condition:
          type: CONSECUTIVE_FAILURES
          count: 3
      - breakerId: acme-loss
        name: momentum loss rate
        scope: STRATEGY
        scopeId: momentum
        cooldownMinutes: 30
        condition:
          type: LOSS_RATE
          lossPercent: 25
          timeWindowMinutes: 60
`

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	a := NewApp(&config.Config{}, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestParseSeedRejectsBadDocuments(t *testing.T) {
	_, err := ParseSeed(strings.NewReader(""))
	assert.Error(t, err)

	_, err = ParseSeed(strings.NewReader("tenants:\n  - tenantId: acme\n    breakers:\n      - name: x\n"))
	assert.Error(t, err, "缺少 breakerId 应报错")

	_, err = ParseSeed(strings.NewReader("tenants:\n  - tenantId: acme\n    unknown: true\n"))
	assert.Error(t, err, "未知字段应报错")
}

func TestApplySeedCreatesThenUpdates(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	rt, err := a.build(ctx)
	require.NoError(t, err)
	defer rt.Close()

	file, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	report, err := applySeed(ctx, rt.engine, file)
	require.NoError(t, err)
	assert.Equal(t, SeedReport{Created: 2}, report)

	_, err = rt.engine.TripBreaker(ctx, "acme", "acme-failures", "test")
	require.NoError(t, err)

	report, err = applySeed(ctx, rt.engine, file)
	require.NoError(t, err)
	assert.Equal(t, SeedReport{Updated: 2}, report)

	b, err := rt.engine.GetBreaker(ctx, "acme", "acme-failures")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, b.State, "重复 seed 不应改变状态")
	assert.Equal(t, breaker.ScopePortfolio, b.Scope)
	assert.Equal(t, breaker.ConsecutiveFailuresCondition{Count: 3}, b.Condition)

	loss, err := rt.engine.GetBreaker(ctx, "acme", "acme-loss")
	require.NoError(t, err)
	assert.Equal(t, breaker.LossRateCondition{LossPercent: 25, TimeWindowMinutes: 60}, loss.Condition)
}

func TestSeedFromFileDryRun(t *testing.T) {
	a, _ := newTestApp(t)
	path := filepath.Join(t.TempDir(), "breakers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	require.NoError(t, a.Seed(context.Background(), SeedOptions{Path: path, DryRun: true}))
	assert.Error(t, a.Seed(context.Background(), SeedOptions{}))
}

func TestBreakerActionsAndShow(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()
	rt, err := a.build(ctx)
	require.NoError(t, err)
	defer rt.Close()

	file, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	_, err = applySeed(ctx, rt.engine, file)
	require.NoError(t, err)

	require.NoError(t, a.breakerAction(ctx, rt.engine, BreakerActionOptions{
		TenantID: "acme", BreakerID: "acme-failures", Action: ActionTrip,
	}))
	assert.Contains(t, out.String(), "acme-failures -> OPEN (trips 1)")

	err = a.breakerAction(ctx, rt.engine, BreakerActionOptions{
		TenantID: "acme", BreakerID: "acme-failures", Action: ActionReset,
	})
	assert.True(t, errors.Is(err, breaker.ErrAuthenticationRequired))

	assert.Error(t, a.breakerAction(ctx, rt.engine, BreakerActionOptions{
		TenantID: "acme", BreakerID: "acme-failures", Action: "explode",
	}))

	out.Reset()
	allowed, err := a.check(ctx, rt.engine, "acme", breaker.TradingContext{})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, out.String(), "trading blocked")

	_, err = rt.engine.RecordEvent(ctx, "acme", breaker.TradingEvent{EventType: breaker.EventTrade, Success: true})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, a.showBreakers(ctx, rt, ShowOptions{TenantID: "acme", Events: 5}))
	text := out.String()
	assert.Contains(t, text, "CONSECUTIVE_FAILURES 3")
	assert.Contains(t, text, "STRATEGY:momentum")
	assert.Contains(t, text, "LOSS_RATE 25.00%/60m")
	assert.Contains(t, text, "acme-failures (1 events)")

	out.Reset()
	require.NoError(t, a.showBreakers(ctx, rt, ShowOptions{TenantID: "nobody"}))
	assert.Contains(t, out.String(), "no breakers found")
}

func TestDownsampleScores(t *testing.T) {
	scores := make([]quality.Score, 10)
	for i := range scores {
		scores[i].ScoreID = string(rune('a' + i))
	}

	got := downsampleScores(scores, 4)
	require.Len(t, got, 4)
	assert.Equal(t, "a", got[0].ScoreID)
	assert.Equal(t, "d", got[1].ScoreID)
	assert.Equal(t, "g", got[2].ScoreID)
	assert.Equal(t, "j", got[3].ScoreID)

	assert.Len(t, downsampleScores(scores, 20), 10)
	assert.Len(t, downsampleScores(scores, 1), 1)
}

func TestWriteScoresCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scores.csv")
	ts := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	scores := []quality.Score{{
		ScoreID:      "s-1",
		SourceID:     "binance",
		Symbol:       "BTC-USD",
		DataType:     quality.DataTypePrice,
		Timestamp:    ts,
		OverallScore: 0.75,
		Components:   quality.Components{Completeness: 1, Freshness: 0.5, Consistency: 1, Accuracy: 0.5},
		Anomalies:    []quality.DataAnomaly{{Type: quality.AnomalyPriceSpike}},
	}}

	require.NoError(t, writeScoresCSV(path, scores))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "scored_at", records[0][0])
	assert.Equal(t, []string{"2025-07-01T12:00:00Z", "s-1", "binance", "BTC-USD", "PRICE", "0.7500", "1.0000", "0.5000", "1.0000", "0.5000", "1"}, records[1])
}

func TestSimulateAlert(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	assert.Error(t, a.SimulateAlert(ctx, SimulateOptions{}), "未启用告警时应报错")

	a.Config.Alerting.Enabled = true
	assert.Error(t, a.SimulateAlert(ctx, SimulateOptions{}), "没有通道时应报错")

	a.Config.Alerting.Log = true
	require.NoError(t, a.SimulateAlert(ctx, SimulateOptions{Source: SimulateBreaker}))
	require.NoError(t, a.SimulateAlert(ctx, SimulateOptions{Source: SimulateQuality}))
	assert.Error(t, a.SimulateAlert(ctx, SimulateOptions{Source: "weather"}))
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{SourceID: "binance"}))
	assert.Error(t, a.Export(context.Background(), ExportOptions{CSVPath: "x.csv"}))
	assert.Error(t, a.Migrate(context.Background(), ""))
}
