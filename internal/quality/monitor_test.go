package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/alerting"
	"tradeguard/internal/metrics"
)

func newTestMonitor(opts ...MonitorOption) *Monitor {
	clock := WithClock(func() time.Time { return baseTime })
	return NewMonitor(zerolog.Nop(), append([]MonitorOption{clock}, opts...)...)
}

func scoreFor(dataType DataType, overall float64) Score {
	return Score{ScoreID: "s", SourceID: "feed", Symbol: "BTC", DataType: dataType, OverallScore: overall, Timestamp: baseTime}
}

func TestDefaultThresholds(t *testing.T) {
	m := newTestMonitor()
	assert.Equal(t, 0.7, m.GetQualityThreshold(DataTypePrice))
	assert.Equal(t, 0.6, m.GetQualityThreshold(DataTypeNews))
	assert.Equal(t, 0.6, m.GetQualityThreshold(DataTypeSentiment))
	assert.Equal(t, 0.65, m.GetQualityThreshold(DataTypeOnChain))
	assert.Equal(t, 0.7, m.GetQualityThreshold("OTHER"))
}

func TestSetQualityThreshold(t *testing.T) {
	m := newTestMonitor()
	require.NoError(t, m.SetQualityThreshold(DataTypeNews, 0.8))
	assert.Equal(t, 0.8, m.GetQualityThreshold(DataTypeNews))

	assert.Error(t, m.SetQualityThreshold(DataTypeNews, 1.2))
	assert.Error(t, m.SetQualityThreshold("OTHER", 0.5))
	assert.Equal(t, 0.8, m.Thresholds()[DataTypeNews])
}

func TestCheckAndAlertAgainstThreshold(t *testing.T) {
	rec := metrics.NewRecorder()
	m := newTestMonitor(WithMetrics(rec))

	var got []alerting.Alert
	m.RegisterAlertHandler("capture", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		got = append(got, a)
		return nil
	}))

	assert.True(t, m.CheckAndAlert(context.Background(), scoreFor(DataTypePrice, 0.65)))
	assert.False(t, m.CheckAndAlert(context.Background(), scoreFor(DataTypePrice, 0.75)))
	assert.False(t, m.CheckAndAlert(context.Background(), scoreFor(DataTypePrice, 0.7)))

	require.Len(t, got, 1)
	assert.Equal(t, alerting.SourceDataQuality, got[0].Source)
	assert.Equal(t, AlertKindBelowThreshold, got[0].Kind)
	assert.Equal(t, 0.65, got[0].Value)
	assert.Equal(t, 0.7, got[0].Threshold)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.QualityBelow.WithLabelValues("PRICE")))
}

func TestCheckAndAlertIsolatesHandlers(t *testing.T) {
	m := newTestMonitor()
	var mu sync.Mutex
	received := map[string]int{}
	record := func(name string) alerting.Notifier {
		return alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
			mu.Lock()
			received[name]++
			mu.Unlock()
			return nil
		})
	}

	m.RegisterAlertHandler("a", record("a"))
	m.RegisterAlertHandler("broken", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		return errors.New("smtp down")
	}))
	m.RegisterAlertHandler("panics", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		panic("handler bug")
	}))
	m.RegisterAlertHandler("b", record("b"))

	assert.True(t, m.CheckAndAlert(context.Background(), scoreFor(DataTypePrice, 0.1)))
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, received)

	m.ClearAlertHandlers()
	assert.True(t, m.CheckAndAlert(context.Background(), scoreFor(DataTypePrice, 0.1)))
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, received)
}

func TestHistoryEvictsOldest(t *testing.T) {
	m := newTestMonitor(WithHistoryCapacity(3))
	for i, id := range []string{"1", "2", "3", "4", "5"} {
		s := scoreFor(DataTypePrice, 0.9)
		s.ScoreID = id
		s.Timestamp = baseTime.Add(time.Duration(i-5) * time.Minute)
		require.NoError(t, m.LogQualityAssessment(context.Background(), s))
	}

	assert.Equal(t, 3, m.HistoryLen())
	history, err := m.GetQualityHistory(context.Background(), "feed", 60)
	require.NoError(t, err)
	ids := make([]string, 0, len(history))
	for _, s := range history {
		ids = append(ids, s.ScoreID)
	}
	assert.Equal(t, []string{"3", "4", "5"}, ids)
}

func TestHistoryFromStoreIsBounded(t *testing.T) {
	store := &fakeHistoryStore{}
	m := newTestMonitor(WithHistoryCapacity(3), WithHistoryStore(store))
	for i := 0; i < 10; i++ {
		s := scoreFor(DataTypePrice, 0.9)
		s.ScoreID = string(rune('a' + i))
		s.Timestamp = baseTime.Add(time.Duration(i-10) * time.Minute)
		require.NoError(t, m.LogQualityAssessment(context.Background(), s))
	}

	require.Len(t, store.saved, 10)
	history, err := m.GetQualityHistory(context.Background(), "feed", 60)
	require.NoError(t, err)
	ids := make([]string, 0, len(history))
	for _, s := range history {
		ids = append(ids, s.ScoreID)
	}
	assert.Equal(t, []string{"h", "i", "j"}, ids, "只保留最新的 capacity 条")
}

func TestGetQualityHistoryFiltersSourceAndPeriod(t *testing.T) {
	m := newTestMonitor()
	ctx := context.Background()

	old := scoreFor(DataTypePrice, 0.9)
	old.Timestamp = baseTime.Add(-2 * time.Hour)
	other := scoreFor(DataTypePrice, 0.9)
	other.SourceID = "other"
	recent := scoreFor(DataTypePrice, 0.9)
	recent.Timestamp = baseTime.Add(-10 * time.Minute)

	for _, s := range []Score{old, other, recent} {
		require.NoError(t, m.LogQualityAssessment(ctx, s))
	}

	history, err := m.GetQualityHistory(ctx, "feed", 60)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, recent.Timestamp, history[0].Timestamp)
}

type fakeHistoryStore struct {
	saved []Score
	err   error
}

func (f *fakeHistoryStore) SaveQualityScore(ctx context.Context, s Score) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakeHistoryStore) ListQualityScores(ctx context.Context, sourceID string, since time.Time) ([]Score, error) {
	return f.saved, f.err
}

func TestAssessPersistsAndAlerts(t *testing.T) {
	store := &fakeHistoryStore{}
	m := newTestMonitor(WithHistoryStore(store))

	alerts := 0
	m.RegisterAlertHandler("count", alerting.NotifierFunc(func(ctx context.Context, a alerting.Alert) error {
		alerts++
		return nil
	}))

	score, alerted, err := m.Assess(context.Background(), "feed", "BTC", DataTypePrice, Input{ExpectedDataPoints: 10})
	require.NoError(t, err)
	assert.True(t, alerted)
	assert.Equal(t, 1, alerts)
	require.Len(t, store.saved, 1)
	assert.Equal(t, score.ScoreID, store.saved[0].ScoreID)

	history, err := m.GetQualityHistory(context.Background(), "feed", 5)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	store.err = errors.New("db down")
	_, _, err = m.Assess(context.Background(), "feed", "BTC", DataTypePrice, Input{})
	assert.Error(t, err)
}
