package quality

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/alerting"
	"tradeguard/internal/metrics"
)

// DefaultHistoryCapacity bounds the in-memory assessment log.
const DefaultHistoryCapacity = 10000

// AlertKindBelowThreshold is the alert kind raised by CheckAndAlert.
const AlertKindBelowThreshold = "QUALITY_BELOW_THRESHOLD"

// HistoryStore persists assessments beyond the in-memory buffer.
type HistoryStore interface {
	SaveQualityScore(ctx context.Context, score Score) error
	ListQualityScores(ctx context.Context, sourceID string, since time.Time) ([]Score, error)
}

// MonitorOption customises a Monitor.
type MonitorOption func(*Monitor)

// WithHistoryStore persists every logged assessment.
func WithHistoryStore(store HistoryStore) MonitorOption {
	return func(m *Monitor) { m.store = store }
}

// WithDispatcher shares an alert dispatcher with other subsystems.
func WithDispatcher(d *alerting.Dispatcher) MonitorOption {
	return func(m *Monitor) {
		if d != nil {
			m.dispatcher = d
		}
	}
}

// WithMetrics records scores on rec.
func WithMetrics(rec *metrics.Recorder) MonitorOption {
	return func(m *Monitor) { m.metrics = rec }
}

// WithConfig sets the scoring configuration.
func WithConfig(cfg Config) MonitorOption {
	return func(m *Monitor) { m.cfg = cfg.withDefaults() }
}

// WithHistoryCapacity bounds the in-memory history.
func WithHistoryCapacity(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.history = newRing(n)
		}
	}
}

// WithClock overrides the time source of the monitor and its scorer.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
			m.scorer.now = now
		}
	}
}

// Monitor owns the quality thresholds, the bounded assessment history and the
// alert fan-out for data quality.
type Monitor struct {
	scorer     *Scorer
	cfg        Config
	dispatcher *alerting.Dispatcher
	store      HistoryStore
	metrics    *metrics.Recorder
	logger     zerolog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	thresholds map[DataType]float64
	history    *ring
}

// NewMonitor builds a monitor with default thresholds and configuration.
func NewMonitor(logger zerolog.Logger, opts ...MonitorOption) *Monitor {
	logger = logger.With().Str("component", "quality_monitor").Logger()
	m := &Monitor{
		scorer:     NewScorer(),
		cfg:        DefaultConfig(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		thresholds: DefaultThresholds(),
		history:    newRing(DefaultHistoryCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dispatcher == nil {
		m.dispatcher = alerting.NewDispatcher(logger, m.metrics)
	}
	return m
}

// Config returns the active scoring configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// CalculateQualityScore scores a batch with the monitor's configuration.
func (m *Monitor) CalculateQualityScore(sourceID, symbol string, dataType DataType, in Input) Score {
	return m.scorer.CalculateQualityScore(sourceID, symbol, dataType, in, m.cfg)
}

// DetectAnomalies runs anomaly detection with the monitor's configuration.
func (m *Monitor) DetectAnomalies(points []DataPoint) []DataAnomaly {
	return DetectAnomalies(points, m.cfg, m.now())
}

// Assess scores, logs and threshold-checks a batch in one step.
func (m *Monitor) Assess(ctx context.Context, sourceID, symbol string, dataType DataType, in Input) (Score, bool, error) {
	score := m.CalculateQualityScore(sourceID, symbol, dataType, in)
	if err := m.LogQualityAssessment(ctx, score); err != nil {
		return score, false, err
	}
	return score, m.CheckAndAlert(ctx, score), nil
}

// SetQualityThreshold changes the alert threshold of a data type.
func (m *Monitor) SetQualityThreshold(dataType DataType, threshold float64) error {
	if !dataType.Valid() {
		return fmt.Errorf("unknown data type %q", dataType)
	}
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold %.3f out of range [0,1]", threshold)
	}
	m.mu.Lock()
	m.thresholds[dataType] = threshold
	m.mu.Unlock()
	m.logger.Info().Str("data_type", string(dataType)).Float64("threshold", threshold).Msg("quality threshold updated")
	return nil
}

// GetQualityThreshold returns the threshold of a data type, 0.7 when unknown.
func (m *Monitor) GetQualityThreshold(dataType DataType) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.thresholds[dataType]; ok {
		return v
	}
	return fallbackThreshold
}

// Thresholds returns a copy of every configured threshold.
func (m *Monitor) Thresholds() map[DataType]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[DataType]float64, len(m.thresholds))
	for k, v := range m.thresholds {
		out[k] = v
	}
	return out
}

// RegisterAlertHandler adds an alert handler.
func (m *Monitor) RegisterAlertHandler(name string, n alerting.Notifier) {
	m.dispatcher.Register(name, n)
}

// ClearAlertHandlers removes every registered handler.
func (m *Monitor) ClearAlertHandlers() {
	m.dispatcher.Clear()
}

// CheckAndAlert dispatches an alert when score falls below its data type
// threshold and reports whether it did. Handler failures do not change the result.
func (m *Monitor) CheckAndAlert(ctx context.Context, score Score) bool {
	threshold := m.GetQualityThreshold(score.DataType)
	if score.OverallScore >= threshold {
		return false
	}

	m.metrics.QualityBelowThreshold(string(score.DataType))

	severity := alerting.SeverityWarning
	for _, a := range score.Anomalies {
		if a.Severity == SeverityHigh {
			severity = alerting.SeverityCritical
			break
		}
	}

	res := m.dispatcher.Dispatch(ctx, alerting.Alert{
		Source:    alerting.SourceDataQuality,
		Kind:      AlertKindBelowThreshold,
		Severity:  severity,
		Subject:   fmt.Sprintf("%s %s", score.SourceID, score.Symbol),
		Message:   fmt.Sprintf("%s quality %.3f below threshold %.3f", score.DataType, score.OverallScore, threshold),
		Value:     score.OverallScore,
		Threshold: threshold,
		Metadata: map[string]string{
			"score_id":  score.ScoreID,
			"source_id": score.SourceID,
			"symbol":    score.Symbol,
			"data_type": string(score.DataType),
			"anomalies": strconv.Itoa(len(score.Anomalies)),
		},
		CreatedAt: score.Timestamp,
	})

	m.logger.Warn().
		Str("source_id", score.SourceID).
		Str("symbol", score.Symbol).
		Str("data_type", string(score.DataType)).
		Float64("score", score.OverallScore).
		Float64("threshold", threshold).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Msg("quality below threshold")
	return true
}

// LogQualityAssessment appends score to the bounded history and, when a store
// is configured, persists it.
func (m *Monitor) LogQualityAssessment(ctx context.Context, score Score) error {
	m.mu.Lock()
	m.history.push(score)
	m.mu.Unlock()

	counts := make(map[[2]string]int)
	for _, a := range score.Anomalies {
		counts[[2]string{string(a.Type), string(a.Severity)}]++
	}
	m.metrics.QualityAssessed(score.SourceID, string(score.DataType), score.OverallScore, counts)

	m.logger.Info().
		Str("score_id", score.ScoreID).
		Str("source_id", score.SourceID).
		Str("symbol", score.Symbol).
		Str("data_type", string(score.DataType)).
		Float64("overall", score.OverallScore).
		Float64("completeness", score.Components.Completeness).
		Float64("freshness", score.Components.Freshness).
		Float64("consistency", score.Components.Consistency).
		Float64("accuracy", score.Components.Accuracy).
		Int("anomalies", len(score.Anomalies)).
		Msg("quality assessed")

	if m.store == nil {
		return nil
	}
	if err := m.store.SaveQualityScore(ctx, score); err != nil {
		return fmt.Errorf("save quality score: %w", err)
	}
	return nil
}

// GetQualityHistory returns the assessments of sourceID from the last
// periodMinutes, oldest first. The persistent store is preferred when
// configured; either way at most the history capacity's newest entries return.
func (m *Monitor) GetQualityHistory(ctx context.Context, sourceID string, periodMinutes int) ([]Score, error) {
	since := m.now().Add(-time.Duration(periodMinutes) * time.Minute)
	if m.store != nil {
		scores, err := m.store.ListQualityScores(ctx, sourceID, since)
		if err != nil {
			return nil, fmt.Errorf("list quality scores: %w", err)
		}
		if limit := m.history.capacity(); len(scores) > limit {
			scores = scores[len(scores)-limit:]
		}
		return scores, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Score{}
	m.history.each(func(s Score) {
		if s.SourceID == sourceID && !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	})
	return out, nil
}

// HistoryLen reports how many assessments the in-memory buffer holds.
func (m *Monitor) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.len()
}

// ring is a fixed-capacity FIFO that evicts the oldest entry when full.
type ring struct {
	buf   []Score
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Score, capacity)}
}

func (r *ring) push(s Score) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) each(fn func(Score)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

func (r *ring) len() int {
	return r.size
}

func (r *ring) capacity() int {
	return len(r.buf)
}
