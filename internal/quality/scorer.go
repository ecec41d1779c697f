package quality

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

var anomalyPenalty = map[Severity]float64{
	SeverityHigh:   0.15,
	SeverityMedium: 0.08,
	SeverityLow:    0.03,
}

// Scorer computes quality scores. It holds no state besides its clock.
type Scorer struct {
	now   func() time.Time
	newID func() string
}

// NewScorer returns a scorer using the wall clock.
func NewScorer() *Scorer {
	return &Scorer{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// CalculateQualityScore scores one batch.
func (s *Scorer) CalculateQualityScore(sourceID, symbol string, dataType DataType, in Input, cfg Config) Score {
	cfg = cfg.withDefaults()
	now := s.now()

	actual := len(in.Points)
	if in.ActualDataPoints != nil {
		actual = *in.ActualDataPoints
	}

	components := Components{
		Completeness: Completeness(actual, in.ExpectedDataPoints),
		Freshness:    Freshness(latestTimestamp(in), now, cfg.MaxFreshnessAgeSeconds),
		Consistency:  Consistency(in.Points),
		Accuracy:     Accuracy(in.Points),
	}
	anomalies := DetectAnomalies(in.Points, cfg, now)

	w := cfg.Weights
	overall := components.Completeness*w.Completeness +
		components.Freshness*w.Freshness +
		components.Consistency*w.Consistency +
		components.Accuracy*w.Accuracy
	for _, a := range anomalies {
		overall -= anomalyPenalty[a.Severity]
	}

	return Score{
		ScoreID:      s.newID(),
		SourceID:     sourceID,
		Symbol:       symbol,
		DataType:     dataType,
		Timestamp:    now,
		OverallScore: clamp01(overall),
		Components:   components,
		Anomalies:    anomalies,
	}
}

// Completeness is actual/expected capped at 1; 1 when nothing is expected.
func Completeness(actual, expected int) float64 {
	if expected <= 0 {
		return 1
	}
	if actual < 0 {
		actual = 0
	}
	return clamp01(math.Min(1, float64(actual)/float64(expected)))
}

// Freshness decays linearly from 1 at age 0 to 0 at maxAgeSeconds.
// A zero latest time means there is nothing to judge and scores 0.
func Freshness(latest, now time.Time, maxAgeSeconds float64) float64 {
	if latest.IsZero() {
		return 0
	}
	age := now.Sub(latest).Seconds()
	if age <= 0 {
		return 1
	}
	if maxAgeSeconds <= 0 || age >= maxAgeSeconds {
		return 0
	}
	return clamp01(1 - age/maxAgeSeconds)
}

// Consistency is 1 - 2*outlierRatio, outliers lying beyond three population
// standard deviations from the mean.
func Consistency(points []DataPoint) float64 {
	values := finiteValues(points)
	if len(values) < 2 {
		return 1
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(values)))
	if stddev == 0 {
		return 1
	}

	outliers := 0
	for _, v := range values {
		if math.Abs(v-mean) > 3*stddev {
			outliers++
		}
	}
	ratio := float64(outliers) / float64(len(values))
	return clamp01(1 - 2*ratio)
}

// Accuracy is 1 - min(1, mean relative error) over points carrying a non-zero reference.
func Accuracy(points []DataPoint) float64 {
	var total float64
	var n int
	for _, p := range points {
		if p.Reference == nil || *p.Reference == 0 || !finite(p.Value) || !finite(*p.Reference) {
			continue
		}
		total += math.Abs(p.Value-*p.Reference) / math.Abs(*p.Reference)
		n++
	}
	if n == 0 {
		return 1
	}
	return clamp01(1 - math.Min(1, total/float64(n)))
}

func latestTimestamp(in Input) time.Time {
	if in.LastUpdated != nil && !in.LastUpdated.IsZero() {
		return *in.LastUpdated
	}
	var latest time.Time
	for _, p := range in.Points {
		if p.Timestamp.After(latest) {
			latest = p.Timestamp
		}
	}
	return latest
}

func sortedByTime(points []DataPoint) []DataPoint {
	out := make([]DataPoint, len(points))
	copy(out, points)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func finiteValues(points []DataPoint) []float64 {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		if finite(p.Value) {
			values = append(values, p.Value)
		}
	}
	return values
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
