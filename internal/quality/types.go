package quality

import "time"

// DataType classifies the feed a score was computed for.
type DataType string

const (
	DataTypePrice     DataType = "PRICE"
	DataTypeNews      DataType = "NEWS"
	DataTypeSentiment DataType = "SENTIMENT"
	DataTypeOnChain   DataType = "ON_CHAIN"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypePrice, DataTypeNews, DataTypeSentiment, DataTypeOnChain:
		return true
	}
	return false
}

// Severity ranks an anomaly.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// AnomalyType names the detector that raised an anomaly.
type AnomalyType string

const (
	AnomalyPriceSpike AnomalyType = "PRICE_SPIKE"
	AnomalyDataGap    AnomalyType = "DATA_GAP"
	AnomalyStaleData  AnomalyType = "STALE_DATA"
)

// DataPoint is one observation of a feed. Reference, when set, is the
// trusted value the observation is compared to for accuracy.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Reference *float64  `json:"reference,omitempty"`
}

// DataAnomaly describes one detected irregularity.
type DataAnomaly struct {
	Type        AnomalyType `json:"type"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	DetectedAt  time.Time   `json:"detectedAt"`
	DataPoint   any         `json:"dataPoint,omitempty"`
}

// Components are the four independently computed sub-scores, each in [0,1].
type Components struct {
	Completeness float64 `json:"completeness"`
	Freshness    float64 `json:"freshness"`
	Consistency  float64 `json:"consistency"`
	Accuracy     float64 `json:"accuracy"`
}

// Score is the immutable result of one quality evaluation.
type Score struct {
	ScoreID      string        `json:"scoreId"`
	SourceID     string        `json:"sourceId"`
	Symbol       string        `json:"symbol"`
	DataType     DataType      `json:"dataType"`
	Timestamp    time.Time     `json:"timestamp"`
	OverallScore float64       `json:"overallScore"`
	Components   Components    `json:"components"`
	Anomalies    []DataAnomaly `json:"anomalies"`
}

// Input is the batch a score is computed over.
type Input struct {
	Points             []DataPoint `json:"points"`
	ExpectedDataPoints int         `json:"expectedDataPoints"`
	// ActualDataPoints overrides len(Points) when the caller counted elsewhere.
	ActualDataPoints *int       `json:"actualDataPoints,omitempty"`
	LastUpdated      *time.Time `json:"lastUpdated,omitempty"`
}

// Weights of the components in the overall score.
type Weights struct {
	Completeness float64 `json:"completeness" mapstructure:"completeness"`
	Freshness    float64 `json:"freshness" mapstructure:"freshness"`
	Consistency  float64 `json:"consistency" mapstructure:"consistency"`
	Accuracy     float64 `json:"accuracy" mapstructure:"accuracy"`
}

func (w Weights) isZero() bool {
	return w == Weights{}
}

// Config tunes scoring and anomaly detection. Zero fields take defaults.
type Config struct {
	ExpectedIntervalSeconds    float64 `json:"expectedIntervalSeconds" mapstructure:"expected_interval_seconds"`
	MaxFreshnessAgeSeconds     float64 `json:"maxFreshnessAgeSeconds" mapstructure:"max_freshness_age_seconds"`
	PriceSpikeThresholdPercent float64 `json:"priceSpikeThresholdPercent" mapstructure:"price_spike_threshold_percent"`
	StaleDataThresholdSeconds  float64 `json:"staleDataThresholdSeconds" mapstructure:"stale_data_threshold_seconds"`
	Weights                    Weights `json:"weights" mapstructure:"weights"`
}

// DefaultConfig returns the stock scoring configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedIntervalSeconds:    60,
		MaxFreshnessAgeSeconds:     300,
		PriceSpikeThresholdPercent: 10,
		StaleDataThresholdSeconds:  600,
		Weights: Weights{
			Completeness: 0.3,
			Freshness:    0.3,
			Consistency:  0.2,
			Accuracy:     0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpectedIntervalSeconds <= 0 {
		c.ExpectedIntervalSeconds = d.ExpectedIntervalSeconds
	}
	if c.MaxFreshnessAgeSeconds <= 0 {
		c.MaxFreshnessAgeSeconds = d.MaxFreshnessAgeSeconds
	}
	if c.PriceSpikeThresholdPercent <= 0 {
		c.PriceSpikeThresholdPercent = d.PriceSpikeThresholdPercent
	}
	if c.StaleDataThresholdSeconds <= 0 {
		c.StaleDataThresholdSeconds = d.StaleDataThresholdSeconds
	}
	if c.Weights.isZero() {
		c.Weights = d.Weights
	}
	return c
}

// DefaultThresholds are the per data type alert thresholds.
func DefaultThresholds() map[DataType]float64 {
	return map[DataType]float64{
		DataTypePrice:     0.7,
		DataTypeNews:      0.6,
		DataTypeSentiment: 0.6,
		DataTypeOnChain:   0.65,
	}
}

const fallbackThreshold = 0.7
