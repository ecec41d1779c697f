package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the Prometheus collectors of the risk engine. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	BreakerTransitions *prometheus.CounterVec
	BreakerTrips       *prometheus.CounterVec
	BreakerOpen        *prometheus.GaugeVec
	AutoResetSweeps    *prometheus.CounterVec

	QualityScore     *prometheus.GaugeVec
	QualityAnomalies *prometheus.CounterVec
	QualityBelow     *prometheus.CounterVec

	AlertsDispatched *prometheus.CounterVec
}

// NewRecorder builds the collectors and registers them on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_breaker_transitions_total",
				Help: "Circuit breaker state transitions by source and target state",
			},
			[]string{"tenant", "from", "to"},
		),
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_breaker_trips_total",
				Help: "Circuit breaker trips by condition type",
			},
			[]string{"tenant", "condition"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradeguard_breaker_blocking",
				Help: "1 when the breaker blocks trading (OPEN or HALF_OPEN), else 0",
			},
			[]string{"tenant", "breaker"},
		),
		AutoResetSweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_auto_reset_sweeps_total",
				Help: "Auto-reset sweeps by result",
			},
			[]string{"result"},
		),

		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradeguard_quality_score",
				Help: "Latest overall data quality score (0.0 to 1.0)",
			},
			[]string{"source", "data_type"},
		),
		QualityAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_quality_anomalies_total",
				Help: "Detected data anomalies by type and severity",
			},
			[]string{"type", "severity"},
		),
		QualityBelow: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_quality_below_threshold_total",
				Help: "Quality assessments scoring below their data type threshold",
			},
			[]string{"data_type"},
		),

		AlertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_alerts_dispatched_total",
				Help: "Alert handler invocations by alert source and result",
			},
			[]string{"source", "result"},
		),
	}

	r.registry.MustRegister(
		r.BreakerTransitions,
		r.BreakerTrips,
		r.BreakerOpen,
		r.AutoResetSweeps,
		r.QualityScore,
		r.QualityAnomalies,
		r.QualityBelow,
		r.AlertsDispatched,
	)
	return r
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// BreakerTransition records a lifecycle transition.
func (r *Recorder) BreakerTransition(tenant, breakerID, from, to string) {
	if r == nil {
		return
	}
	r.BreakerTransitions.WithLabelValues(tenant, from, to).Inc()
	blocking := 0.0
	if to != "CLOSED" {
		blocking = 1
	}
	r.BreakerOpen.WithLabelValues(tenant, breakerID).Set(blocking)
}

// BreakerTripped records a trip attributed to a condition type.
func (r *Recorder) BreakerTripped(tenant, condition string) {
	if r == nil {
		return
	}
	r.BreakerTrips.WithLabelValues(tenant, condition).Inc()
}

// BreakerRemoved drops the per-breaker gauge series.
func (r *Recorder) BreakerRemoved(tenant, breakerID string) {
	if r == nil {
		return
	}
	r.BreakerOpen.DeleteLabelValues(tenant, breakerID)
}

// AutoResetSweep records the outcome of one sweep.
func (r *Recorder) AutoResetSweep(failed bool) {
	if r == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	r.AutoResetSweeps.WithLabelValues(result).Inc()
}

// QualityAssessed records a computed quality score and its anomalies.
func (r *Recorder) QualityAssessed(source, dataType string, score float64, anomalies map[[2]string]int) {
	if r == nil {
		return
	}
	r.QualityScore.WithLabelValues(source, dataType).Set(score)
	for key, n := range anomalies {
		r.QualityAnomalies.WithLabelValues(key[0], key[1]).Add(float64(n))
	}
}

// QualityBelowThreshold records an assessment that fell under its threshold.
func (r *Recorder) QualityBelowThreshold(dataType string) {
	if r == nil {
		return
	}
	r.QualityBelow.WithLabelValues(dataType).Inc()
}

// AlertDispatched records one handler invocation.
func (r *Recorder) AlertDispatched(source string, ok bool) {
	if r == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	r.AlertsDispatched.WithLabelValues(source, result).Inc()
}
