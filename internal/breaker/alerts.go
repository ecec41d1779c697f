package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tradeguard/internal/alerting"
)

// AlertType names the transition a BreakerAlert reports.
type AlertType string

const (
	AlertTripped  AlertType = "TRIPPED"
	AlertHalfOpen AlertType = "HALF_OPEN"
	AlertClosed   AlertType = "CLOSED"
)

// BreakerAlert is emitted on every state transition.
type BreakerAlert struct {
	Type          AlertType   `json:"type"`
	TenantID      string      `json:"tenantId"`
	BreakerID     string      `json:"breakerId"`
	BreakerName   string      `json:"breakerName"`
	PreviousState State       `json:"previousState"`
	NewState      State       `json:"newState"`
	TripCount     int         `json:"tripCount"`
	Reason        string      `json:"reason"`
	Evaluation    *Evaluation `json:"evaluation,omitempty"`
	Automatic     bool        `json:"automatic"`
	Timestamp     time.Time   `json:"timestamp"`
}

// AlertCallback receives transition alerts synchronously.
type AlertCallback func(BreakerAlert)

// TransitionOption customises a single engine call.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	callbacks []AlertCallback
}

// WithAlertCallback registers cb for the transitions caused by one call.
func WithAlertCallback(cb AlertCallback) TransitionOption {
	return func(o *transitionOptions) {
		if cb != nil {
			o.callbacks = append(o.callbacks, cb)
		}
	}
}

// Alert converts the transition into the shared alert envelope.
func (a BreakerAlert) Alert() alerting.Alert {
	severity := alerting.SeverityInfo
	switch a.Type {
	case AlertTripped:
		severity = alerting.SeverityCritical
	case AlertHalfOpen:
		severity = alerting.SeverityWarning
	}

	out := alerting.Alert{
		Source:   alerting.SourceCircuitBreaker,
		Kind:     string(a.Type),
		Severity: severity,
		TenantID: a.TenantID,
		Subject:  a.BreakerName,
		Message:  fmt.Sprintf("breaker %s %s -> %s: %s", a.BreakerName, a.PreviousState, a.NewState, a.Reason),
		Metadata: map[string]string{
			"breaker_id":     a.BreakerID,
			"previous_state": string(a.PreviousState),
			"new_state":      string(a.NewState),
			"trip_count":     strconv.Itoa(a.TripCount),
			"automatic":      strconv.FormatBool(a.Automatic),
		},
		CreatedAt: a.Timestamp,
	}
	if a.Evaluation != nil {
		out.Value = a.Evaluation.CurrentValue
		out.Threshold = a.Evaluation.Threshold
	}
	return out
}

func (e *Engine) afterTransition(ctx context.Context, tr transition, kind AlertType, reason string, eval *Evaluation, auto bool, opts []TransitionOption) {
	before, after := tr.before, tr.after

	e.logger.Info().
		Str("tenant_id", after.TenantID).
		Str("breaker_id", after.BreakerID).
		Str("from", string(before.State)).
		Str("to", string(after.State)).
		Int("trip_count", after.TripCount).
		Bool("automatic", auto).
		Str("reason", reason).
		Msg("breaker transition")

	e.metrics.BreakerTransition(after.TenantID, after.BreakerID, string(before.State), string(after.State))
	if kind == AlertTripped && after.Condition != nil {
		e.metrics.BreakerTripped(after.TenantID, string(after.Condition.Type()))
	}

	alert := BreakerAlert{
		Type:          kind,
		TenantID:      after.TenantID,
		BreakerID:     after.BreakerID,
		BreakerName:   after.Name,
		PreviousState: before.State,
		NewState:      after.State,
		TripCount:     after.TripCount,
		Reason:        reason,
		Evaluation:    eval,
		Automatic:     auto,
		Timestamp:     after.UpdatedAt,
	}

	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}
	for _, cb := range o.callbacks {
		cb(alert)
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, alert.Alert())
	}
}
