package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeguard/internal/metrics"
)

// Result summarises one fan-out.
type Result struct {
	Delivered int
	Failed    int
}

type registration struct {
	name     string
	notifier Notifier
}

// Dispatcher fans an alert out to every registered notifier. A failing or
// panicking notifier is logged and skipped; it never stops the others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registration
	logger   zerolog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger zerolog.Logger, rec *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With().Str("component", "alert_dispatcher").Logger(),
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register appends a notifier. Registration order is dispatch order.
func (d *Dispatcher) Register(name string, n Notifier) {
	if n == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, registration{name: name, notifier: n})
}

// Clear removes every registered notifier.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = nil
}

// Len returns the number of registered notifiers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch delivers alert to all notifiers sequentially.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) Result {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = d.now()
	}

	d.mu.RLock()
	handlers := make([]registration, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	var res Result
	for _, h := range handlers {
		if err := d.invoke(ctx, h, alert); err != nil {
			res.Failed++
			d.metrics.AlertDispatched(string(alert.Source), false)
			d.logger.Error().Err(err).
				Str("handler", h.name).
				Str("alert_id", alert.ID).
				Str("kind", alert.Kind).
				Msg("alert handler failed")
			continue
		}
		res.Delivered++
		d.metrics.AlertDispatched(string(alert.Source), true)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, h registration, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.notifier.Notify(ctx, alert)
}
