package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardOptions tune the outbound protection of a notifier.
type GuardOptions struct {
	// RatePerSecond caps sends; zero disables rate limiting.
	RatePerSecond float64
	Burst         int
	// MaxFailures consecutive failures open the guard for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Guarded wraps a notifier with a rate limiter and a gobreaker circuit so a
// dead endpoint is short-circuited instead of slowing every dispatch.
type Guarded struct {
	name    string
	next    Notifier
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

// NewGuarded builds a guarded notifier.
func NewGuarded(name string, next Notifier, opts GuardOptions, logger zerolog.Logger) *Guarded {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	log := logger.With().Str("component", "alert_guard").Str("notifier", name).Logger()

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("notifier guard state changed")
		},
	}

	g := &Guarded{
		name: name,
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return g
}

// Notify waits for the rate limiter, then sends through the circuit.
func (g *Guarded) Notify(ctx context.Context, alert Alert) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit: %w", g.name, err)
		}
	}
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.Notify(ctx, alert)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", g.name, err)
	}
	return nil
}

// State reports the circuit state of the guard.
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}

var _ Notifier = (*Guarded)(nil)
