package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"tradeguard/internal/breaker"
)

// Breaker actions accepted by BreakerAction.
const (
	ActionTrip     = "trip"
	ActionReset    = "reset"
	ActionHalfOpen = "half-open"
)

// BreakerActionOptions describe one manual lifecycle transition.
type BreakerActionOptions struct {
	TenantID  string
	BreakerID string
	Action    string
	Reason    string
	AuthToken string
}

// Check evaluates the tenant's breakers against tc and prints the verdict.
func (a *App) Check(ctx context.Context, tenantID string, tc breaker.TradingContext) (bool, error) {
	rt, err := a.build(ctx)
	if err != nil {
		return false, err
	}
	defer rt.Close()
	return a.check(ctx, rt.engine, tenantID, tc)
}

func (a *App) check(ctx context.Context, engine *breaker.Engine, tenantID string, tc breaker.TradingContext) (bool, error) {
	res, err := engine.CheckBreakers(ctx, tenantID, tc)
	if err != nil {
		return false, err
	}
	if res.AllClosed {
		fmt.Fprintln(a.Out, "trading allowed: all breakers closed")
		return true, nil
	}
	fmt.Fprintln(a.Out, "trading blocked")
	blocking := append(append([]breaker.CircuitBreaker{}, res.OpenBreakers...), res.HalfOpenBreakers...)
	writeBreakerTable(a.Out, blocking)
	return false, nil
}

// BreakerAction applies a manual trip, reset or half-open transition.
func (a *App) BreakerAction(ctx context.Context, opts BreakerActionOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return a.breakerAction(ctx, rt.engine, opts)
}

func (a *App) breakerAction(ctx context.Context, engine *breaker.Engine, opts BreakerActionOptions) error {
	var (
		b   breaker.CircuitBreaker
		err error
	)
	switch strings.ToLower(opts.Action) {
	case ActionTrip:
		reason := opts.Reason
		if reason == "" {
			reason = "manual trip via cli"
		}
		b, err = engine.TripBreaker(ctx, opts.TenantID, opts.BreakerID, reason)
	case ActionReset:
		b, err = engine.ResetBreaker(ctx, opts.TenantID, opts.BreakerID, opts.AuthToken)
	case ActionHalfOpen:
		b, err = engine.TransitionToHalfOpen(ctx, opts.TenantID, opts.BreakerID)
	default:
		return fmt.Errorf("unknown breaker action %q", opts.Action)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s -> %s (trips %d)\n", b.BreakerID, b.State, b.TripCount)
	return nil
}

// Sweep runs one auto-reset pass over every known tenant.
func (a *App) Sweep(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	reports, err := a.newService(rt, nil).SweepBreakers(ctx)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Tenant\tHalf-Opened\tClosed\tRe-Tripped")
	for _, r := range reports {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			r.TenantID,
			orDash(strings.Join(r.HalfOpened, ",")),
			orDash(strings.Join(r.Closed, ",")),
			orDash(strings.Join(r.Retripped, ",")),
		)
	}
	writer.Flush()
	return err
}

// Migrate applies the SQL migrations to the configured database.
func (a *App) Migrate(ctx context.Context, dir string) error {
	if dir == "" {
		dir = a.Config.Database.MigrationsPath
	}
	store, closeStore, err := a.requirePostgres(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("files", applied).Msg("migrations applied")
	return nil
}
