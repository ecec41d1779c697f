package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/breaker"
)

// Show prints the breakers of a tenant and optionally their recent events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return a.showBreakers(ctx, rt, opts)
}

func (a *App) showBreakers(ctx context.Context, rt *runtime, opts ShowOptions) error {
	breakers, err := rt.engine.ListBreakers(ctx, opts.TenantID)
	if err != nil {
		return err
	}
	if len(breakers) == 0 {
		fmt.Fprintf(a.Out, "no breakers found for tenant %s\n", opts.TenantID)
		return nil
	}

	writeBreakerTable(a.Out, breakers)

	if opts.Events <= 0 {
		return nil
	}
	for _, b := range breakers {
		events, err := rt.store.ListEvents(ctx, opts.TenantID, b.BreakerID, opts.Events)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "\n%s (%d events)\n", b.BreakerID, len(events))
		if len(events) > 0 {
			writeEventTable(a.Out, events)
		}
	}
	return nil
}

func writeBreakerTable(out io.Writer, breakers []breaker.CircuitBreaker) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tCondition\tScope\tState\tTrips\tLast Tripped (UTC)\tCooldown Ends\tAuto Reset")

	for _, b := range breakers {
		scope := string(b.Scope)
		if b.ScopeID != "" {
			scope += ":" + b.ScopeID
		}
		lastTripped, cooldownEnds := "-", "-"
		if b.LastTrippedAt != nil {
			lastTripped = b.LastTrippedAt.UTC().Format(time.RFC3339)
		}
		if ends, ok := b.CooldownEndsAt(); ok {
			cooldownEnds = ends.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
			b.BreakerID,
			sanitizeInline(b.Name),
			conditionSummary(b.Condition),
			scope,
			b.State,
			b.TripCount,
			lastTripped,
			cooldownEnds,
			b.AutoResetEnabled,
		)
	}
	writer.Flush()
}

func writeEventTable(out io.Writer, events []breaker.TradingEvent) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tType\tStrategy\tAsset\tSuccess\tLoss\tDeviation%\tError")
	for _, ev := range events {
		loss, deviation := "-", "-"
		if ev.LossAmount != nil {
			loss = formatDecimal(*ev.LossAmount, 2)
		}
		if ev.PriceDeviation != nil {
			deviation = formatDecimal(decimal.NewFromFloat(*ev.PriceDeviation), 3)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			ev.Timestamp.UTC().Format(time.RFC3339),
			ev.EventType,
			orDash(ev.StrategyID),
			orDash(ev.AssetID),
			ev.Success,
			loss,
			deviation,
			sanitizeInline(ev.ErrorMessage),
		)
	}
	writer.Flush()
}

func conditionSummary(c breaker.Condition) string {
	switch cond := c.(type) {
	case breaker.LossRateCondition:
		return fmt.Sprintf("LOSS_RATE %.2f%%/%dm", cond.LossPercent, cond.TimeWindowMinutes)
	case breaker.ConsecutiveFailuresCondition:
		return fmt.Sprintf("CONSECUTIVE_FAILURES %d", cond.Count)
	case breaker.PriceDeviationCondition:
		return fmt.Sprintf("PRICE_DEVIATION %.2f%%/%dm", cond.DeviationPercent, cond.TimeWindowMinutes)
	case breaker.ErrorRateCondition:
		return fmt.Sprintf("ERROR_RATE %.2f%%/%d", cond.ErrorPercent, cond.SampleSize)
	case nil:
		return "-"
	default:
		return string(c.Type()) + " (unsupported)"
	}
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
