package breaker

import (
	"math"
	"time"
)

// The helpers below compute rolling statistics over an event slice ordered
// oldest first. Storage backends load the relevant slice and delegate here so
// every backend agrees on the arithmetic.

// LossRate returns the percentage of TRADE events at or after since that lost.
func LossRate(events []TradingEvent, since time.Time) float64 {
	var trades, losses int
	for _, ev := range events {
		if ev.EventType != EventTrade || ev.Timestamp.Before(since) {
			continue
		}
		trades++
		if isLoss(ev) {
			losses++
		}
	}
	if trades == 0 {
		return 0
	}
	return float64(losses) / float64(trades) * 100
}

// ConsecutiveFailures counts unsuccessful TRADE/ERROR events from the newest
// backwards until the first success. PRICE_UPDATE events are ignored.
func ConsecutiveFailures(events []TradingEvent) int {
	count := 0
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if !countsTowardOutcome(ev) {
			continue
		}
		if ev.Success {
			break
		}
		count++
	}
	return count
}

// MaxPriceDeviation returns the largest absolute price deviation at or after since.
func MaxPriceDeviation(events []TradingEvent, since time.Time) float64 {
	var largest float64
	for _, ev := range events {
		if ev.PriceDeviation == nil || ev.Timestamp.Before(since) {
			continue
		}
		if d := math.Abs(*ev.PriceDeviation); d > largest {
			largest = d
		}
	}
	return largest
}

// ErrorRate returns the percentage of errored events among the newest
// sampleSize TRADE/ERROR events.
func ErrorRate(events []TradingEvent, sampleSize int) float64 {
	if sampleSize <= 0 {
		return 0
	}
	var sampled, errored int
	for i := len(events) - 1; i >= 0 && sampled < sampleSize; i-- {
		ev := events[i]
		if !countsTowardOutcome(ev) {
			continue
		}
		sampled++
		if ev.EventType == EventError || ev.ErrorMessage != "" {
			errored++
		}
	}
	if sampled == 0 {
		return 0
	}
	return float64(errored) / float64(sampled) * 100
}

func isLoss(ev TradingEvent) bool {
	if !ev.Success {
		return true
	}
	return ev.LossAmount != nil && ev.LossAmount.IsPositive()
}

func countsTowardOutcome(ev TradingEvent) bool {
	return ev.EventType == EventTrade || ev.EventType == EventError
}
