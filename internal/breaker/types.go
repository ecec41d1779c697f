package breaker

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Blocking reports whether trading is halted in this state.
func (s State) Blocking() bool {
	return s != StateClosed
}

// Scope selects the trading activity a breaker governs.
type Scope string

const (
	ScopePortfolio Scope = "PORTFOLIO"
	ScopeStrategy  Scope = "STRATEGY"
	ScopeAsset     Scope = "ASSET"
)

// EventType classifies a recorded trading event.
type EventType string

const (
	EventTrade       EventType = "TRADE"
	EventError       EventType = "ERROR"
	EventPriceUpdate EventType = "PRICE_UPDATE"
)

// CircuitBreaker is one configured risk rule for a tenant.
type CircuitBreaker struct {
	BreakerID        string
	TenantID         string
	Name             string
	Condition        Condition
	Scope            Scope
	ScopeID          string
	State            State
	TripCount        int
	LastTrippedAt    *time.Time
	CooldownMinutes  int
	AutoResetEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// Version is bumped on every write and used for compare-and-swap persistence.
	Version int64
}

// CooldownEndsAt returns the earliest time automatic recovery may begin.
func (b CircuitBreaker) CooldownEndsAt() (time.Time, bool) {
	if b.LastTrippedAt == nil {
		return time.Time{}, false
	}
	return b.LastTrippedAt.Add(time.Duration(b.CooldownMinutes) * time.Minute), true
}

type breakerJSON struct {
	BreakerID        string          `json:"breakerId"`
	TenantID         string          `json:"tenantId"`
	Name             string          `json:"name"`
	Condition        json.RawMessage `json:"condition"`
	Scope            Scope           `json:"scope"`
	ScopeID          string          `json:"scopeId,omitempty"`
	State            State           `json:"state"`
	TripCount        int             `json:"tripCount"`
	LastTrippedAt    *time.Time      `json:"lastTrippedAt,omitempty"`
	CooldownMinutes  int             `json:"cooldownMinutes"`
	AutoResetEnabled bool            `json:"autoResetEnabled"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// MarshalJSON renders the breaker with its condition as a tagged object.
func (b CircuitBreaker) MarshalJSON() ([]byte, error) {
	cond, err := EncodeCondition(b.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(breakerJSON{
		BreakerID:        b.BreakerID,
		TenantID:         b.TenantID,
		Name:             b.Name,
		Condition:        cond,
		Scope:            b.Scope,
		ScopeID:          b.ScopeID,
		State:            b.State,
		TripCount:        b.TripCount,
		LastTrippedAt:    b.LastTrippedAt,
		CooldownMinutes:  b.CooldownMinutes,
		AutoResetEnabled: b.AutoResetEnabled,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	})
}

// TradingEvent is an immutable entry in a breaker's event history.
type TradingEvent struct {
	EventType      EventType        `json:"eventType"`
	StrategyID     string           `json:"strategyId,omitempty"`
	AssetID        string           `json:"assetId,omitempty"`
	Success        bool             `json:"success"`
	LossAmount     *decimal.Decimal `json:"lossAmount,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	PriceDeviation *float64         `json:"priceDeviation,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// TradingContext is the operating context a breaker check runs against.
// Nil numeric fields mean "not provided" and count as zero.
type TradingContext struct {
	StrategyID        string   `json:"strategyId,omitempty"`
	AssetID           string   `json:"assetId,omitempty"`
	RecentLossPercent *float64 `json:"recentLossPercent,omitempty"`
	PriceDeviation    *float64 `json:"priceDeviation,omitempty"`
	RecentErrorRate   *float64 `json:"recentErrorRate,omitempty"`
}

// CheckResult is the outcome of a trading-gate query.
type CheckResult struct {
	AllClosed        bool             `json:"allClosed"`
	OpenBreakers     []CircuitBreaker `json:"openBreakers"`
	HalfOpenBreakers []CircuitBreaker `json:"halfOpenBreakers"`
}

// BreakerInput carries the fields accepted when a breaker is created.
type BreakerInput struct {
	BreakerID        string
	Name             string
	Condition        Condition
	Scope            Scope
	ScopeID          string
	CooldownMinutes  int
	AutoResetEnabled bool
}

// BreakerUpdate carries the configuration fields that may change after creation.
// Nil fields are left untouched.
type BreakerUpdate struct {
	Name             *string
	Condition        Condition
	Scope            *Scope
	ScopeID          *string
	CooldownMinutes  *int
	AutoResetEnabled *bool
}

func float64Value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
