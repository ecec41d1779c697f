package api

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/breaker"
)

type eventRequest struct {
	EventType      string           `json:"eventType" validate:"required,oneof=TRADE ERROR PRICE_UPDATE"`
	StrategyID     string           `json:"strategyId" validate:"max=128"`
	AssetID        string           `json:"assetId" validate:"max=128"`
	Success        bool             `json:"success"`
	LossAmount     *decimal.Decimal `json:"lossAmount"`
	ErrorMessage   string           `json:"errorMessage" validate:"max=2000"`
	PriceDeviation *float64         `json:"priceDeviation"`
	Timestamp      *time.Time       `json:"timestamp"`
}

type eventResponse struct {
	Recorded int `json:"recorded"`
}

// recordEvent appends the event to the history of every breaker whose scope
// matches it.
func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, err)
		return
	}
	if req.LossAmount != nil && req.LossAmount.IsNegative() {
		s.fail(w, badRequest("lossAmount must not be negative"))
		return
	}

	ev := breaker.TradingEvent{
		EventType:      breaker.EventType(req.EventType),
		StrategyID:     req.StrategyID,
		AssetID:        req.AssetID,
		Success:        req.Success,
		LossAmount:     req.LossAmount,
		ErrorMessage:   req.ErrorMessage,
		PriceDeviation: req.PriceDeviation,
	}
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}

	n, err := s.engine.RecordEvent(r.Context(), tenantFrom(r.Context()), ev)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, eventResponse{Recorded: n})
}
