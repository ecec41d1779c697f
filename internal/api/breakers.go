package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"tradeguard/internal/breaker"
)

type createBreakerRequest struct {
	BreakerID        string              `json:"breakerId" validate:"omitempty,max=128"`
	Name             string              `json:"name" validate:"required,max=200"`
	Condition        jsoniter.RawMessage `json:"condition" validate:"required"`
	Scope            string              `json:"scope" validate:"required,oneof=PORTFOLIO STRATEGY ASSET"`
	ScopeID          string              `json:"scopeId" validate:"max=128"`
	CooldownMinutes  int                 `json:"cooldownMinutes" validate:"gte=0"`
	AutoResetEnabled bool                `json:"autoResetEnabled"`
}

type updateBreakerRequest struct {
	Name             *string             `json:"name" validate:"omitempty,max=200"`
	Condition        jsoniter.RawMessage `json:"condition"`
	Scope            *string             `json:"scope" validate:"omitempty,oneof=PORTFOLIO STRATEGY ASSET"`
	ScopeID          *string             `json:"scopeId" validate:"omitempty,max=128"`
	CooldownMinutes  *int                `json:"cooldownMinutes" validate:"omitempty,gte=0"`
	AutoResetEnabled *bool               `json:"autoResetEnabled"`
}

type tripRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type resetRequest struct {
	AuthToken string `json:"authToken"`
}

type listBreakersResponse struct {
	Breakers []breaker.CircuitBreaker `json:"breakers"`
}

type checkResponse struct {
	breaker.CheckResult
	TradingAllowed bool `json:"tradingAllowed"`
}

func (s *Server) decodeCondition(raw jsoniter.RawMessage) (breaker.Condition, error) {
	cond, err := breaker.DecodeCondition(raw)
	if err != nil {
		return nil, err
	}
	if _, unknown := cond.(breaker.UnknownCondition); !unknown {
		if err := s.validate.Struct(cond); err != nil {
			return nil, err
		}
	}
	return cond, nil
}

func (s *Server) createBreaker(w http.ResponseWriter, r *http.Request) {
	var req createBreakerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, err)
		return
	}
	cond, err := s.decodeCondition(req.Condition)
	if err != nil {
		s.fail(w, err)
		return
	}

	b, err := s.engine.CreateBreaker(r.Context(), tenantFrom(r.Context()), breaker.BreakerInput{
		BreakerID:        req.BreakerID,
		Name:             req.Name,
		Condition:        cond,
		Scope:            breaker.Scope(req.Scope),
		ScopeID:          req.ScopeID,
		CooldownMinutes:  req.CooldownMinutes,
		AutoResetEnabled: req.AutoResetEnabled,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListBreakers(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []breaker.CircuitBreaker{}
	}
	writeJSON(w, http.StatusOK, listBreakersResponse{Breakers: list})
}

func (s *Server) getBreaker(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBreaker(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) updateBreaker(w http.ResponseWriter, r *http.Request) {
	var req updateBreakerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, err)
		return
	}

	upd := breaker.BreakerUpdate{
		Name:             req.Name,
		ScopeID:          req.ScopeID,
		CooldownMinutes:  req.CooldownMinutes,
		AutoResetEnabled: req.AutoResetEnabled,
	}
	if req.Scope != nil {
		scope := breaker.Scope(*req.Scope)
		upd.Scope = &scope
	}
	if len(req.Condition) > 0 && string(req.Condition) != "null" {
		cond, err := s.decodeCondition(req.Condition)
		if err != nil {
			s.fail(w, err)
			return
		}
		upd.Condition = cond
	}

	b, err := s.engine.UpdateBreaker(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], upd)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) deleteBreaker(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteBreaker(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkBreakers(w http.ResponseWriter, r *http.Request) {
	var tc breaker.TradingContext
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &tc); err != nil {
			s.fail(w, err)
			return
		}
	}
	res, err := s.engine.CheckBreakers(r.Context(), tenantFrom(r.Context()), tc)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{CheckResult: res, TradingAllowed: res.AllClosed})
}

func (s *Server) tripBreaker(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.fail(w, err)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual trip via api"
	}
	b, err := s.engine.TripBreaker(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// resetBreaker 接受 body 中的 authToken 或 Authorization: Bearer 头。
func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.fail(w, err)
			return
		}
	}
	token := req.AuthToken
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	b, err := s.engine.ResetBreaker(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], token)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) halfOpenBreaker(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.TransitionToHalfOpen(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
