package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tradeguard/internal/quality"
)

const defaultHistoryMinutes = 60

var errQualityDisabled = errors.New("quality monitor not configured")

type qualityScoreRequest struct {
	SourceID           string              `json:"sourceId" validate:"required,max=128"`
	Symbol             string              `json:"symbol" validate:"max=64"`
	DataType           string              `json:"dataType" validate:"required,oneof=PRICE NEWS SENTIMENT ON_CHAIN"`
	Points             []quality.DataPoint `json:"points"`
	ExpectedDataPoints int                 `json:"expectedDataPoints" validate:"gte=0"`
	ActualDataPoints   *int                `json:"actualDataPoints" validate:"omitempty,gte=0"`
	LastUpdated        *time.Time          `json:"lastUpdated"`
}

type qualityScoreResponse struct {
	Score     quality.Score `json:"score"`
	Threshold float64       `json:"threshold"`
	Alerted   bool          `json:"alerted"`
}

type historyResponse struct {
	SourceID      string          `json:"sourceId"`
	PeriodMinutes int             `json:"periodMinutes"`
	Scores        []quality.Score `json:"scores"`
}

type thresholdBody struct {
	DataType  quality.DataType `json:"dataType,omitempty"`
	Threshold *float64         `json:"threshold" validate:"required,gte=0,lte=1"`
}

func (s *Server) assessQuality(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: errQualityDisabled.Error(), Code: "UNAVAILABLE"})
		return
	}
	var req qualityScoreRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, err)
		return
	}

	dataType := quality.DataType(req.DataType)
	score, alerted, err := s.monitor.Assess(r.Context(), req.SourceID, req.Symbol, dataType, quality.Input{
		Points:             req.Points,
		ExpectedDataPoints: req.ExpectedDataPoints,
		ActualDataPoints:   req.ActualDataPoints,
		LastUpdated:        req.LastUpdated,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qualityScoreResponse{
		Score:     score,
		Threshold: s.monitor.GetQualityThreshold(dataType),
		Alerted:   alerted,
	})
}

func (s *Server) qualityHistory(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: errQualityDisabled.Error(), Code: "UNAVAILABLE"})
		return
	}
	q := r.URL.Query()
	sourceID := strings.TrimSpace(q.Get("sourceId"))
	if sourceID == "" {
		s.fail(w, badRequest("sourceId is required"))
		return
	}
	period := defaultHistoryMinutes
	if raw := q.Get("periodMinutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, badRequest("periodMinutes must be a positive integer"))
			return
		}
		period = n
	}

	scores, err := s.monitor.GetQualityHistory(r.Context(), sourceID, period)
	if err != nil {
		s.fail(w, err)
		return
	}
	if scores == nil {
		scores = []quality.Score{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SourceID: sourceID, PeriodMinutes: period, Scores: scores})
}

func (s *Server) dataTypeParam(r *http.Request) (quality.DataType, error) {
	dt := quality.DataType(strings.ToUpper(mux.Vars(r)["dataType"]))
	if !dt.Valid() {
		return "", badRequest("unknown data type %q", mux.Vars(r)["dataType"])
	}
	return dt, nil
}

func (s *Server) getThreshold(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: errQualityDisabled.Error(), Code: "UNAVAILABLE"})
		return
	}
	dt, err := s.dataTypeParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	threshold := s.monitor.GetQualityThreshold(dt)
	writeJSON(w, http.StatusOK, thresholdBody{DataType: dt, Threshold: &threshold})
}

func (s *Server) setThreshold(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: errQualityDisabled.Error(), Code: "UNAVAILABLE"})
		return
	}
	dt, err := s.dataTypeParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req thresholdBody
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.monitor.SetQualityThreshold(dt, *req.Threshold); err != nil {
		s.fail(w, badRequest("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, thresholdBody{DataType: dt, Threshold: req.Threshold})
}
