package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeguard/internal/quality"
)

const maxSeriesBody = 8 << 20

// SeriesOptions parameterise the HTTP series feed.
type SeriesOptions struct {
	SourceID       string
	Symbol         string
	DataType       quality.DataType
	URL            string
	ExpectedPoints int
	Timeout        time.Duration
	UserAgent      string
}

// Series polls an HTTP endpoint returning a JSON window of observations:
//
//	{"symbol":"BTC-USD","lastUpdated":"...","points":[{"timestamp":"...","value":"101.5","reference":"101.4"}]}
//
// Values may be JSON numbers or decimal strings; timestamps may be RFC3339 or unix seconds.
type Series struct {
	opts   SeriesOptions
	logger zerolog.Logger
	client *http.Client
}

// NewSeries constructs an HTTP series feed.
func NewSeries(opts SeriesOptions, logger zerolog.Logger) *Series {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.DataType == "" {
		opts.DataType = quality.DataTypePrice
	}
	return &Series{
		opts:   opts,
		logger: logger.With().Str("component", "series_feed").Str("source_id", opts.SourceID).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// SourceID identifies the feed.
func (s *Series) SourceID() string { return s.opts.SourceID }

// Fetch downloads and parses the current window.
func (s *Series) Fetch(ctx context.Context) (Sample, error) {
	if strings.TrimSpace(s.opts.URL) == "" {
		return Sample{}, errors.New("feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tradeguard/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxSeriesBody))
	if err != nil {
		return Sample{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Sample{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body seriesResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Sample{}, fmt.Errorf("decode series: %w", err)
	}

	points := make([]quality.DataPoint, 0, len(body.Points))
	for i, p := range body.Points {
		point, err := p.toDataPoint()
		if err != nil {
			return Sample{}, fmt.Errorf("point %d: %w", i, err)
		}
		points = append(points, point)
	}

	symbol := s.opts.Symbol
	if symbol == "" {
		symbol = body.Symbol
	}

	in := quality.Input{Points: points, ExpectedDataPoints: s.opts.ExpectedPoints}
	if in.ExpectedDataPoints <= 0 {
		in.ExpectedDataPoints = len(points)
	}
	if body.LastUpdated != nil {
		ts, err := body.LastUpdated.time()
		if err != nil {
			return Sample{}, fmt.Errorf("lastUpdated: %w", err)
		}
		in.LastUpdated = &ts
	}

	s.logger.Debug().Int("points", len(points)).Msg("series fetched")
	return Sample{SourceID: s.opts.SourceID, Symbol: symbol, DataType: s.opts.DataType, Input: in}, nil
}

type seriesResponse struct {
	Symbol      string        `json:"symbol"`
	LastUpdated *flexTime     `json:"lastUpdated"`
	Points      []seriesPoint `json:"points"`
}

type seriesPoint struct {
	Timestamp flexTime    `json:"timestamp"`
	Value     json.Number `json:"value"`
	Reference json.Number `json:"reference"`
}

func (p seriesPoint) toDataPoint() (quality.DataPoint, error) {
	ts, err := p.Timestamp.time()
	if err != nil {
		return quality.DataPoint{}, err
	}
	value, err := decimal.NewFromString(p.Value.String())
	if err != nil {
		return quality.DataPoint{}, fmt.Errorf("parse value %q: %w", p.Value, err)
	}
	point := quality.DataPoint{Timestamp: ts, Value: value.InexactFloat64()}
	if p.Reference != "" {
		ref, err := decimal.NewFromString(p.Reference.String())
		if err != nil {
			return quality.DataPoint{}, fmt.Errorf("parse reference %q: %w", p.Reference, err)
		}
		f := ref.InexactFloat64()
		point.Reference = &f
	}
	return point, nil
}

// flexTime accepts RFC3339 strings and unix seconds.
type flexTime struct {
	raw json.RawMessage
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	f.raw = append(f.raw[:0], data...)
	return nil
}

func (f flexTime) time() (time.Time, error) {
	raw := strings.TrimSpace(string(f.raw))
	if raw == "" || raw == "null" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(f.raw, &s); err != nil {
			return time.Time{}, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		raw = s
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("feed error (%d)", status)
}

var _ Feed = (*Series)(nil)
