package fetcher

import (
	"context"

	"tradeguard/internal/quality"
)

// Sample is one batch pulled from a feed, ready for quality scoring.
type Sample struct {
	SourceID string
	Symbol   string
	DataType quality.DataType
	Input    quality.Input
}

// Feed retrieves the latest window of observations from a data source.
type Feed interface {
	SourceID() string
	Fetch(ctx context.Context) (Sample, error)
}
