package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"tradeguard/internal/quality"
)

// Export renders the quality history of one source as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.SourceID == "" {
		return errors.New("--source is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requirePostgres(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	scores, err := store.ListQualityScoresBetween(ctx, opts.SourceID, from, to, 0)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		a.Logger.Info().Str("source_id", opts.SourceID).Msg("no quality scores found for export window")
		return nil
	}

	downsampled := downsampleScores(scores, opts.MaxPoints)
	a.Logger.Info().Int("total", len(scores)).Int("exported", len(downsampled)).Msg("exporting quality scores")

	if opts.CSVPath != "" {
		if err := writeScoresCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeScoresPNG(opts.PNGPath, opts.SourceID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleScores(scores []quality.Score, max int) []quality.Score {
	if max <= 0 || len(scores) <= max {
		return scores
	}
	if max == 1 {
		return scores[len(scores)-1:]
	}

	result := make([]quality.Score, 0, max)
	step := float64(len(scores)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		result = append(result, scores[idx])
	}
	return result
}

func writeScoresCSV(path string, scores []quality.Score) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"scored_at", "score_id", "source_id", "symbol", "data_type", "overall", "completeness", "freshness", "consistency", "accuracy", "anomalies"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range scores {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339),
			s.ScoreID,
			s.SourceID,
			s.Symbol,
			string(s.DataType),
			formatScore(s.OverallScore),
			formatScore(s.Components.Completeness),
			formatScore(s.Components.Freshness),
			formatScore(s.Components.Consistency),
			formatScore(s.Components.Accuracy),
			strconv.Itoa(len(s.Anomalies)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeScoresPNG(path, sourceID string, scores []quality.Score) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(scores))
	overall := make([]float64, len(scores))
	completeness := make([]float64, len(scores))
	freshness := make([]float64, len(scores))
	anomalies := make([]float64, len(scores))

	for i, s := range scores {
		x[i] = s.Timestamp
		overall[i] = s.OverallScore
		completeness[i] = s.Components.Completeness
		freshness[i] = s.Components.Freshness
		anomalies[i] = float64(len(s.Anomalies))
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  "Data quality: " + sourceID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Score",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Anomalies",
			ValueFormatter: chart.IntValueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Overall", XValues: x, YValues: overall},
			chart.TimeSeries{Name: "Completeness", XValues: x, YValues: completeness},
			chart.TimeSeries{Name: "Freshness", XValues: x, YValues: freshness},
			chart.TimeSeries{
				Name:    "Anomalies",
				XValues: x,
				YValues: anomalies,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
