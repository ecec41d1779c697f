package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeguard/internal/quality"
)

const (
	insertQualityScoreSQL = `INSERT INTO quality_scores (
        score_id,
        source_id,
        symbol,
        data_type,
        scored_at,
        overall_score,
        completeness,
        freshness,
        consistency,
        accuracy,
        anomalies
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (score_id) DO NOTHING;`

	qualityScoreColumns = `score_id,
        source_id,
        symbol,
        data_type,
        scored_at,
        overall_score,
        completeness,
        freshness,
        consistency,
        accuracy,
        anomalies`

	listQualityScoresSinceSQL = `SELECT ` + qualityScoreColumns + `
    FROM quality_scores
    WHERE source_id = $1
      AND scored_at >= $2
    ORDER BY scored_at;`

	listQualityScoresBetweenSQL = `SELECT ` + qualityScoreColumns + `
    FROM quality_scores
    WHERE source_id = $1
      AND scored_at >= $2
      AND scored_at < $3
    ORDER BY scored_at
    LIMIT $4;`
)

// SaveQualityScore persists one assessment.
func (s *Store) SaveQualityScore(ctx context.Context, score quality.Score) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	anomalies := score.Anomalies
	if anomalies == nil {
		anomalies = []quality.DataAnomaly{}
	}
	payload, err := json.Marshal(anomalies)
	if err != nil {
		return fmt.Errorf("encode anomalies: %w", err)
	}

	_, execErr := pool.Exec(ctx, insertQualityScoreSQL,
		score.ScoreID,
		score.SourceID,
		score.Symbol,
		string(score.DataType),
		score.Timestamp,
		score.OverallScore,
		score.Components.Completeness,
		score.Components.Freshness,
		score.Components.Consistency,
		score.Components.Accuracy,
		payload,
	)
	if execErr != nil {
		return fmt.Errorf("insert quality score: %w", execErr)
	}
	return nil
}

// ListQualityScores lists a source's assessments since the given time, oldest first.
func (s *Store) ListQualityScores(ctx context.Context, sourceID string, since time.Time) ([]quality.Score, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listQualityScoresSinceSQL, sourceID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list quality scores: %w", queryErr)
	}
	return collectQualityScores(rows)
}

// ListQualityScoresBetween lists a source's assessments within [from, to).
// A non-positive limit means no limit.
func (s *Store) ListQualityScoresBetween(ctx context.Context, sourceID string, from, to time.Time, limit int) ([]quality.Score, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, queryErr := pool.Query(ctx, listQualityScoresBetweenSQL, sourceID, from, to, lim)
	if queryErr != nil {
		return nil, fmt.Errorf("list quality scores between: %w", queryErr)
	}
	return collectQualityScores(rows)
}

func collectQualityScores(rows pgx.Rows) ([]quality.Score, error) {
	defer rows.Close()

	scores := make([]quality.Score, 0)
	for rows.Next() {
		var (
			score    quality.Score
			dataType string
			payload  []byte
		)
		if err := rows.Scan(
			&score.ScoreID,
			&score.SourceID,
			&score.Symbol,
			&dataType,
			&score.Timestamp,
			&score.OverallScore,
			&score.Components.Completeness,
			&score.Components.Freshness,
			&score.Components.Consistency,
			&score.Components.Accuracy,
			&payload,
		); err != nil {
			return nil, err
		}
		score.DataType = quality.DataType(dataType)
		score.Timestamp = score.Timestamp.UTC()
		if err := json.Unmarshal(payload, &score.Anomalies); err != nil {
			return nil, fmt.Errorf("decode anomalies of %s: %w", score.ScoreID, err)
		}
		scores = append(scores, score)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return scores, nil
}
