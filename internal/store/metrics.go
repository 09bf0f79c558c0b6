package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ComputeMetrics recomputes the derived queue projection from the database.
func (s *Store) ComputeMetrics(ctx context.Context) (Metrics, error) {
	var metrics Metrics

	stats, err := s.Stats(ctx)
	if err != nil {
		return metrics, err
	}
	for status, count := range stats {
		metrics.Total += count
		switch status {
		case StatusPending:
			metrics.Pending += count
		case StatusUploading:
			metrics.Uploading += count
		case StatusUploaded:
			metrics.Uploaded += count
		case StatusFailed:
			metrics.Failed += count
		}
	}

	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(retries), 0) FROM assets`)
	if err := row.Scan(&metrics.TotalRetries); err != nil {
		return metrics, fmt.Errorf("sum retries: %w", err)
	}

	var oldestRaw sql.NullString
	row = s.db.QueryRowContext(
		ctx,
		`SELECT MIN(created_at) FROM assets WHERE status = ?`,
		StatusPending,
	)
	if err := row.Scan(&oldestRaw); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return metrics, fmt.Errorf("oldest pending: %w", err)
	}
	if oldestRaw.Valid {
		if created, err := parseTimeString(oldestRaw.String); err == nil {
			metrics.OldestPendingAge = time.Since(created)
		}
	}

	attempted := metrics.Uploaded + metrics.Failed
	if attempted > 0 {
		metrics.ErrorRate = float64(metrics.Failed) / float64(attempted)
	}
	return metrics, nil
}
