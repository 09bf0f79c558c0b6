package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound reports that an operation targeted an asset id with no row.
var ErrNotFound = errors.New("asset not found")

// ErrInvalidTransition reports that an asset was not in the status a
// transition requires. Seeing it outside of races with explicit deletes
// indicates a scheduling bug.
var ErrInvalidTransition = errors.New("invalid status transition")

// Reserve atomically claims up to limit eligible assets for delivery,
// oldest first, marking them uploading in a single statement. Two racing
// drains can never claim the same row: the select-and-mark is one UPDATE.
//
// Failed assets below the retry cap are eligible alongside pending ones;
// assets at or above the cap stay parked until an explicit reset.
func (s *Store) Reserve(ctx context.Context, limit, maxRetries int) ([]*Asset, error) {
	if limit <= 0 {
		return nil, nil
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(
		ctx,
		`UPDATE assets SET status = ?, updated_at = ?
         WHERE id IN (
             SELECT id FROM assets
             WHERE status = ? OR (status = ? AND retries < ?)
             ORDER BY id LIMIT ?
         )
         RETURNING `+assetColumns,
		StatusUploading,
		timestamp,
		StatusPending,
		StatusFailed,
		maxRetries,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("reserve assets: %w", err)
	}
	defer rows.Close()

	reserved, err := collectAssets(rows)
	if err != nil {
		return nil, fmt.Errorf("reserve assets: %w", err)
	}
	// RETURNING row order is unspecified; restore insertion order.
	sort.Slice(reserved, func(i, j int) bool { return reserved[i].ID < reserved[j].ID })
	return reserved, nil
}

// MarkUploaded records a successful delivery: status uploaded plus the
// server-assigned identifier. Only valid from uploading.
func (s *Store) MarkUploaded(ctx context.Context, id int64, serverID string) error {
	if serverID == "" {
		return errors.New("server id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE assets SET status = ?, server_id = ?, error_message = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusUploaded,
		serverID,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusUploading,
	)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return requireTransition(ctx, s, res, id)
}

// IncrementRetry bumps the failed-attempt counter by exactly one and returns
// the new count.
func (s *Store) IncrementRetry(ctx context.Context, id int64) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE assets SET retries = retries + 1, updated_at = ? WHERE id = ? RETURNING retries`,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	var retries int
	if err := row.Scan(&retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("increment retry: %w", ErrNotFound)
		}
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return retries, nil
}

// RevertToPending returns an asset to eligibility after a failed attempt
// whose retry count is still below the cap. Retries are preserved. Only
// valid from uploading.
func (s *Store) RevertToPending(ctx context.Context, id int64, errorMessage string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE assets SET status = ?, error_message = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusPending,
		nullableString(errorMessage),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusUploading,
	)
	if err != nil {
		return fmt.Errorf("revert to pending: %w", err)
	}
	return requireTransition(ctx, s, res, id)
}

// MarkFailedTerminal parks an asset that exhausted its retries. Only valid
// from uploading.
func (s *Store) MarkFailedTerminal(ctx context.Context, id int64, errorMessage string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE assets SET status = ?, error_message = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusFailed,
		nullableString(errorMessage),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusUploading,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireTransition(ctx, s, res, id)
}

// ResetToPending clears retries and returns the asset to pending regardless
// of its current status. The server id is cleared so the uploaded invariant
// (server id set iff status uploaded) holds after a reset.
func (s *Store) ResetToPending(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE assets SET status = ?, retries = 0, server_id = NULL, error_message = NULL, updated_at = ?
         WHERE id = ?`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("reset asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("reset asset %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReconcileStaleUploading returns assets orphaned in uploading status (by a
// crashed or backgrounded process mid-drain) to pending so they re-enter
// eligibility. The interrupted attempt counts as a failed one, so retries
// increment; the record still lands in pending even at the cap, and the next
// real attempt decides whether it parks.
func (s *Store) ReconcileStaleUploading(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE assets SET status = ?, retries = retries + 1, updated_at = ?
         WHERE status = ?`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusUploading,
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale uploading: %w", err)
	}
	return res.RowsAffected()
}

func requireTransition(ctx context.Context, s *Store, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("asset %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("asset %d in status %s: %w", id, existing.Status, ErrInvalidTransition)
}
