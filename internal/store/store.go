package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"snapsync/internal/config"
)

// Store manages asset persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the spool database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "spool.db"))
}

// OpenPath opens the database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	// Pragmas go in the DSN so they apply to every connection in the
	// database/sql pool, not just the one a PRAGMA statement happens to run on.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Insert records a newly captured asset in pending status and returns it with
// its assigned id.
func (s *Store) Insert(ctx context.Context, asset NewAsset) (*Asset, error) {
	if asset.PayloadPath == "" {
		return nil, errors.New("payload path is required")
	}
	if asset.ContentType == "" {
		return nil, errors.New("content type is required")
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO assets (
            status, retries, payload_path, content_type, created_at, updated_at,
            size_bytes, latitude, longitude, category, owner
        ) VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		StatusPending,
		asset.PayloadPath,
		asset.ContentType,
		timestamp,
		timestamp,
		asset.SizeBytes,
		nullableFloat(asset.Latitude),
		nullableFloat(asset.Longitude),
		nullableString(asset.Category),
		nullableString(asset.Owner),
	)
	if err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches an asset by identifier. Returns nil when no row exists.
func (s *Store) GetByID(ctx context.Context, id int64) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// FindActiveByPayloadPath returns the live asset (not uploaded, not failed)
// recorded for a payload path, or nil. Enqueue uses it to keep repeated
// captures of the same file from producing duplicate spool rows.
func (s *Store) FindActiveByPayloadPath(ctx context.Context, payloadPath string) (*Asset, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+assetColumns+` FROM assets
         WHERE payload_path = ? AND status IN (?, ?)
         ORDER BY id LIMIT 1`,
		payloadPath,
		StatusPending,
		StatusUploading,
	)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find asset by payload path: %w", err)
	}
	return asset, nil
}

// List returns assets filtered by status set (or all assets when no status is
// provided), ordered by ascending id.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Asset, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + assetColumns + ` FROM assets`
	orderClause := ` ORDER BY id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	return collectAssets(rows)
}

// ListEligible returns up to limit assets the next drain would consider,
// oldest first. Failed assets remain eligible only below the retry cap.
func (s *Store) ListEligible(ctx context.Context, limit, maxRetries int) ([]*Asset, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+assetColumns+` FROM assets
         WHERE status = ? OR (status = ? AND retries < ?)
         ORDER BY id LIMIT ?`,
		StatusPending,
		StatusFailed,
		maxRetries,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list eligible assets: %w", err)
	}
	defer rows.Close()

	return collectAssets(rows)
}

// Remove deletes an asset by identifier, regardless of its status.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearUploaded removes delivered assets from the spool.
func (s *Store) ClearUploaded(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE status = ?`, StatusUploaded)
	if err != nil {
		return 0, fmt.Errorf("clear uploaded: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed removes terminally failed assets from the spool.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of assets grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM assets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("asset stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

const assetColumns = "id, status, retries, payload_path, content_type, server_id, error_message, created_at, updated_at, size_bytes, latitude, longitude, category, owner"

func scanAsset(scanner interface{ Scan(dest ...any) error }) (*Asset, error) {
	var (
		id           int64
		statusStr    string
		retries      int
		payloadPath  string
		contentType  string
		serverID     sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		updatedRaw   string
		sizeBytes    int64
		latitude     sql.NullFloat64
		longitude    sql.NullFloat64
		category     sql.NullString
		owner        sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&statusStr,
		&retries,
		&payloadPath,
		&contentType,
		&serverID,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&sizeBytes,
		&latitude,
		&longitude,
		&category,
		&owner,
	); err != nil {
		return nil, err
	}

	asset := &Asset{
		ID:           id,
		Status:       Status(statusStr),
		Retries:      retries,
		PayloadPath:  payloadPath,
		ContentType:  contentType,
		ServerID:     serverID.String,
		ErrorMessage: errorMessage.String,
		SizeBytes:    sizeBytes,
		Category:     category.String,
		Owner:        owner.String,
	}
	if latitude.Valid {
		v := latitude.Float64
		asset.Latitude = &v
	}
	if longitude.Valid {
		v := longitude.Float64
		asset.Longitude = &v
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		asset.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		asset.UpdatedAt = updated
	}
	return asset, nil
}

func collectAssets(rows *sql.Rows) ([]*Asset, error) {
	var assets []*Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
