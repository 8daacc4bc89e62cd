// Package imports tracks CSV uploads and runs the ingestion pipeline that
// turns them into price rows.
package imports

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles import record database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

const importColumns = `id, filename, uploaded_at, status, total_rows, processed_rows, symbols_count, error`

// NewRepository creates a new import repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "imports").Logger(),
	}
}

// EnsureSchema creates the imports table and its indexes if they do not exist
func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS imports (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			uploaded_at TEXT NOT NULL,
			status TEXT NOT NULL,
			total_rows INTEGER NOT NULL DEFAULT 0,
			processed_rows INTEGER NOT NULL DEFAULT 0,
			symbols_count INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_imports_uploaded_at ON imports(uploaded_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_imports_status ON imports(status)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure imports schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new pending import record
func (r *Repository) Create(ctx context.Context, id, filename string) (*ImportRecord, error) {
	rec := &ImportRecord{
		ID:         id,
		Filename:   filename,
		UploadedAt: time.Now().UTC().Truncate(time.Second),
		Status:     StatusPending,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO imports (id, filename, uploaded_at, status, total_rows, processed_rows, symbols_count)
		 VALUES (?, ?, ?, ?, 0, 0, 0)`,
		rec.ID, rec.Filename, rec.UploadedAt.Format(time.RFC3339), rec.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create import record: %w", err)
	}

	return rec, nil
}

// Get returns an import record by id, or nil when it does not exist
func (r *Repository) Get(ctx context.Context, id string) (*ImportRecord, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+importColumns+" FROM imports WHERE id = ?", id)

	rec, err := scanImport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get import %s: %w", id, err)
	}
	return rec, nil
}

// List returns import records sorted by upload time descending, newest
// first, with the total record count for pagination.
func (r *Repository) List(ctx context.Context, skip, limit int) ([]ImportRecord, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM imports").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count imports: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+importColumns+" FROM imports ORDER BY uploaded_at DESC, id LIMIT ? OFFSET ?",
		limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list imports: %w", err)
	}
	defer rows.Close()

	result := []ImportRecord{}
	for rows.Next() {
		rec, err := scanImport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan import row: %w", err)
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate import rows: %w", err)
	}

	return result, total, nil
}

// UpdateStatus sets the status of an import record
func (r *Repository) UpdateStatus(ctx context.Context, id, status string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE imports SET status = ? WHERE id = ?", status, id); err != nil {
		return fmt.Errorf("failed to update import %s status: %w", id, err)
	}
	return nil
}

// UpdateProgress persists row and symbol counters for a running import
func (r *Repository) UpdateProgress(ctx context.Context, id string, totalRows, processedRows, symbolsCount int64) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE imports SET total_rows = ?, processed_rows = ?, symbols_count = ? WHERE id = ?",
		totalRows, processedRows, symbolsCount, id); err != nil {
		return fmt.Errorf("failed to update import %s progress: %w", id, err)
	}
	return nil
}

// SetFailed marks an import failed with an error message
func (r *Repository) SetFailed(ctx context.Context, id, message string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE imports SET status = ?, error = ? WHERE id = ?",
		StatusFailed, message, id); err != nil {
		return fmt.Errorf("failed to mark import %s failed: %w", id, err)
	}
	return nil
}

// MarkDeleting flags an import for deletion. The ingest pipeline observes
// this at its next chunk boundary and aborts.
func (r *Repository) MarkDeleting(ctx context.Context, id string) error {
	return r.UpdateStatus(ctx, id, StatusDeleting)
}

// Delete removes an import record
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM imports WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete import %s: %w", id, err)
	}
	return nil
}

// IDsWithStatuses returns ids of imports whose status is in the given set
func (r *Repository) IDsWithStatuses(ctx context.Context, statuses ...string) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM imports WHERE status IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query imports by status: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan import id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import ids: %w", err)
	}

	return ids, nil
}

// AllIDs returns every import record id
func (r *Repository) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM imports")
	if err != nil {
		return nil, fmt.Errorf("failed to query import ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan import id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import ids: %w", err)
	}

	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImport(row rowScanner) (*ImportRecord, error) {
	var rec ImportRecord
	var uploadedAt string
	if err := row.Scan(&rec.ID, &rec.Filename, &uploadedAt, &rec.Status,
		&rec.TotalRows, &rec.ProcessedRows, &rec.SymbolsCount, &rec.Error); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339, uploadedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid uploaded_at %q: %w", uploadedAt, err)
	}
	rec.UploadedAt = t

	return &rec, nil
}
