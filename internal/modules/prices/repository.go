// Package prices stores and queries daily stock price rows.
package prices

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/marketdata/internal/database"
	"github.com/aristath/marketdata/internal/symbolcache"
)

// Repository handles stock price database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// priceColumns is the list of columns for the stock_prices table.
// Used to avoid SELECT * which can break when schema changes.
const priceColumns = `id, symbol, security_name, date, open, high, low, close, adj_close, volume, import_id`

// NewRepository creates a new price repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "prices").Logger(),
	}
}

// EnsureSchema creates the stock_prices table and its indexes if they do not
// exist. The UNIQUE(symbol, date) index is what makes re-imports of
// overlapping files idempotent.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stock_prices (
			id INTEGER PRIMARY KEY,
			symbol TEXT NOT NULL,
			security_name TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			open REAL,
			high REAL,
			low REAL,
			close REAL NOT NULL,
			adj_close REAL NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			import_id TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_prices_symbol_date ON stock_prices(symbol, date)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_date ON stock_prices(date)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_import_id ON stock_prices(import_id)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_symbol_name ON stock_prices(symbol, security_name)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure stock_prices schema: %w", err)
		}
	}
	return nil
}

// InsertMany writes a batch of price rows in a single transaction and returns
// how many were actually inserted. Rows colliding with an existing
// (symbol, date) pair are silently skipped and not counted.
func (r *Repository) InsertMany(ctx context.Context, records []StockPrice) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO stock_prices
			(symbol, security_name, date, open, high, low, close, adj_close, volume, import_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			res, err := stmt.ExecContext(ctx,
				rec.Symbol, rec.SecurityName, rec.Date,
				rec.Open, rec.High, rec.Low,
				rec.Close, rec.AdjClose, rec.Volume, rec.ImportID)
			if err != nil {
				return fmt.Errorf("failed to insert price row %s/%s: %w", rec.Symbol, rec.Date, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			inserted += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// DeleteByImport removes all price rows written by one import. Idempotent.
func (r *Repository) DeleteByImport(ctx context.Context, importID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM stock_prices WHERE import_id = ?", importID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prices for import %s: %w", importID, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return deleted, nil
}

// buildWhere translates a Filter into a WHERE clause and its arguments
func buildWhere(f Filter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}

	if f.Symbol != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(f.Symbol)))
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "date <= ?")
		args = append(args, f.DateTo)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Find returns price rows matching the filter in ascending date order
// (symbol breaks ties), with skip/limit pagination.
func (r *Repository) Find(ctx context.Context, f Filter, skip, limit int) ([]StockPrice, error) {
	where, args := buildWhere(f)
	query := "SELECT " + priceColumns + " FROM stock_prices" + where +
		" ORDER BY date, symbol LIMIT ? OFFSET ?"
	args = append(args, limit, skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	result := []StockPrice{}
	for rows.Next() {
		var p StockPrice
		if err := rows.Scan(&p.ID, &p.Symbol, &p.SecurityName, &p.Date,
			&p.Open, &p.High, &p.Low, &p.Close, &p.AdjClose, &p.Volume, &p.ImportID); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate price rows: %w", err)
	}

	return result, nil
}

// CountByFilter returns the exact number of rows matching the filter
func (r *Repository) CountByFilter(ctx context.Context, f Filter) (int64, error) {
	where, args := buildWhere(f)
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stock_prices"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count prices: %w", err)
	}
	return count, nil
}

// EstimatedCount returns a cheap upper-bound row count for the unfiltered
// listing. MAX(rowid) is O(1) where COUNT(*) walks the whole index, and the
// listing UI only needs an approximate total.
func (r *Repository) EstimatedCount(ctx context.Context) (int64, error) {
	var count sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT MAX(rowid) FROM stock_prices").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate price count: %w", err)
	}
	if !count.Valid {
		return 0, nil
	}
	return count.Int64, nil
}

// FindRange returns (date, adj_close) pairs for one symbol in ascending date
// order, optionally bounded by from/to (inclusive, YYYY-MM-DD).
func (r *Repository) FindRange(ctx context.Context, symbol, from, to string) ([]DatePrice, error) {
	where, args := buildWhere(Filter{Symbol: symbol, DateFrom: from, DateTo: to})
	query := "SELECT date, adj_close FROM stock_prices" + where + " ORDER BY date"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price range: %w", err)
	}
	defer rows.Close()

	result := []DatePrice{}
	for rows.Next() {
		var dp DatePrice
		if err := rows.Scan(&dp.Date, &dp.AdjClose); err != nil {
			return nil, fmt.Errorf("failed to scan price range row: %w", err)
		}
		result = append(result, dp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate price range rows: %w", err)
	}

	return result, nil
}

// FindFirstSecurityName returns the security name from the earliest row for
// the symbol, preferring the requested window and falling back to the whole
// table. Best-effort: lookup failures return nil, never an error, because a
// missing display name must not fail a backtest.
func (r *Repository) FindFirstSecurityName(ctx context.Context, symbol, from, to string) *string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	queries := []struct {
		where string
		args  []interface{}
	}{}

	if from != "" || to != "" {
		where, args := buildWhere(Filter{Symbol: symbol, DateFrom: from, DateTo: to})
		queries = append(queries, struct {
			where string
			args  []interface{}
		}{where, args})
	}
	where, args := buildWhere(Filter{Symbol: symbol})
	queries = append(queries, struct {
		where string
		args  []interface{}
	}{where, args})

	for _, q := range queries {
		var name string
		err := r.db.QueryRowContext(ctx,
			"SELECT security_name FROM stock_prices"+q.where+" AND security_name != '' ORDER BY date LIMIT 1",
			q.args...).Scan(&name)
		if err == nil {
			return &name
		}
		if err != sql.ErrNoRows {
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("Security name lookup failed")
			return nil
		}
	}

	return nil
}

// SymbolDateRange returns the min/max date and row count for one symbol.
// Returns nil when the store holds no rows for it.
func (r *Repository) SymbolDateRange(ctx context.Context, symbol string) (*DateRange, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var first, last sql.NullString
	var count int64
	err := r.db.QueryRowContext(ctx,
		"SELECT MIN(date), MAX(date), COUNT(*) FROM stock_prices WHERE symbol = ?",
		symbol).Scan(&first, &last, &count)
	if err != nil {
		return nil, fmt.Errorf("failed to query date range for %s: %w", symbol, err)
	}
	if count == 0 || !first.Valid || !last.Valid {
		return nil, nil
	}

	return &DateRange{
		Symbol:     symbol,
		MinDate:    first.String,
		MaxDate:    last.String,
		DataPoints: count,
	}, nil
}

// DistinctSymbols aggregates the symbol index: one entry per symbol with the
// security name from its earliest row and the total row count, ordered by
// symbol. This is the expensive query the symbol cache fronts.
func (r *Repository) DistinctSymbols(ctx context.Context) ([]symbolcache.SymbolInfo, error) {
	// SQLite resolves the bare security_name column from the row that
	// achieves MIN(date) within each group.
	rows, err := r.db.QueryContext(ctx,
		`SELECT symbol, security_name, COUNT(*), MIN(date)
		 FROM stock_prices GROUP BY symbol ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct symbols: %w", err)
	}
	defer rows.Close()

	result := []symbolcache.SymbolInfo{}
	for rows.Next() {
		var info symbolcache.SymbolInfo
		var minDate string
		if err := rows.Scan(&info.Symbol, &info.SecurityName, &info.Count, &minDate); err != nil {
			return nil, fmt.Errorf("failed to scan symbol row: %w", err)
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate symbol rows: %w", err)
	}

	return result, nil
}

// CountDistinctSymbolsByImport returns how many distinct symbols one import
// has written so far. Called by the ingest pipeline for progress reporting.
func (r *Repository) CountDistinctSymbolsByImport(ctx context.Context, importID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT symbol) FROM stock_prices WHERE import_id = ?",
		importID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count symbols for import %s: %w", importID, err)
	}
	return count, nil
}

// DistinctImportIDs returns every import_id present in the price table
func (r *Repository) DistinctImportIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT import_id FROM stock_prices")
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct import ids: %w", err)
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

// DeleteByImports removes price rows for a set of import ids, returning the
// number of rows deleted. Used by the startup recovery sweep.
func (r *Repository) DeleteByImports(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := r.db.ExecContext(ctx,
		"DELETE FROM stock_prices WHERE import_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prices for imports: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return deleted, nil
}
