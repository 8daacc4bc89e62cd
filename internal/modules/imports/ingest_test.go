package imports

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketdata/internal/database"
	"github.com/aristath/marketdata/internal/modules/prices"
	"github.com/aristath/marketdata/internal/symbolcache"
)

const csvHeader = "Symbol,Security Name,Date,Open,High,Low,Close,Adj Close,Volume\n"

// setupTestService wires an import service over a temporary database.
func setupTestService(t *testing.T, chunkSize int) (*Service, *Repository, *prices.Repository, func()) {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "test_imports.db"),
		Name: "test",
	})
	require.NoError(t, err)

	ctx := context.Background()
	priceRepo := prices.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, priceRepo.EnsureSchema(ctx))
	importRepo := NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, importRepo.EnsureSchema(ctx))

	cache := symbolcache.New(priceRepo.DistinctSymbols, symbolcache.DefaultTTL)
	svc := NewService(importRepo, priceRepo, cache, chunkSize, zerolog.Nop())

	return svc, importRepo, priceRepo, func() { _ = db.Close() }
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestProcessFile_EndToEnd(t *testing.T) {
	svc, importRepo, priceRepo, cleanup := setupTestService(t, 2)
	defer cleanup()
	ctx := context.Background()

	content := csvHeader +
		"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n" +
		"AAPL,Apple Inc.,2020-01-03,100,102,99,101,101,1100\n" +
		"MSFT,Microsoft,2020-01-02,199,201,198,200,200,2000\n"
	path := writeCSV(t, content)

	rec, err := importRepo.Create(ctx, "imp-e2e", "upload.csv")
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)

	svc.ProcessFile(ctx, "imp-e2e", path)

	rec, err = importRepo.Get(ctx, "imp-e2e")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int64(3), rec.TotalRows)
	assert.Equal(t, int64(3), rec.ProcessedRows)
	assert.Equal(t, int64(2), rec.SymbolsCount)
	assert.Nil(t, rec.Error)

	count, err := priceRepo.CountByFilter(ctx, prices.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestProcessFile_DropsMalformedRows(t *testing.T) {
	svc, importRepo, priceRepo, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	content := csvHeader +
		"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n" +
		"AAPL,Apple Inc.,not-a-date,99,101,98,100,100,1000\n" + // bad date
		"AAPL,Apple Inc.,2020-01-03,99,101,98,,100,1000\n" + // missing close
		"AAPL,Apple Inc.,2020-01-06,99,101,98,100,,1000\n" + // missing adj close
		"AAPL,Apple Inc.,2020-01-07,,,,100,100,garbage\n" + // optional fields missing, bad volume
		"AAPL,Apple Inc.,2020-01-08,99,101\n" // wrong field count
	path := writeCSV(t, content)

	_, err := importRepo.Create(ctx, "imp-drop", "upload.csv")
	require.NoError(t, err)

	svc.ProcessFile(ctx, "imp-drop", path)

	rec, err := importRepo.Get(ctx, "imp-drop")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int64(6), rec.TotalRows)
	assert.Equal(t, int64(2), rec.ProcessedRows, "only the two valid rows survive")

	rows, err := priceRepo.FindRange(ctx, "AAPL", "", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// The row with empty open/high/low and an unparsable volume keeps NULLs
	// and a zero volume.
	full, err := priceRepo.Find(ctx, prices.Filter{DateFrom: "2020-01-07", DateTo: "2020-01-07"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, full, 1)
	assert.Nil(t, full[0].Open)
	assert.Nil(t, full[0].High)
	assert.Nil(t, full[0].Low)
	assert.Equal(t, int64(0), full[0].Volume)
}

func TestProcessFile_InvalidHeaderFails(t *testing.T) {
	svc, importRepo, _, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	path := writeCSV(t, "Ticker,Name,Date,Open,High,Low,Close,Adj Close,Volume\n"+
		"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n")

	_, err := importRepo.Create(ctx, "imp-header", "upload.csv")
	require.NoError(t, err)

	svc.ProcessFile(ctx, "imp-header", path)

	rec, err := importRepo.Get(ctx, "imp-header")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "invalid CSV header")
}

func TestProcessFile_HeaderWhitespaceTolerated(t *testing.T) {
	svc, importRepo, _, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	path := writeCSV(t, "Symbol, Security Name, Date, Open, High, Low, Close, Adj Close, Volume\n"+
		"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n")

	_, err := importRepo.Create(ctx, "imp-ws", "upload.csv")
	require.NoError(t, err)

	svc.ProcessFile(ctx, "imp-ws", path)

	rec, err := importRepo.Get(ctx, "imp-ws")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestProcessFile_PanicMarksFailed(t *testing.T) {
	_, importRepo, priceRepo, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	// A service wired against a nil price store panics on the first insert;
	// the pipeline must translate that into the import's failed state
	// instead of leaving it processing forever.
	cache := symbolcache.New(priceRepo.DistinctSymbols, symbolcache.DefaultTTL)
	broken := NewService(importRepo, nil, cache, 100, zerolog.Nop())

	path := writeCSV(t, csvHeader+"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n")

	_, err := importRepo.Create(ctx, "imp-panic", "upload.csv")
	require.NoError(t, err)

	broken.ProcessFile(ctx, "imp-panic", path)

	rec, err := importRepo.Get(ctx, "imp-panic")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "processing panicked")
}

func TestProcessFile_CancellationRemovesRows(t *testing.T) {
	svc, importRepo, priceRepo, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	path := writeCSV(t, csvHeader+"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n")

	_, err := importRepo.Create(ctx, "imp-cancel", "upload.csv")
	require.NoError(t, err)

	// The record vanishing mid-flight (a delete cascade won the race) is
	// observed at the first chunk boundary; the pipeline removes whatever it
	// wrote and stops without completing.
	require.NoError(t, importRepo.Delete(ctx, "imp-cancel"))

	svc.ProcessFile(ctx, "imp-cancel", path)

	rec, err := importRepo.Get(ctx, "imp-cancel")
	require.NoError(t, err)
	assert.Nil(t, rec, "cancelled import is never resurrected")

	count, err := priceRepo.CountByFilter(ctx, prices.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeleteImport_Cascades(t *testing.T) {
	svc, importRepo, priceRepo, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	path := writeCSV(t, csvHeader+
		"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n"+
		"AAPL,Apple Inc.,2020-01-03,100,102,99,101,101,1100\n")

	_, err := importRepo.Create(ctx, "imp-del", "upload.csv")
	require.NoError(t, err)
	svc.ProcessFile(ctx, "imp-del", path)

	require.NoError(t, importRepo.MarkDeleting(ctx, "imp-del"))
	svc.DeleteImport(ctx, "imp-del")

	rec, err := importRepo.Get(ctx, "imp-del")
	require.NoError(t, err)
	assert.Nil(t, rec)

	count, err := priceRepo.CountByFilter(ctx, prices.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRecoverOrphans(t *testing.T) {
	svc, importRepo, priceRepo, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	// A completed import that must survive recovery.
	done := writeCSV(t, csvHeader+"AAPL,Apple Inc.,2020-01-02,99,101,98,100,100,1000\n")
	_, err := importRepo.Create(ctx, "imp-done", "done.csv")
	require.NoError(t, err)
	svc.ProcessFile(ctx, "imp-done", done)

	// An import stuck in processing, as if the process died mid-ingest.
	_, err = importRepo.Create(ctx, "imp-stuck", "stuck.csv")
	require.NoError(t, err)
	require.NoError(t, importRepo.UpdateStatus(ctx, "imp-stuck", StatusProcessing))
	_, err = priceRepo.InsertMany(ctx, []prices.StockPrice{{
		Symbol: "MSFT", Date: "2020-01-02", Close: 200, AdjClose: 200, ImportID: "imp-stuck",
	}})
	require.NoError(t, err)

	// Price rows whose import record vanished entirely.
	_, err = priceRepo.InsertMany(ctx, []prices.StockPrice{{
		Symbol: "GOOG", Date: "2020-01-02", Close: 300, AdjClose: 300, ImportID: "imp-ghost",
	}})
	require.NoError(t, err)

	require.NoError(t, svc.RecoverOrphans(ctx))

	rec, err := importRepo.Get(ctx, "imp-stuck")
	require.NoError(t, err)
	assert.Nil(t, rec, "stuck import removed")

	rec, err = importRepo.Get(ctx, "imp-done")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusCompleted, rec.Status)

	count, err := priceRepo.CountByFilter(ctx, prices.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "only the completed import's row remains")

	rows, err := priceRepo.FindRange(ctx, "AAPL", "", "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRepository_StatusMachine(t *testing.T) {
	_, importRepo, _, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	rec, err := importRepo.Create(ctx, "imp-status", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	require.NoError(t, importRepo.UpdateStatus(ctx, "imp-status", StatusProcessing))
	require.NoError(t, importRepo.UpdateProgress(ctx, "imp-status", 100, 40, 3))

	rec, err = importRepo.Get(ctx, "imp-status")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, int64(100), rec.TotalRows)
	assert.Equal(t, int64(40), rec.ProcessedRows)
	assert.Equal(t, int64(3), rec.SymbolsCount)

	require.NoError(t, importRepo.SetFailed(ctx, "imp-status", "boom"))
	rec, err = importRepo.Get(ctx, "imp-status")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "boom", *rec.Error)

	ids, err := importRepo.IDsWithStatuses(ctx, StatusFailed, StatusDeleting)
	require.NoError(t, err)
	assert.Equal(t, []string{"imp-status"}, ids)
}

func TestRepository_ListNewestFirst(t *testing.T) {
	_, importRepo, _, cleanup := setupTestService(t, 100)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"imp-a", "imp-b", "imp-c"} {
		_, err := importRepo.Create(ctx, id, id+".csv")
		require.NoError(t, err)
	}

	records, total, err := importRepo.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, records, 2)

	records, total, err = importRepo.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, records, 1)
}
