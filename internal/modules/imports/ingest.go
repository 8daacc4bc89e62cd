package imports

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketdata/internal/modules/prices"
	"github.com/aristath/marketdata/internal/symbolcache"
)

// expectedHeader is the exact CSV column set an upload must carry,
// compared after trimming whitespace.
var expectedHeader = []string{
	"Symbol", "Security Name", "Date", "Open", "High", "Low",
	"Close", "Adj Close", "Volume",
}

// Service runs the ingestion pipeline and the delete/recovery flows that
// span import records and price rows.
type Service struct {
	repo      *Repository
	priceRepo *prices.Repository
	cache     *symbolcache.Cache
	chunkSize int
	log       zerolog.Logger
}

// NewService creates an import service
func NewService(repo *Repository, priceRepo *prices.Repository, cache *symbolcache.Cache, chunkSize int, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		priceRepo: priceRepo,
		cache:     cache,
		chunkSize: chunkSize,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// ProcessFile ingests one staged CSV file for the given import. Designed to
// run as a background job: every failure, panics included, is absorbed into
// the import's failed state rather than returned. Cancellation (record
// deleted or marked deleting) is observed at chunk boundaries only.
func (s *Service) ProcessFile(ctx context.Context, importID, filePath string) {
	log := s.log.With().Str("import_id", importID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("CSV processing panicked")
			if ferr := s.repo.SetFailed(ctx, importID, fmt.Sprintf("processing panicked: %v", r)); ferr != nil {
				log.Error().Err(ferr).Msg("Failed to record import failure")
			}
		}
	}()

	if err := s.repo.UpdateStatus(ctx, importID, StatusProcessing); err != nil {
		log.Error().Err(err).Msg("Failed to mark import processing")
		return
	}

	if err := s.process(ctx, importID, filePath, log); err != nil {
		log.Error().Err(err).Msg("CSV processing failed")
		if ferr := s.repo.SetFailed(ctx, importID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record import failure")
		}
	}
}

func (s *Service) process(ctx context.Context, importID, filePath string, log zerolog.Logger) error {
	totalRows, err := countDataRows(filePath)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	if err := s.repo.UpdateProgress(ctx, importID, totalRows, 0, 0); err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReaderSize(f, 256*1024))
	reader.FieldsPerRecord = -1 // row width validated per record

	header, err := reader.Read()
	if err == io.EOF {
		return fmt.Errorf("invalid CSV header: file is empty")
	}
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	if err := validateHeader(header); err != nil {
		return err
	}

	var processed, symbolsCount int64
	chunkCount := 0

	for {
		cancelled, err := s.checkCancelled(ctx, importID, log)
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}

		chunk, err := readChunk(reader, s.chunkSize)
		if err != nil {
			return fmt.Errorf("failed to read CSV: %w", err)
		}
		if len(chunk) == 0 {
			break
		}

		records := transformRows(chunk, importID)
		if len(records) > 0 {
			inserted, err := s.priceRepo.InsertMany(ctx, records)
			if err != nil {
				return fmt.Errorf("failed to insert chunk: %w", err)
			}
			processed += int64(inserted)
		}

		chunkCount++
		if chunkCount%10 == 0 {
			count, err := s.priceRepo.CountDistinctSymbolsByImport(ctx, importID)
			if err != nil {
				return err
			}
			symbolsCount = count
		}
		if err := s.repo.UpdateProgress(ctx, importID, totalRows, processed, symbolsCount); err != nil {
			return err
		}
	}

	// Final cancellation check before marking complete.
	cancelled, err := s.checkCancelled(ctx, importID, log)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	symbolsCount, err = s.priceRepo.CountDistinctSymbolsByImport(ctx, importID)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateProgress(ctx, importID, totalRows, processed, symbolsCount); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, importID, StatusCompleted); err != nil {
		return err
	}
	s.cache.Invalidate()

	log.Info().
		Int64("total_rows", totalRows).
		Int64("inserted", processed).
		Int64("symbols", symbolsCount).
		Msg("Import completed")
	return nil
}

// checkCancelled reports whether the import has been deleted or flagged for
// deletion, cleaning up any rows it already wrote.
func (s *Service) checkCancelled(ctx context.Context, importID string, log zerolog.Logger) (bool, error) {
	rec, err := s.repo.Get(ctx, importID)
	if err != nil {
		return false, err
	}
	if rec != nil && rec.Status != StatusDeleting {
		return false, nil
	}

	log.Info().Msg("Import cancelled, removing its rows")
	if _, err := s.priceRepo.DeleteByImport(ctx, importID); err != nil {
		return true, err
	}
	s.cache.Invalidate()
	return true, nil
}

// DeleteImport cascades the deletion of an import: price rows first, then the
// record itself, then the symbol cache. Runs as a background job after the
// handler has already marked the record deleting.
func (s *Service) DeleteImport(ctx context.Context, importID string) {
	log := s.log.With().Str("import_id", importID).Logger()

	deleted, err := s.priceRepo.DeleteByImport(ctx, importID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete price rows")
		return
	}
	if err := s.repo.Delete(ctx, importID); err != nil {
		log.Error().Err(err).Msg("Failed to delete import record")
		return
	}
	s.cache.Invalidate()

	log.Info().Int64("rows_deleted", deleted).Msg("Import deleted")
}

// RecoverOrphans cleans up after an unclean shutdown, before the server
// starts accepting requests: imports stuck in a transient state are removed
// together with their price rows, then price rows whose import record no
// longer exists are swept.
func (s *Service) RecoverOrphans(ctx context.Context) error {
	stuck, err := s.repo.IDsWithStatuses(ctx, StatusPending, StatusProcessing, StatusDeleting)
	if err != nil {
		return fmt.Errorf("failed to find stuck imports: %w", err)
	}

	if len(stuck) > 0 {
		rowsDeleted, err := s.priceRepo.DeleteByImports(ctx, stuck)
		if err != nil {
			return fmt.Errorf("failed to delete rows of stuck imports: %w", err)
		}
		for _, id := range stuck {
			if err := s.repo.Delete(ctx, id); err != nil {
				return fmt.Errorf("failed to delete stuck import: %w", err)
			}
		}
		s.log.Info().
			Int("imports", len(stuck)).
			Int64("rows", rowsDeleted).
			Msg("Removed imports interrupted by shutdown")
	}

	// Price rows whose import record is gone entirely.
	known, err := s.repo.AllIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list import ids: %w", err)
	}
	present, err := s.priceRepo.DistinctImportIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list import ids in price table: %w", err)
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}
	orphaned := []string{}
	for _, id := range present {
		if _, ok := knownSet[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}

	if len(orphaned) > 0 {
		rowsDeleted, err := s.priceRepo.DeleteByImports(ctx, orphaned)
		if err != nil {
			return fmt.Errorf("failed to delete orphaned price rows: %w", err)
		}
		s.log.Info().
			Int("import_ids", len(orphaned)).
			Int64("rows", rowsDeleted).
			Msg("Removed orphaned price rows")
	}

	if len(stuck) > 0 || len(orphaned) > 0 {
		s.cache.Invalidate()
	}
	return nil
}

// countDataRows counts newline-delimited lines minus the header. A fast scan
// so the UI can show progress before parsing starts.
func countDataRows(filePath string) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	if count <= 1 {
		return 0, nil
	}
	return count - 1, nil
}

func validateHeader(header []string) error {
	if len(header) != len(expectedHeader) {
		return fmt.Errorf("invalid CSV header: expected columns %v, got %v", expectedHeader, header)
	}
	for i, col := range header {
		if strings.TrimSpace(col) != expectedHeader[i] {
			return fmt.Errorf("invalid CSV header: expected columns %v, got %v", expectedHeader, header)
		}
	}
	return nil
}

// readChunk reads up to n records from the reader. Returns an empty slice at
// end of file.
func readChunk(reader *csv.Reader, n int) ([][]string, error) {
	chunk := make([][]string, 0, n)
	for len(chunk) < n {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunk = append(chunk, record)
	}
	return chunk, nil
}

// transformRows coerces raw CSV records into price rows. Rows with the wrong
// field count, an unparsable date, or a missing close/adj_close are dropped;
// open/high/low stay optional and an unparsable volume becomes 0.
func transformRows(rows [][]string, importID string) []prices.StockPrice {
	records := make([]prices.StockPrice, 0, len(rows))

	for _, row := range rows {
		if len(row) != len(expectedHeader) {
			continue
		}

		date, err := time.Parse("2006-01-02", strings.TrimSpace(row[2]))
		if err != nil {
			continue
		}

		closePrice, closeOK := parseFloat(row[6])
		adjClose, adjOK := parseFloat(row[7])
		if !closeOK || !adjOK {
			continue
		}

		var volume int64
		if v, ok := parseFloat(row[8]); ok {
			volume = int64(v)
		}

		records = append(records, prices.StockPrice{
			Symbol:       strings.TrimSpace(row[0]),
			SecurityName: strings.TrimSpace(row[1]),
			Date:         date.Format("2006-01-02"),
			Open:         parseOptionalFloat(row[3]),
			High:         parseOptionalFloat(row[4]),
			Low:          parseOptionalFloat(row[5]),
			Close:        closePrice,
			AdjClose:     adjClose,
			Volume:       volume,
			ImportID:     importID,
		})
	}

	return records
}

func parseFloat(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseOptionalFloat(raw string) *float64 {
	if v, ok := parseFloat(raw); ok {
		return &v
	}
	return nil
}
