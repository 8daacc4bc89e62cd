package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketdata/internal/symbolcache"
)

func newTestRouter(t *testing.T) (chi.Router, *Repository, func()) {
	t.Helper()

	repo, cleanup := setupTestRepo(t)
	cache := symbolcache.New(repo.DistinctSymbols, symbolcache.DefaultTTL)
	handler := NewHandler(repo, cache, zerolog.Nop())

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, repo, cleanup
}

func get(t *testing.T, r chi.Router, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func seedListRows(t *testing.T, repo *Repository) {
	t.Helper()

	var rows []StockPrice
	for i := 1; i <= 5; i++ {
		rows = append(rows, row("AAPL", "Apple Inc.", fmt.Sprintf("2020-01-0%d", i), 100+float64(i), "imp-1"))
	}
	rows = append(rows, row("MSFT", "Microsoft", "2020-01-01", 200, "imp-1"))
	_, err := repo.InsertMany(context.Background(), rows)
	require.NoError(t, err)
}

func TestHandleList(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()
	seedListRows(t, repo)

	t.Run("paginates with defaults", func(t *testing.T) {
		rec, body := get(t, r, "/api/stock-prices")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 6.0, body["total"])
		assert.Equal(t, 0.0, body["skip"])
		assert.Equal(t, 100.0, body["limit"])
		assert.Len(t, body["data"], 6)
	})

	t.Run("rows omit internal bookkeeping fields", func(t *testing.T) {
		_, body := get(t, r, "/api/stock-prices?limit=1")
		data, ok := body["data"].([]interface{})
		require.True(t, ok)
		require.Len(t, data, 1)

		first := data[0].(map[string]interface{})
		assert.NotContains(t, first, "id")
		assert.NotContains(t, first, "import_id")
		assert.Contains(t, first, "symbol")
		assert.Contains(t, first, "adj_close")
	})

	t.Run("symbol and date filters narrow the count", func(t *testing.T) {
		rec, body := get(t, r, "/api/stock-prices?symbol=aapl&date_from=2020-01-03")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 3.0, body["total"])
		assert.Len(t, body["data"], 3)
	})

	t.Run("skip and limit", func(t *testing.T) {
		rec, body := get(t, r, "/api/stock-prices?symbol=AAPL&skip=4&limit=2")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5.0, body["total"])
		assert.Len(t, body["data"], 1)
	})

	t.Run("limit is clamped", func(t *testing.T) {
		rec, body := get(t, r, "/api/stock-prices?limit=99999")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1000.0, body["limit"])
	})

	t.Run("bad date is rejected", func(t *testing.T) {
		rec, body := get(t, r, "/api/stock-prices?date_from=03-01-2020")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "Invalid date_from format. Use YYYY-MM-DD", body["detail"])
	})
}

func TestHandleSymbols(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()
	seedListRows(t, repo)

	rec, body := get(t, r, "/api/stock-prices/symbols")
	require.Equal(t, http.StatusOK, rec.Code)

	symbols, ok := body["symbols"].([]interface{})
	require.True(t, ok)
	require.Len(t, symbols, 2)

	first := symbols[0].(map[string]interface{})
	assert.Equal(t, "AAPL", first["symbol"])
	assert.Equal(t, "Apple Inc.", first["security_name"])
	assert.Equal(t, 5.0, first["count"])
}
