package backtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketdata/internal/modules/prices"
)

func newTestRouter(t *testing.T) (chi.Router, *prices.Repository, func()) {
	t.Helper()

	engine, repo, cleanup := newTestEngine(t)
	handler := NewHandler(engine, repo, zerolog.Nop())

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, repo, cleanup
}

func doJSON(t *testing.T, r chi.Router, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestHandleRun_Validation(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()

	seedDaily(t, repo, "AAPL", "Apple Inc.", "2020-01-01", 100, 101, 102)

	tests := []struct {
		name   string
		body   string
		status int
		detail string
	}{
		{
			name:   "malformed body",
			body:   `{"symbol":`,
			status: http.StatusUnprocessableEntity,
			detail: "Invalid request body.",
		},
		{
			name:   "bad date format",
			body:   `{"symbol":"AAPL","date_from":"01/02/2020","date_to":"2020-01-03","initial_capital":1000,"strategy":"buy_and_hold"}`,
			status: http.StatusUnprocessableEntity,
			detail: "Invalid date format. Use YYYY-MM-DD.",
		},
		{
			name:   "inverted dates",
			body:   `{"symbol":"AAPL","date_from":"2020-01-03","date_to":"2020-01-01","initial_capital":1000,"strategy":"buy_and_hold"}`,
			status: http.StatusUnprocessableEntity,
			detail: "date_from must be before date_to.",
		},
		{
			name:   "non-positive capital",
			body:   `{"symbol":"AAPL","date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":0,"strategy":"buy_and_hold"}`,
			status: http.StatusUnprocessableEntity,
			detail: "initial_capital must be greater than 0.",
		},
		{
			name:   "unknown symbol",
			body:   `{"symbol":"NOPE","date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":1000,"strategy":"buy_and_hold"}`,
			status: http.StatusNotFound,
			detail: "No data found for symbol 'NOPE'.",
		},
		{
			name:   "unknown strategy",
			body:   `{"symbol":"AAPL","date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":1000,"strategy":"momentum"}`,
			status: http.StatusBadRequest,
			detail: "Unknown strategy.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doJSON(t, r, http.MethodPost, "/api/backtest", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.detail, body["detail"])
		})
	}
}

func TestHandleRun_Success(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()

	seedDaily(t, repo, "AAPL", "Apple Inc.", "2020-01-01", 100, 101, 102, 103, 104)

	rec, body := doJSON(t, r, http.MethodPost, "/api/backtest",
		`{"symbol":"AAPL","date_from":"2020-01-01","date_to":"2020-01-05","initial_capital":1000,"strategy":"buy_and_hold"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AAPL", body["symbol"])
	assert.Equal(t, 1040.0, body["final_value"])
	assert.Len(t, body["equity_curve"], 5)
}

func TestHandleRun_NonFiniteEquityIsServerError(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()

	// A zero close is finite, so ingestion keeps it, but dividing capital by
	// it makes the equity curve non-finite and unencodable. The response must
	// be a clean 500, not a truncated 200.
	seedDaily(t, repo, "ZERO", "Zeroed Corp", "2020-01-01", 0, 0, 0)

	rec, body := doJSON(t, r, http.MethodPost, "/api/backtest",
		`{"symbol":"ZERO","date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":1000,"strategy":"buy_and_hold"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Backtest failed", body["detail"])
}

func TestHandleCompare_StrategyCountBounds(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()

	seedDaily(t, repo, "AAPL", "Apple Inc.", "2020-01-01", 100, 101, 102)

	rec, body := doJSON(t, r, http.MethodPost, "/api/backtest/compare",
		`{"symbol":"AAPL","date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":1000,"strategies":[{"strategy":"buy_and_hold"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "At least 2 strategies required for comparison.", body["detail"])

	six := `{"strategy":"buy_and_hold"},{"strategy":"buy_and_hold"},{"strategy":"buy_and_hold"},{"strategy":"buy_and_hold"},{"strategy":"buy_and_hold"},{"strategy":"buy_and_hold"}`
	rec, body = doJSON(t, r, http.MethodPost, "/api/backtest/compare",
		`{"symbol":"AAPL","date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":1000,"strategies":[`+six+`]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "At most 5 strategies can be compared.", body["detail"])
}

func TestHandlePortfolio_Validation(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()

	seedDaily(t, repo, "AAPL", "Apple Inc.", "2020-01-01", 100, 101, 102)
	seedDaily(t, repo, "MSFT", "Microsoft", "2020-01-01", 200, 201, 202)

	base := func(holdings, extra string) string {
		return `{"holdings":` + holdings + `,"date_from":"2020-01-01","date_to":"2020-01-03","initial_capital":1000,"strategy":"buy_and_hold"` + extra + `}`
	}

	t.Run("too few holdings", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodPost, "/api/backtest/portfolio",
			base(`[{"symbol":"AAPL","weight":1.0}]`, ""))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "A portfolio needs between 2 and 5 holdings.", body["detail"])
	})

	t.Run("weights off by more than a percent", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodPost, "/api/backtest/portfolio",
			base(`[{"symbol":"AAPL","weight":0.5},{"symbol":"MSFT","weight":0.4}]`, ""))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "Holdings weights must sum to 1.0 (got 0.9000).", body["detail"])
	})

	t.Run("rebalance without interval", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodPost, "/api/backtest/portfolio",
			base(`[{"symbol":"AAPL","weight":0.5},{"symbol":"MSFT","weight":0.5}]`, `,"rebalance":true`))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "rebalance_interval is required when rebalance=true.", body["detail"])
	})

	t.Run("unknown rebalance interval", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodPost, "/api/backtest/portfolio",
			base(`[{"symbol":"AAPL","weight":0.5},{"symbol":"MSFT","weight":0.5}]`, `,"rebalance":true,"rebalance_interval":"yearly"`))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, `Unknown rebalance_interval "yearly".`, body["detail"])
	})

	t.Run("holding without data", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodPost, "/api/backtest/portfolio",
			base(`[{"symbol":"AAPL","weight":0.5},{"symbol":"NOPE","weight":0.5}]`, ""))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "No data found for symbol 'NOPE'.", body["detail"])
	})

	t.Run("weight tolerance accepts 1.005", func(t *testing.T) {
		rec, _ := doJSON(t, r, http.MethodPost, "/api/backtest/portfolio",
			base(`[{"symbol":"AAPL","weight":0.5},{"symbol":"MSFT","weight":0.505}]`, ""))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleDateRange(t *testing.T) {
	r, repo, cleanup := newTestRouter(t)
	defer cleanup()

	seedDaily(t, repo, "AAPL", "Apple Inc.", "2020-01-01", 100, 101, 102)

	t.Run("known symbol", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodGet, "/api/backtest/symbols/aapl/date-range", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "AAPL", body["symbol"])
		assert.Equal(t, "2020-01-01", body["min_date"])
		assert.Equal(t, "2020-01-03", body["max_date"])
		assert.Equal(t, 3.0, body["data_points"])
	})

	t.Run("unknown symbol", func(t *testing.T) {
		rec, body := doJSON(t, r, http.MethodGet, "/api/backtest/symbols/NOPE/date-range", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "No data found for symbol 'NOPE'.", body["detail"])
	})
}
