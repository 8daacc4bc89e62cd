package backtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/marketdata/internal/modules/prices"
)

// Handler handles backtest HTTP requests
type Handler struct {
	engine *Engine
	repo   *prices.Repository
	log    zerolog.Logger
}

// NewHandler creates a new backtest handler
func NewHandler(engine *Engine, repo *prices.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		repo:   repo,
		log:    log.With().Str("handler", "backtest").Logger(),
	}
}

// RegisterRoutes mounts the backtest endpoints on the given router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/backtest", func(r chi.Router) {
		r.Post("/", h.HandleRun)
		r.Post("/compare", h.HandleCompare)
		r.Post("/portfolio", h.HandlePortfolio)
		r.Get("/symbols/{symbol}/date-range", h.HandleDateRange)
	})
}

// HandleRun handles POST /api/backtest
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "Invalid request body.")
		return
	}

	if !h.validateCommon(w, r, req.Symbol, req.DateFrom, req.DateTo, req.InitialCapital) {
		return
	}

	resp, err := h.engine.Run(r.Context(), &req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleCompare handles POST /api/backtest/compare
func (h *Handler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "Invalid request body.")
		return
	}

	if len(req.Strategies) < 2 {
		h.writeError(w, http.StatusUnprocessableEntity, "At least 2 strategies required for comparison.")
		return
	}
	if len(req.Strategies) > 5 {
		h.writeError(w, http.StatusUnprocessableEntity, "At most 5 strategies can be compared.")
		return
	}
	if !h.validateCommon(w, r, req.Symbol, req.DateFrom, req.DateTo, req.InitialCapital) {
		return
	}

	resp, err := h.engine.Compare(r.Context(), &req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandlePortfolio handles POST /api/backtest/portfolio
func (h *Handler) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	var req PortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "Invalid request body.")
		return
	}

	if len(req.Holdings) < 2 || len(req.Holdings) > 5 {
		h.writeError(w, http.StatusUnprocessableEntity, "A portfolio needs between 2 and 5 holdings.")
		return
	}
	if !h.validateDates(w, req.DateFrom, req.DateTo) {
		return
	}
	if req.InitialCapital <= 0 {
		h.writeError(w, http.StatusUnprocessableEntity, "initial_capital must be greater than 0.")
		return
	}

	totalWeight := 0.0
	for _, holding := range req.Holdings {
		totalWeight += holding.Weight
	}
	if totalWeight < 0.99 || totalWeight > 1.01 {
		h.writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("Holdings weights must sum to 1.0 (got %.4f).", totalWeight))
		return
	}

	if req.Rebalance {
		if req.RebalanceInterval == nil {
			h.writeError(w, http.StatusUnprocessableEntity, "rebalance_interval is required when rebalance=true.")
			return
		}
		switch *req.RebalanceInterval {
		case RebalanceMonthly, RebalanceQuarterly:
		default:
			h.writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("Unknown rebalance_interval %q.", *req.RebalanceInterval))
			return
		}
	}

	for _, holding := range req.Holdings {
		if !h.requireSymbolData(w, r, holding.Symbol) {
			return
		}
	}

	resp, err := h.engine.RunPortfolio(r.Context(), &req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDateRange handles GET /api/backtest/symbols/{symbol}/date-range
func (h *Handler) HandleDateRange(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	dateRange, err := h.repo.SymbolDateRange(r.Context(), symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to query date range")
		h.writeError(w, http.StatusInternalServerError, "Failed to query date range")
		return
	}
	if dateRange == nil {
		h.writeError(w, http.StatusNotFound,
			fmt.Sprintf("No data found for symbol '%s'.", normalizeSymbol(symbol)))
		return
	}

	h.writeJSON(w, http.StatusOK, dateRange)
}

// validateCommon applies the shared single-symbol request checks: date
// shape and order, positive capital, and symbol existence.
func (h *Handler) validateCommon(w http.ResponseWriter, r *http.Request, symbol, dateFrom, dateTo string, initialCapital float64) bool {
	if !h.validateDates(w, dateFrom, dateTo) {
		return false
	}
	if initialCapital <= 0 {
		h.writeError(w, http.StatusUnprocessableEntity, "initial_capital must be greater than 0.")
		return false
	}
	return h.requireSymbolData(w, r, symbol)
}

func (h *Handler) validateDates(w http.ResponseWriter, dateFrom, dateTo string) bool {
	from, err1 := time.Parse(dateLayout, dateFrom)
	to, err2 := time.Parse(dateLayout, dateTo)
	if err1 != nil || err2 != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "Invalid date format. Use YYYY-MM-DD.")
		return false
	}
	if !from.Before(to) {
		h.writeError(w, http.StatusUnprocessableEntity, "date_from must be before date_to.")
		return false
	}
	return true
}

// requireSymbolData answers 404 when the store holds no rows for the symbol
func (h *Handler) requireSymbolData(w http.ResponseWriter, r *http.Request, symbol string) bool {
	count, err := h.repo.CountByFilter(r.Context(), prices.Filter{Symbol: symbol})
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to check symbol data")
		h.writeError(w, http.StatusInternalServerError, "Failed to check symbol data")
		return false
	}
	if count == 0 {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("No data found for symbol '%s'.", normalizeSymbol(symbol)))
		return false
	}
	return true
}

// writeEngineError maps engine errors to HTTP responses: domain errors keep
// their status, anything else is a 500.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		h.writeError(w, domainErr.Status, domainErr.Detail)
		return
	}
	h.log.Error().Err(err).Msg("Backtest failed")
	h.writeError(w, http.StatusInternalServerError, "Backtest failed")
}

// writeJSON writes a JSON response. The payload is marshalled before the
// header goes out: result curves can carry non-finite floats (degenerate
// price data), and a mid-body encode failure would otherwise truncate an
// already-committed 200.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
		status = http.StatusInternalServerError
		body = []byte(`{"detail": "Backtest failed"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// writeError writes an error response in the {"detail": ...} shape
func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, map[string]string{"detail": detail})
}
