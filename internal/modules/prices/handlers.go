package prices

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/marketdata/internal/symbolcache"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handler handles stock price HTTP requests
type Handler struct {
	repo  *Repository
	cache *symbolcache.Cache
	log   zerolog.Logger
}

// NewHandler creates a new price handler
func NewHandler(repo *Repository, cache *symbolcache.Cache, log zerolog.Logger) *Handler {
	return &Handler{
		repo:  repo,
		cache: cache,
		log:   log.With().Str("handler", "prices").Logger(),
	}
}

// RegisterRoutes mounts the price endpoints on the given router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/stock-prices", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/symbols", h.HandleSymbols)
	})
}

// HandleList handles GET /api/stock-prices
// Supports symbol, date_from, date_to filters plus skip/limit pagination.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := Filter{Symbol: q.Get("symbol")}

	if raw := q.Get("date_from"); raw != "" {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			h.writeError(w, http.StatusUnprocessableEntity, "Invalid date_from format. Use YYYY-MM-DD")
			return
		}
		filter.DateFrom = raw
	}
	if raw := q.Get("date_to"); raw != "" {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			h.writeError(w, http.StatusUnprocessableEntity, "Invalid date_to format. Use YYYY-MM-DD")
			return
		}
		filter.DateTo = raw
	}

	skip := parseIntParam(q.Get("skip"), 0)
	if skip < 0 {
		skip = 0
	}
	limit := parseIntParam(q.Get("limit"), defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	// The unfiltered count is approximated from MAX(rowid): exact COUNT(*)
	// over tens of millions of rows is too slow for a listing page.
	var total int64
	var err error
	if filter.IsEmpty() {
		total, err = h.repo.EstimatedCount(r.Context())
	} else {
		total, err = h.repo.CountByFilter(r.Context(), filter)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count prices")
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch stock prices")
		return
	}

	data, err := h.repo.Find(r.Context(), filter, skip, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query prices")
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch stock prices")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

// HandleSymbols handles GET /api/stock-prices/symbols
// Serves the symbol index from the TTL cache.
func (h *Handler) HandleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.cache.Get(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load symbol index")
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch symbols")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
	})
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response in the {"detail": ...} shape
func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	h.writeJSON(w, status, map[string]string{"detail": detail})
}
