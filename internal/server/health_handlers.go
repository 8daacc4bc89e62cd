package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketdata/internal/database"
)

// HealthHandlers serves liveness and database health endpoints
type HealthHandlers struct {
	log         zerolog.Logger
	appName     string
	db          *database.DB
	startupTime time.Time
}

// NewHealthHandlers creates health handlers
func NewHealthHandlers(log zerolog.Logger, appName string, db *database.DB) *HealthHandlers {
	return &HealthHandlers{
		log:         log.With().Str("component", "health").Logger(),
		appName:     appName,
		db:          db,
		startupTime: time.Now(),
	}
}

// HandleHealth handles GET /health
// Reports process uptime plus CPU and memory usage.
func (h *HealthHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"app":            h.appName,
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"cpu_percent":    cpuPercent,
		"memory_percent": memPercent,
	})
}

// HandleDBHealth handles GET /health/db
// Pings the database; a full integrity check is too slow for a probe.
func (h *HealthHandlers) HandleDBHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.QuickCheck(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Database health check failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status":   "error",
			"database": h.db.Name(),
			"detail":   err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"database": h.db.Name(),
	})
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms CPU sampling interval so the probe stays fast.
func (h *HealthHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return avg(cpuPercent), 0
	}

	return avg(cpuPercent), memStat.UsedPercent
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func (h *HealthHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
