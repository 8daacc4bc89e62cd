package imports

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketdata/internal/work"
)

const defaultListLimit = 20

// Handler handles import HTTP requests
type Handler struct {
	repo     *Repository
	service  *Service
	executor *work.Executor
	log      zerolog.Logger
}

// NewHandler creates a new import handler
func NewHandler(repo *Repository, service *Service, executor *work.Executor, log zerolog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		service:  service,
		executor: executor,
		log:      log.With().Str("handler", "imports").Logger(),
	}
}

// RegisterRoutes mounts the import endpoints on the given router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/imports", func(r chi.Router) {
		r.Post("/upload", h.HandleUpload)
		r.Get("/", h.HandleList)
		r.Get("/{importID}/status", h.HandleStatus)
		r.Delete("/{importID}", h.HandleDelete)
	})
}

// HandleUpload handles POST /api/imports/upload
// Stages the multipart file to a temp location, creates a pending import
// record, and schedules background processing. Returns immediately.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "A file upload is required.")
		return
	}
	defer file.Close()

	if header.Filename == "" || !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		h.writeError(w, http.StatusBadRequest, "Only .csv files are accepted.")
		return
	}

	tmp, err := os.CreateTemp("", "upload-*.csv")
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create temp file")
		h.writeError(w, http.StatusInternalServerError, "Failed to stage upload")
		return
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		h.log.Error().Err(err).Msg("Failed to write temp file")
		h.writeError(w, http.StatusInternalServerError, "Failed to stage upload")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		h.log.Error().Err(err).Msg("Failed to close temp file")
		h.writeError(w, http.StatusInternalServerError, "Failed to stage upload")
		return
	}

	importID := uuid.New().String()
	rec, err := h.repo.Create(r.Context(), importID, header.Filename)
	if err != nil {
		os.Remove(tmpPath)
		h.log.Error().Err(err).Msg("Failed to create import record")
		h.writeError(w, http.StatusInternalServerError, "Failed to create import")
		return
	}

	// The request context dies with the response; processing runs against
	// the process-scoped executor and removes the temp file on every exit.
	h.executor.Go("ingest:"+importID, func() {
		defer os.Remove(tmpPath)
		h.service.ProcessFile(context.Background(), importID, tmpPath)
	})

	h.writeJSON(w, http.StatusOK, map[string]string{
		"import_id": rec.ID,
		"status":    rec.Status,
	})
}

// HandleList handles GET /api/imports
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	skip := parseIntParam(q.Get("skip"), 0)
	if skip < 0 {
		skip = 0
	}
	limit := parseIntParam(q.Get("limit"), defaultListLimit)
	if limit < 1 {
		limit = 1
	}

	data, total, err := h.repo.List(r.Context(), skip, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list imports")
		h.writeError(w, http.StatusInternalServerError, "Failed to list imports")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"total": total,
	})
}

// HandleStatus handles GET /api/imports/{importID}/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "importID")

	rec, err := h.repo.Get(r.Context(), importID)
	if err != nil {
		h.log.Error().Err(err).Str("import_id", importID).Msg("Failed to get import")
		h.writeError(w, http.StatusInternalServerError, "Failed to get import")
		return
	}
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "Import not found.")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// HandleDelete handles DELETE /api/imports/{importID}
// Marks the import deleting synchronously so the UI gets immediate feedback,
// then cascades the row deletion in the background.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "importID")

	rec, err := h.repo.Get(r.Context(), importID)
	if err != nil {
		h.log.Error().Err(err).Str("import_id", importID).Msg("Failed to get import")
		h.writeError(w, http.StatusInternalServerError, "Failed to delete import")
		return
	}
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "Import not found.")
		return
	}

	if err := h.repo.MarkDeleting(r.Context(), importID); err != nil {
		h.log.Error().Err(err).Str("import_id", importID).Msg("Failed to mark import deleting")
		h.writeError(w, http.StatusInternalServerError, "Failed to delete import")
		return
	}

	h.executor.Go("delete-import:"+importID, func() {
		h.service.DeleteImport(context.Background(), importID)
	})

	h.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
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
