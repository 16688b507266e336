package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Handler exposes the failed-job list to office staff.
type Handler struct {
	scheduler *Scheduler
	logger    *logging.Logger
}

func NewHandler(scheduler *Scheduler, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{scheduler: scheduler, logger: logger}
}

// Routes mounts under /admin/jobs.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/failed", h.ListFailed)
	r.Post("/{key}/retry", h.Retry)
	return r
}

// ListFailed returns jobs that exhausted their retries.
// GET /admin/jobs/failed?limit=
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	jobs, err := h.scheduler.FailedJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list failed jobs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Retry requeues a failed job.
// POST /admin/jobs/{key}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	job, err := h.scheduler.RetryFailed(r.Context(), key)
	switch {
	case errors.Is(err, ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "failed job not found"})
		return
	case errors.Is(err, ErrDuplicateJob):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already active"})
		return
	case err != nil:
		h.logger.Error("failed to retry job", "job_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
