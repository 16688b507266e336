package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// ConfigStore is the persistence used by the handler.
type ConfigStore interface {
	Get(ctx context.Context, clinicID string) (*Config, error)
	Set(ctx context.Context, cfg *Config) error
}

// Handler provides HTTP endpoints for clinic configuration management.
type Handler struct {
	clinicID string
	store    ConfigStore
	logger   *logging.Logger
}

// NewHandler creates a new clinic config HTTP handler.
func NewHandler(clinicID string, store ConfigStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		clinicID: clinicID,
		store:    store,
		logger:   logger,
	}
}

// Routes returns a chi router with clinic admin routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/config", h.GetConfig)
	r.Put("/config", h.UpdateConfig)
	return r
}

// GetConfig returns the scheduling configuration, creating defaults on first read.
// GET /admin/clinic/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.Get(r.Context(), h.clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic config", "clinic_id", h.clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfigRequest is the request body for updating clinic config. Nil
// fields keep their stored value.
type UpdateConfigRequest struct {
	Name             *string        `json:"name,omitempty"`
	UTCOffsetMinutes *int           `json:"utc_offset_minutes,omitempty"`
	WorkingWeekdays  []time.Weekday `json:"working_weekdays,omitempty"`
	Window           *Window        `json:"window,omitempty"`
	SaturdayWindow   *Window        `json:"saturday_window,omitempty"`
	ClearSaturday    bool           `json:"clear_saturday_window,omitempty"`
	SlotMinutes      *int           `json:"slot_minutes,omitempty"`
	MaxSimultaneous  *int           `json:"max_simultaneous,omitempty"`
	MinLeadHours     *int           `json:"min_lead_hours,omitempty"`
	MaxLeadDays      *int           `json:"max_lead_days,omitempty"`
}

// UpdateConfig merges the request into the stored configuration.
// PUT /admin/clinic/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	cfg, err := h.store.Get(r.Context(), h.clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic config", "clinic_id", h.clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	req.apply(cfg)

	if err := h.store.Set(r.Context(), cfg); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to save clinic config", "clinic_id", h.clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.logger.Info("clinic config updated", "clinic_id", h.clinicID)
	writeJSON(w, http.StatusOK, cfg)
}

func (req UpdateConfigRequest) apply(cfg *Config) {
	if req.Name != nil {
		cfg.Name = *req.Name
	}
	if req.UTCOffsetMinutes != nil {
		cfg.UTCOffsetMinutes = *req.UTCOffsetMinutes
	}
	if req.WorkingWeekdays != nil {
		cfg.WorkingWeekdays = req.WorkingWeekdays
	}
	if req.Window != nil {
		cfg.Window = *req.Window
	}
	if req.SaturdayWindow != nil {
		cfg.SaturdayWindow = req.SaturdayWindow
	}
	if req.ClearSaturday {
		cfg.SaturdayWindow = nil
	}
	if req.SlotMinutes != nil {
		cfg.SlotMinutes = *req.SlotMinutes
	}
	if req.MaxSimultaneous != nil {
		cfg.MaxSimultaneous = *req.MaxSimultaneous
	}
	if req.MinLeadHours != nil {
		cfg.MinLeadHours = *req.MinLeadHours
	}
	if req.MaxLeadDays != nil {
		cfg.MaxLeadDays = *req.MaxLeadDays
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
