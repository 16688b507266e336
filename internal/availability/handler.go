package availability

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/wolfman30/clinic-scheduler/internal/clinic"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Handler serves the availability query.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Response is the presentation form of a Result.
type Response struct {
	Date        string        `json:"date"`
	Slots       []string      `json:"slots"`
	SlotMinutes int           `json:"slot_minutes"`
	Window      clinic.Window `json:"window"`
	Reason      Reason        `json:"reason,omitempty"`
}

// GetAvailability handles GET /availability?date=YYYY-MM-DD[&patient_id=].
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	date, err := ParseDate(strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	res, cfg, err := h.service.Available(r.Context(), date, Options{
		PatientID: strings.TrimSpace(r.URL.Query().Get("patient_id")),
	})
	if err != nil {
		if errors.Is(err, clinic.ErrInvalidConfig) {
			h.logger.Error("clinic config unusable", "error", err)
		} else {
			h.logger.Error("availability query failed", "date", date.String(), "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to compute availability")
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Date:        date.String(),
		Slots:       FormatSlots(res, cfg.Location()),
		SlotMinutes: int(res.SlotDuration.Minutes()),
		Window:      res.Window,
		Reason:      res.Reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
