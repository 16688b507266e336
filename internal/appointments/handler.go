package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-scheduler/internal/availability"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Handler serves the patient-facing and office appointment endpoints.
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

// RegisterPublic mounts the booking and access-code routes.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/appointments", h.Book)
	r.Get("/appointments/code/{code}", h.GetByCode)
	r.Post("/appointments/code/{code}/confirm", h.ConfirmByPatient)
	r.Post("/appointments/code/{code}/cancel", h.CancelByPatient)
}

// RegisterAdmin mounts the office routes. Callers wrap r with auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/appointments/{id}", h.Get)
	r.Post("/appointments/{id}/confirm", h.ConfirmByOffice)
	r.Post("/appointments/{id}/cancel", h.Cancel)
	r.Post("/appointments/{id}/complete", h.Complete)
	r.Post("/appointments/{id}/no-show", h.MarkNoShow)
	r.Post("/appointments/{id}/reschedule", h.Reschedule)
	r.Post("/appointments/{id}/consultations", h.RecordConsultation)
	r.Get("/consultations/{id}", h.GetConsultation)
	r.Delete("/consultations/{id}/follow-up", h.CancelFollowUp)
}

type bookRequest struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Start     string `json:"start"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Notes     string `json:"notes"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type rescheduleRequest struct {
	Start string `json:"start"`
	Date  string `json:"date"`
	Time  string `json:"time"`
}

type consultationRequest struct {
	Notes      string `json:"notes"`
	FollowUpAt string `json:"follow_up_at"`
}

// AppointmentResponse presents times in the clinic's zone.
type AppointmentResponse struct {
	ID                 string `json:"id"`
	PatientID          string `json:"patient_id"`
	Start              string `json:"start"`
	End                string `json:"end"`
	DurationMinutes    int    `json:"duration_minutes"`
	Status             string `json:"status"`
	ConfirmationStatus string `json:"confirmation_status"`
	AccessCode         string `json:"access_code,omitempty"`
	Notes              string `json:"notes,omitempty"`
	CancelReason       string `json:"cancel_reason,omitempty"`
}

func toResponse(a *Appointment, loc *time.Location, withCode bool) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		Start:              a.Start.In(loc).Format(time.RFC3339),
		End:                a.End().In(loc).Format(time.RFC3339),
		DurationMinutes:    a.DurationMinutes,
		Status:             string(a.Status),
		ConfirmationStatus: string(a.ConfirmationStatus),
		Notes:              a.Notes,
		CancelReason:       a.CancelReason,
	}
	if withCode {
		resp.AccessCode = a.AccessCode
	}
	return resp
}

// Book handles POST /appointments.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	loc := h.service.Location(r.Context())
	start, err := parseStart(req.Start, req.Date, req.Time, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	appt, err := h.service.Book(r.Context(), BookRequest{
		PatientID: strings.TrimSpace(req.PatientID),
		Name:      req.Name,
		Phone:     req.Phone,
		Email:     req.Email,
		Start:     start,
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, "book appointment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt, loc, true))
}

// GetByCode handles GET /appointments/code/{code}.
func (h *Handler) GetByCode(w http.ResponseWriter, r *http.Request) {
	appt, err := h.service.GetByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, "get appointment by code", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.service.Location(r.Context()), false))
}

// ConfirmByPatient handles POST /appointments/code/{code}/confirm.
func (h *Handler) ConfirmByPatient(w http.ResponseWriter, r *http.Request) {
	appt, err := h.service.ConfirmByPatient(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, "patient confirmation", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.service.Location(r.Context()), false))
}

// CancelByPatient handles POST /appointments/code/{code}/cancel.
func (h *Handler) CancelByPatient(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	appt, err := h.service.CancelByPatient(r.Context(), chi.URLParam(r, "code"), req.Reason)
	if err != nil {
		h.writeServiceError(w, "patient cancellation", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.service.Location(r.Context()), false))
}

// Get handles GET /admin/appointments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.service.Location(r.Context()), true))
}

func (h *Handler) ConfirmByOffice(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "office confirmation", h.service.ConfirmByOffice)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "complete appointment", h.service.Complete)
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "mark no-show", h.service.MarkNoShow)
}

// Cancel handles POST /admin/appointments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	appt, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeServiceError(w, "cancel appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.service.Location(r.Context()), true))
}

// Reschedule handles POST /admin/appointments/{id}/reschedule.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	loc := h.service.Location(r.Context())
	start, err := parseStart(req.Start, req.Date, req.Time, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appt, err := h.service.Reschedule(r.Context(), chi.URLParam(r, "id"), start)
	if err != nil {
		h.writeServiceError(w, "reschedule appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, loc, true))
}

// RecordConsultation handles POST /admin/appointments/{id}/consultations.
func (h *Handler) RecordConsultation(w http.ResponseWriter, r *http.Request) {
	var req consultationRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var in ConsultationInput
	in.Notes = req.Notes
	if raw := strings.TrimSpace(req.FollowUpAt); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "follow_up_at must be RFC3339")
			return
		}
		in.FollowUpAt = &at
	}
	cons, err := h.service.RecordConsultation(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeServiceError(w, "record consultation", err)
		return
	}
	writeJSON(w, http.StatusCreated, cons)
}

// GetConsultation handles GET /admin/consultations/{id}.
func (h *Handler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	cons, err := h.service.GetConsultation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get consultation", err)
		return
	}
	writeJSON(w, http.StatusOK, cons)
}

// CancelFollowUp handles DELETE /admin/consultations/{id}/follow-up.
func (h *Handler) CancelFollowUp(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.CancelFollowUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "cancel follow-up", err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled_jobs": removed})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (*Appointment, error)) {
	appt, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.service.Location(r.Context()), true))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("appointment request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseStart accepts either an RFC3339 instant or a clinic-local date and
// HH:MM time.
func parseStart(start, date, clock string, loc *time.Location) (time.Time, error) {
	if s := strings.TrimSpace(start); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, errors.New("start must be RFC3339")
		}
		return t.UTC(), nil
	}
	d, err := availability.ParseDate(strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD")
	}
	hm, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, errors.New("time must be HH:MM")
	}
	local := d.Midnight(loc).Add(time.Duration(hm.Hour())*time.Hour + time.Duration(hm.Minute())*time.Minute)
	return local.UTC(), nil
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
