package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-scheduler/internal/calendar"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// EventLinker reads and stores the external calendar event id of an
// appointment.
type EventLinker interface {
	CalendarEventID(ctx context.Context, appointmentID string) (string, error)
	SetCalendarEventID(ctx context.Context, appointmentID, eventID string) error
}

// CacheInvalidator drops cached reads for an appointment.
type CacheInvalidator interface {
	InvalidateAppointment(ctx context.Context, appointmentID, date string) error
}

// SideEffectHandler performs the appointment side effects recorded in the
// outbox. Unknown types are logged and treated as delivered.
type SideEffectHandler struct {
	calendar calendar.Client
	linker   EventLinker
	cache    CacheInvalidator
	logger   *logging.Logger
}

var _ DeliveryHandler = (*SideEffectHandler)(nil)

func NewSideEffectHandler(cal calendar.Client, linker EventLinker, cache CacheInvalidator, logger *logging.Logger) *SideEffectHandler {
	if cal == nil {
		cal = calendar.NoopClient{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SideEffectHandler{calendar: cal, linker: linker, cache: cache, logger: logger}
}

func (h *SideEffectHandler) Handle(ctx context.Context, entry OutboxEntry) error {
	switch entry.Type {
	case TypeCalendarCreate:
		var p CalendarCreateV1
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("events: decode %s: %w", entry.Type, err)
		}
		eventID, err := h.calendar.CreateEvent(ctx, calendar.Event{
			AppointmentID: p.AppointmentID,
			Summary:       p.Summary,
			Description:   p.Description,
			Start:         p.Start,
			End:           p.End,
		})
		if err != nil {
			return fmt.Errorf("events: create calendar event: %w", err)
		}
		if eventID == "" || h.linker == nil {
			return nil
		}
		return h.linker.SetCalendarEventID(ctx, p.AppointmentID, eventID)

	case TypeCalendarDelete:
		eventID, err := h.eventID(ctx, entry)
		if err != nil || eventID == "" {
			return err
		}
		err = h.calendar.DeleteEvent(ctx, eventID)
		if errors.Is(err, calendar.ErrEventNotFound) {
			return nil
		}
		return err

	case TypeCalendarComplete:
		eventID, err := h.eventID(ctx, entry)
		if err != nil || eventID == "" {
			return err
		}
		err = h.calendar.MarkCompleted(ctx, eventID)
		if errors.Is(err, calendar.ErrEventNotFound) {
			return nil
		}
		return err

	case TypeCacheInvalidate:
		if h.cache == nil {
			return nil
		}
		var p CacheInvalidateV1
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return fmt.Errorf("events: decode %s: %w", entry.Type, err)
		}
		return h.cache.InvalidateAppointment(ctx, p.AppointmentID, p.Date)
	}

	h.logger.Warn("unknown outbox entry type", "type", entry.Type, "event_id", entry.ID)
	return nil
}

// eventID resolves the event from the payload, falling back to the id stored
// on the appointment when the create effect had not run yet at enqueue time.
func (h *SideEffectHandler) eventID(ctx context.Context, entry OutboxEntry) (string, error) {
	var p CalendarEventV1
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return "", fmt.Errorf("events: decode %s: %w", entry.Type, err)
	}
	if p.EventID != "" || h.linker == nil || p.AppointmentID == "" {
		return p.EventID, nil
	}
	id, err := h.linker.CalendarEventID(ctx, p.AppointmentID)
	if err != nil {
		return "", fmt.Errorf("events: lookup calendar event: %w", err)
	}
	return id, nil
}
