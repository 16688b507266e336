package events

import "time"

// Side effect types recorded in the outbox.
const (
	TypeCalendarCreate   = "calendar.create"
	TypeCalendarDelete   = "calendar.delete"
	TypeCalendarComplete = "calendar.complete"
	TypeCacheInvalidate  = "cache.invalidate"
)

// CalendarCreateV1 asks for an external calendar event mirroring an appointment.
type CalendarCreateV1 struct {
	AppointmentID string    `json:"appointment_id"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// CalendarEventV1 references an existing external event.
type CalendarEventV1 struct {
	AppointmentID string `json:"appointment_id"`
	EventID       string `json:"event_id"`
}

// CacheInvalidateV1 drops cached reads for an appointment and its day.
type CacheInvalidateV1 struct {
	AppointmentID string `json:"appointment_id"`
	Date          string `json:"date"`
}
