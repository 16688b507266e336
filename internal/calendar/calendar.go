// Package calendar talks to the clinic's external calendar.
package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when an event id no longer exists upstream.
var ErrEventNotFound = errors.New("calendar: event not found")

// Interval is a busy period. Start and End are always UTC.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether [start, end) intersects the interval. Intervals
// that only touch at a boundary do not overlap.
func (i Interval) Overlaps(start, end time.Time) bool {
	return start.Before(i.End) && end.After(i.Start)
}

// Event is the calendar representation of a booked appointment.
type Event struct {
	AppointmentID string
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
}

// Client is the external calendar collaborator.
type Client interface {
	ListBusy(ctx context.Context, start, end time.Time) ([]Interval, error)
	CreateEvent(ctx context.Context, event Event) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
	MarkCompleted(ctx context.Context, eventID string) error
}

// NoopClient is used when no calendar is configured.
type NoopClient struct{}

var _ Client = NoopClient{}

func (NoopClient) ListBusy(context.Context, time.Time, time.Time) ([]Interval, error) {
	return nil, nil
}

func (NoopClient) CreateEvent(context.Context, Event) (string, error) { return "", nil }

func (NoopClient) DeleteEvent(context.Context, string) error { return nil }

func (NoopClient) MarkCompleted(context.Context, string) error { return nil }
