package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.calendar")

const completedPrefix = "[Completed] "

// GoogleClient reads busy time from and writes appointments to a Google
// Calendar.
type GoogleClient struct {
	svc        *gcal.Service
	calendarID string
	logger     *logging.Logger
}

var _ Client = (*GoogleClient)(nil)

// NewGoogleClient builds a client from service account credentials JSON.
// Extra options (endpoint, HTTP client) are passed through to the API.
func NewGoogleClient(ctx context.Context, calendarID string, credentialsJSON []byte, logger *logging.Logger, opts ...option.ClientOption) (*GoogleClient, error) {
	if calendarID == "" {
		return nil, errors.New("calendar: calendar id required")
	}
	if len(credentialsJSON) > 0 {
		opts = append([]option.ClientOption{option.WithCredentialsJSON(credentialsJSON)}, opts...)
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: create service: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &GoogleClient{svc: svc, calendarID: calendarID, logger: logger}, nil
}

// ListBusy queries free/busy for [start, end).
func (c *GoogleClient) ListBusy(ctx context.Context, start, end time.Time) ([]Interval, error) {
	ctx, span := tracer.Start(ctx, "calendar.google.freebusy")
	defer span.End()

	resp, err := c.svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: start.UTC().Format(time.RFC3339),
		TimeMax: end.UTC().Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: c.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("calendar: freebusy: %w", err)
	}
	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("calendar: freebusy %s: %s", c.calendarID, cal.Errors[0].Reason)
	}

	out := make([]Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		s, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("calendar: parse busy start: %w", err)
		}
		e, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("calendar: parse busy end: %w", err)
		}
		out = append(out, Interval{Start: s.UTC(), End: e.UTC()})
	}
	span.SetAttributes(attribute.Int("calendar.busy", len(out)))
	return out, nil
}

// CreateEvent inserts the appointment and returns the event id.
func (c *GoogleClient) CreateEvent(ctx context.Context, event Event) (string, error) {
	ctx, span := tracer.Start(ctx, "calendar.google.insert")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", event.AppointmentID))

	created, err := c.svc.Events.Insert(c.calendarID, &gcal.Event{
		Summary:     event.Summary,
		Description: event.Description,
		Start:       &gcal.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: event.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{"appointment_id": event.AppointmentID},
		},
	}).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("calendar: insert event: %w", err)
	}
	c.logger.Debug("calendar event created", "appointment_id", event.AppointmentID, "event_id", created.Id)
	return created.Id, nil
}

// DeleteEvent removes an event. Missing or already deleted events return
// ErrEventNotFound.
func (c *GoogleClient) DeleteEvent(ctx context.Context, eventID string) error {
	ctx, span := tracer.Start(ctx, "calendar.google.delete")
	defer span.End()

	err := c.svc.Events.Delete(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		return mapGoogleError("delete event", err)
	}
	return nil
}

// MarkCompleted prefixes the event summary. Already marked events are left
// alone.
func (c *GoogleClient) MarkCompleted(ctx context.Context, eventID string) error {
	ctx, span := tracer.Start(ctx, "calendar.google.complete")
	defer span.End()

	ev, err := c.svc.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		return mapGoogleError("get event", err)
	}
	if strings.HasPrefix(ev.Summary, completedPrefix) {
		return nil
	}
	_, err = c.svc.Events.Patch(c.calendarID, eventID, &gcal.Event{Summary: completedPrefix + ev.Summary}).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		return mapGoogleError("patch event", err)
	}
	return nil
}

func mapGoogleError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return ErrEventNotFound
	}
	return fmt.Errorf("calendar: %s: %w", op, err)
}
