package availability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/calendar"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.availability")

// ConfigSource returns the current scheduling snapshot.
type ConfigSource interface {
	Get(ctx context.Context, clinicID string) (*clinic.Config, error)
}

// BookingSource lists bookings overlapping [from, to).
type BookingSource interface {
	ListBookings(ctx context.Context, from, to time.Time) ([]Booking, error)
}

// BusySource lists external busy intervals in UTC.
type BusySource interface {
	ListBusy(ctx context.Context, start, end time.Time) ([]calendar.Interval, error)
}

// Options narrows a query.
type Options struct {
	// PatientID ignores that patient's own bookings so they can move them.
	PatientID string
	// ExcludeAppointmentID ignores one booking, used when rescheduling it.
	ExcludeAppointmentID string
}

// Service gathers live inputs and runs the Calculator.
type Service struct {
	clinicID string
	configs  ConfigSource
	bookings BookingSource
	busy     BusySource
	calc     Calculator
	now      func() time.Time
	logger   *logging.Logger
}

func NewService(clinicID string, configs ConfigSource, bookings BookingSource, busy BusySource, logger *logging.Logger) *Service {
	if configs == nil || bookings == nil {
		panic("availability: config and booking sources required")
	}
	if busy == nil {
		busy = calendar.NoopClient{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		clinicID: clinicID,
		configs:  configs,
		bookings: bookings,
		busy:     busy,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Available computes free slots for a clinic-local date.
func (s *Service) Available(ctx context.Context, date Date, opts Options) (Result, *clinic.Config, error) {
	ctx, span := tracer.Start(ctx, "availability.compute")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.date", date.String()))

	req, err := s.request(ctx, date, opts)
	if err != nil {
		span.RecordError(err)
		return Result{}, nil, err
	}
	res, err := s.calc.Compute(req)
	if err != nil {
		return Result{}, nil, err
	}
	span.SetAttributes(attribute.Int("clinic.slots", len(res.Slots)))
	return res, req.Config, nil
}

// Check re-validates one start instant against current data.
func (s *Service) Check(ctx context.Context, start time.Time, opts Options) error {
	cfg, err := s.configs.Get(ctx, s.clinicID)
	if err != nil {
		return fmt.Errorf("availability: load config: %w", err)
	}
	req, err := s.requestWithConfig(ctx, cfg, DateOf(start.In(cfg.Location())), opts)
	if err != nil {
		return err
	}
	return s.calc.CheckSlot(req, start)
}

// Config returns the current snapshot.
func (s *Service) Config(ctx context.Context) (*clinic.Config, error) {
	return s.configs.Get(ctx, s.clinicID)
}

func (s *Service) request(ctx context.Context, date Date, opts Options) (Request, error) {
	cfg, err := s.configs.Get(ctx, s.clinicID)
	if err != nil {
		return Request{}, fmt.Errorf("availability: load config: %w", err)
	}
	return s.requestWithConfig(ctx, cfg, date, opts)
}

func (s *Service) requestWithConfig(ctx context.Context, cfg *clinic.Config, date Date, opts Options) (Request, error) {
	from := date.Midnight(cfg.Location()).UTC()
	to := from.Add(24*time.Hour + cfg.SlotDuration())

	bookings, err := s.bookings.ListBookings(ctx, from, to)
	if err != nil {
		return Request{}, fmt.Errorf("availability: list bookings: %w", err)
	}
	filtered := bookings[:0:0]
	for _, b := range bookings {
		if opts.ExcludeAppointmentID != "" && b.AppointmentID == opts.ExcludeAppointmentID {
			continue
		}
		if opts.PatientID != "" && b.PatientID == opts.PatientID {
			continue
		}
		filtered = append(filtered, b)
	}

	busy, err := s.busy.ListBusy(ctx, from, to)
	if err != nil {
		s.logger.Warn("external calendar unavailable, ignoring busy intervals", "date", date.String(), "error", err)
		busy = nil
	}

	return Request{
		Date:     date,
		Config:   cfg,
		Bookings: filtered,
		Busy:     busy,
		Now:      s.now().UTC(),
	}, nil
}

// FormatSlots renders slot starts as clinic-local HH:MM labels.
func FormatSlots(res Result, loc *time.Location) []string {
	out := make([]string, 0, len(res.Slots))
	for _, slot := range res.Slots {
		out = append(out, slot.In(loc).Format("15:04"))
	}
	return out
}
