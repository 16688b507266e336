package appointments

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/availability"
)

// BookingSource exposes stored appointments to the availability service.
type BookingSource struct {
	repo Repository
}

var _ availability.BookingSource = BookingSource{}

func NewBookingSource(repo Repository) BookingSource {
	return BookingSource{repo: repo}
}

func (b BookingSource) ListBookings(ctx context.Context, from, to time.Time) ([]availability.Booking, error) {
	appts, err := b.repo.ListAppointmentsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]availability.Booking, 0, len(appts))
	for _, a := range appts {
		out = append(out, availability.Booking{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			Start:         a.Start,
			Duration:      a.Duration(),
			Cancelled:     a.Status == StatusCancelled,
		})
	}
	return out, nil
}
