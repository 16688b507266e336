package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/availability"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
)

type slotFinder interface {
	Available(ctx context.Context, date availability.Date, opts availability.Options) (availability.Result, *clinic.Config, error)
}

type booker interface {
	Book(ctx context.Context, req appointments.BookRequest) (*appointments.Appointment, error)
}

var seedNotes = []string{
	"",
	"Primera consulta",
	"Control mensual",
	"Revisión de resultados",
	"Dolor de espalda",
}

// seed books up to count appointments for fake patients on open slots in the
// days after now. Slots taken between listing and booking are skipped.
func seed(ctx context.Context, slots slotFinder, svc booker, faker *gofakeit.Faker, count, days int, now time.Time) (int, error) {
	booked := 0
	start := availability.DateOf(now.UTC()).AddDays(1)
	for d := 0; d < days && booked < count; d++ {
		res, _, err := slots.Available(ctx, start.AddDays(d), availability.Options{})
		if err != nil {
			return booked, fmt.Errorf("seed: availability for %s: %w", start.AddDays(d), err)
		}
		open := res.Slots
		for len(open) > 0 && booked < count {
			i := faker.Number(0, len(open)-1)
			slot := open[i]
			open = append(open[:i], open[i+1:]...)

			_, err := svc.Book(ctx, appointments.BookRequest{
				Name:  faker.Name(),
				Phone: "+1" + faker.Phone(),
				Email: faker.Email(),
				Start: slot,
				Notes: faker.RandomString(seedNotes),
			})
			switch {
			case err == nil:
				booked++
			case errors.Is(err, appointments.ErrSlotUnavailable),
				errors.Is(err, appointments.ErrSlotBusy),
				errors.Is(err, appointments.ErrIdentityConflict),
				errors.Is(err, appointments.ErrActiveAppointmentExists):
				continue
			default:
				return booked, fmt.Errorf("seed: book %s: %w", slot.Format(time.RFC3339), err)
			}
			// Spread bookings over the range instead of filling the first day.
			if booked%3 == 0 {
				break
			}
		}
	}
	return booked, nil
}
