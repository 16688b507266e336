package availability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/internal/calendar"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type staticConfig struct{ cfg *clinic.Config }

func (s staticConfig) Get(context.Context, string) (*clinic.Config, error) { return s.cfg, nil }

type fakeBookings struct {
	bookings []Booking
	from, to time.Time
}

func (f *fakeBookings) ListBookings(_ context.Context, from, to time.Time) ([]Booking, error) {
	f.from, f.to = from, to
	return f.bookings, nil
}

type fakeBusy struct {
	intervals []calendar.Interval
	err       error
}

func (f fakeBusy) ListBusy(context.Context, time.Time, time.Time) ([]calendar.Interval, error) {
	return f.intervals, f.err
}

func newTestService(cfg *clinic.Config, bookings *fakeBookings, busy BusySource) *Service {
	return NewService("c1", staticConfig{cfg}, bookings, busy, logging.New("error")).
		WithClock(func() time.Time { return testNow(cfg) })
}

func TestServiceAvailableQueriesLocalDay(t *testing.T) {
	cfg := testConfig()
	bookings := &fakeBookings{}
	svc := newTestService(cfg, bookings, nil)

	res, _, err := svc.Available(context.Background(), Date{2025, time.March, 11}, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Slots, 10)
	assert.Equal(t, time.Date(2025, 3, 11, 5, 0, 0, 0, time.UTC), bookings.from)
}

func TestServiceAvailableOptionsFilterBookings(t *testing.T) {
	cfg := testConfig()
	at10 := localAt(cfg, 11, 10, 0).UTC()
	bookings := &fakeBookings{bookings: []Booking{
		{AppointmentID: "a1", PatientID: "p1", Start: at10, Duration: time.Hour},
	}}
	svc := newTestService(cfg, bookings, nil)
	ctx := context.Background()

	res, _, err := svc.Available(ctx, Date{2025, time.March, 11}, Options{})
	require.NoError(t, err)
	assert.False(t, containsInstant(res.Slots, at10))

	res, _, err = svc.Available(ctx, Date{2025, time.March, 11}, Options{ExcludeAppointmentID: "a1"})
	require.NoError(t, err)
	assert.True(t, containsInstant(res.Slots, at10))

	res, _, err = svc.Available(ctx, Date{2025, time.March, 11}, Options{PatientID: "p1"})
	require.NoError(t, err)
	assert.True(t, containsInstant(res.Slots, at10))
	assert.Len(t, bookings.bookings, 1, "filtering must not mutate the source slice")
}

func TestServiceCalendarFailureDegrades(t *testing.T) {
	cfg := testConfig()
	svc := newTestService(cfg, &fakeBookings{}, fakeBusy{err: errors.New("timeout")})

	res, _, err := svc.Available(context.Background(), Date{2025, time.March, 11}, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Slots, 10)
}

func TestServiceCheck(t *testing.T) {
	cfg := testConfig()
	busy := fakeBusy{intervals: []calendar.Interval{{
		Start: localAt(cfg, 11, 12, 0).UTC(),
		End:   localAt(cfg, 11, 13, 0).UTC(),
	}}}
	svc := newTestService(cfg, &fakeBookings{}, busy)

	assert.NoError(t, svc.Check(context.Background(), localAt(cfg, 11, 11, 0), Options{}))
	assert.ErrorIs(t, svc.Check(context.Background(), localAt(cfg, 11, 12, 0), Options{}), ErrSlotTaken)
}

func TestHandlerGetAvailability(t *testing.T) {
	cfg := testConfig()
	h := NewHandler(newTestService(cfg, &fakeBookings{}, nil), logging.New("error"))

	rec := httptest.NewRecorder()
	h.GetAvailability(rec, httptest.NewRequest(http.MethodGet, "/availability?date=2025-03-11", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "2025-03-11", resp.Date)
	assert.Equal(t, 60, resp.SlotMinutes)
	assert.Equal(t, "09:00", resp.Slots[0])
	assert.Equal(t, clinic.Window{Start: "09:00", End: "18:00"}, resp.Window)

	rec = httptest.NewRecorder()
	h.GetAvailability(rec, httptest.NewRequest(http.MethodGet, "/availability?date=2025-03-16", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Slots)
	assert.Equal(t, ReasonNonWorkingDay, resp.Reason)

	rec = httptest.NewRecorder()
	h.GetAvailability(rec, httptest.NewRequest(http.MethodGet, "/availability?date=tomorrow", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
