package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/internal/events"
	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type fakeScheduler struct {
	scheduled []jobs.Spec
	cancelled []string
	failType  jobs.Type
	dupType   jobs.Type
	cancelErr error
}

func (f *fakeScheduler) ScheduleMessage(_ context.Context, spec jobs.Spec) (jobs.Job, error) {
	switch spec.Type {
	case f.failType:
		return jobs.Job{}, errors.New("store down")
	case f.dupType:
		return jobs.Job{}, jobs.ErrDuplicateJob
	}
	f.scheduled = append(f.scheduled, spec)
	return jobs.Job{Key: jobs.Key(spec.Type, spec.EntityID)}, nil
}

func (f *fakeScheduler) CancelJobsForAppointment(_ context.Context, id string) ([]string, error) {
	f.cancelled = append(f.cancelled, id)
	return []string{jobs.Key(jobs.TypeReminder24h, id)}, f.cancelErr
}

func (f *fakeScheduler) CancelJobsForConsultation(_ context.Context, id string) ([]string, error) {
	return []string{jobs.Key(jobs.TypeFollowUp, id)}, nil
}

type recordingEffects struct {
	types    []string
	payloads []any
}

func (r *recordingEffects) Enqueue(_ context.Context, eventType string, payload any) error {
	r.types = append(r.types, eventType)
	r.payloads = append(r.payloads, payload)
	return nil
}

func newTestCoordinator(s *fakeScheduler, fx *recordingEffects) *Coordinator {
	return NewCoordinator(s, fx, 2*time.Hour, logging.New("error")).WithClock(func() time.Time { return t0 })
}

func TestJobPlan(t *testing.T) {
	c := newTestCoordinator(&fakeScheduler{}, &recordingEffects{})
	appt := newAppointment("a1", slotStart, "ABCD1234")

	plan := c.JobPlan(appt)
	require.Len(t, plan, 4)
	want := map[jobs.Type]time.Time{
		jobs.TypeConfirmation: t0,
		jobs.TypeReminder24h:  slotStart.Add(-24 * time.Hour),
		jobs.TypeReminder1h:   slotStart.Add(-time.Hour),
		jobs.TypeMarkNoShow:   slotStart.Add(3 * time.Hour),
	}
	for _, spec := range plan {
		assert.Equal(t, want[spec.Type], spec.ExecuteAt, spec.Type)
		assert.Equal(t, "a1", spec.Payload[jobs.FieldAppointmentID])
	}
}

func TestJobPlanNearTermAppointment(t *testing.T) {
	c := newTestCoordinator(&fakeScheduler{}, &recordingEffects{})
	plan := c.JobPlan(newAppointment("a1", t0.Add(30*time.Minute), "ABCD1234"))

	var types []jobs.Type
	for _, spec := range plan {
		types = append(types, spec.Type)
	}
	assert.Equal(t, []jobs.Type{jobs.TypeConfirmation, jobs.TypeMarkNoShow}, types)
}

func TestScheduleAppointmentJobsContinuesPastFailures(t *testing.T) {
	s := &fakeScheduler{failType: jobs.TypeReminder24h, dupType: jobs.TypeConfirmation}
	c := newTestCoordinator(s, &recordingEffects{})

	keys, err := c.ScheduleAppointmentJobs(context.Background(), newAppointment("a1", slotStart, "ABCD1234"))
	require.Error(t, err)
	assert.Equal(t, []string{"recordatorio_1h-a1", "marcar_no_asistio-a1"}, keys)
}

func TestOnAppointmentStatusChanged(t *testing.T) {
	tests := []struct {
		status      Status
		wantCancel  bool
		wantEffects []string
	}{
		{StatusConfirmed, false, nil},
		{StatusCancelled, true, []string{events.TypeCalendarDelete}},
		{StatusCompleted, true, []string{events.TypeCalendarComplete}},
		{StatusNoShow, true, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := &fakeScheduler{}
			fx := &recordingEffects{}
			c := newTestCoordinator(s, fx)
			appt := newAppointment("a1", slotStart, "ABCD1234")
			appt.CalendarEventID = "evt-1"

			removed, err := c.OnAppointmentStatusChanged(context.Background(), appt, tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCancel, len(s.cancelled) == 1)
			assert.Equal(t, tt.wantCancel, len(removed) == 1)
			assert.Equal(t, tt.wantEffects, fx.types)
			if len(fx.payloads) == 1 {
				assert.Equal(t, events.CalendarEventV1{AppointmentID: "a1", EventID: "evt-1"}, fx.payloads[0])
			}
		})
	}
}

func TestOnAppointmentStatusChangedReportsPartialCancel(t *testing.T) {
	s := &fakeScheduler{cancelErr: errors.New("redis timeout")}
	fx := &recordingEffects{}
	c := newTestCoordinator(s, fx)

	removed, err := c.OnAppointmentStatusChanged(context.Background(), newAppointment("a1", slotStart, "X"), StatusCancelled)
	require.Error(t, err)
	assert.Len(t, removed, 1)
	assert.Equal(t, []string{events.TypeCalendarDelete}, fx.types)
}

func TestScheduleFollowUp(t *testing.T) {
	s := &fakeScheduler{}
	c := newTestCoordinator(s, &recordingEffects{})

	key, err := c.ScheduleFollowUp(context.Background(), &Consultation{ID: "c1", AppointmentID: "a1"})
	require.NoError(t, err)
	assert.Empty(t, key)

	at := slotStart.AddDate(0, 1, 0)
	key, err = c.ScheduleFollowUp(context.Background(), &Consultation{ID: "c1", AppointmentID: "a1", FollowUpAt: &at})
	require.NoError(t, err)
	assert.Equal(t, "seguimiento-c1", key)
	require.Len(t, s.scheduled, 1)
	assert.Equal(t, "c1", s.scheduled[0].Payload[jobs.FieldConsultationID])
}
