package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, "error")
}

func newTestScheduler(t *testing.T) (*Scheduler, *MemoryStore, *ManualClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := NewManualClock(t0)
	return NewScheduler(store, testLogger(), WithClock(clock)), store, clock
}

func scheduleAppointmentJobs(t *testing.T, s *Scheduler, appointmentID string) {
	t.Helper()
	for _, jt := range AppointmentTypes {
		_, err := s.ScheduleMessage(context.Background(), Spec{
			Type:     jt,
			EntityID: appointmentID,
			Delay:    time.Hour,
			Payload:  map[string]string{FieldAppointmentID: appointmentID},
		})
		require.NoError(t, err)
	}
}

func TestScheduleMessageUsesDeterministicKey(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	job, err := s.ScheduleMessage(context.Background(), Spec{
		Type:     TypeReminder24h,
		EntityID: "apt-1",
		Delay:    2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "recordatorio_24h-apt-1", job.Key)
	assert.Equal(t, t0.Add(2*time.Hour), job.ExecuteAt)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.NotEmpty(t, job.ID)
}

func TestScheduleMessageExplicitExecuteAtWins(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	at := t0.Add(48 * time.Hour)

	job, err := s.ScheduleMessage(context.Background(), Spec{
		Type:      TypeConfirmation,
		EntityID:  "apt-1",
		ExecuteAt: at,
		Delay:     time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, at, job.ExecuteAt)
}

func TestScheduleMessageRejectsDuplicateAndKeepsOriginal(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	first, err := s.ScheduleMessage(ctx, Spec{Type: TypeReminder1h, EntityID: "apt-1", Delay: time.Hour})
	require.NoError(t, err)

	_, err = s.ScheduleMessage(ctx, Spec{Type: TypeReminder1h, EntityID: "apt-1", Delay: 5 * time.Hour})
	require.ErrorIs(t, err, ErrDuplicateJob)

	stored, err := s.Get(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, first.ExecuteAt, stored.ExecuteAt)
}

func TestScheduleMessageValidates(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	_, err := s.ScheduleMessage(context.Background(), Spec{Type: TypeConfirmation})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = s.ScheduleMessage(context.Background(), Spec{EntityID: "apt-1"})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestCancelJobsForAppointmentRemovesEveryType(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	scheduleAppointmentJobs(t, s, "apt-1")
	scheduleAppointmentJobs(t, s, "apt-2")

	removed, err := s.CancelJobsForAppointment(ctx, "apt-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"confirmacion-apt-1",
		"recordatorio_24h-apt-1",
		"recordatorio_1h-apt-1",
		"marcar_no_asistio-apt-1",
	}, removed)

	for _, jt := range AppointmentTypes {
		_, err := s.Get(ctx, Key(jt, "apt-1"))
		assert.ErrorIs(t, err, ErrJobNotFound)
	}
	assert.Equal(t, 4, store.Len(), "other appointments keep their jobs")
}

func TestCancelJobsForAppointmentIsIdempotent(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	scheduleAppointmentJobs(t, s, "apt-1")

	_, err := s.CancelJobsForAppointment(ctx, "apt-1")
	require.NoError(t, err)

	removed, err := s.CancelJobsForAppointment(ctx, "apt-1")
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = s.CancelJobsForAppointment(ctx, "never-scheduled")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

type flakyRemoveStore struct {
	*MemoryStore
	failKey string
}

func (f flakyRemoveStore) Remove(ctx context.Context, key string) (bool, error) {
	if key == f.failKey {
		return false, errors.New("store unavailable")
	}
	return f.MemoryStore.Remove(ctx, key)
}

func TestCancelJobsForAppointmentContinuesPastFailures(t *testing.T) {
	mem := NewMemoryStore()
	store := flakyRemoveStore{MemoryStore: mem, failKey: Key(TypeReminder24h, "apt-1")}
	s := NewScheduler(store, testLogger(), WithClock(NewManualClock(t0)))
	scheduleAppointmentJobs(t, s, "apt-1")

	removed, err := s.CancelJobsForAppointment(context.Background(), "apt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recordatorio_24h-apt-1")
	assert.Len(t, removed, 3)
	assert.Equal(t, 1, mem.Len())
}

func TestRescheduleRoundTripProducesFreshJobs(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	scheduleAppointmentJobs(t, s, "apt-1")
	before, err := s.Get(ctx, Key(TypeReminder1h, "apt-1"))
	require.NoError(t, err)

	_, err = s.CancelJobsForAppointment(ctx, "apt-1")
	require.NoError(t, err)
	scheduleAppointmentJobs(t, s, "apt-1")

	after, err := s.Get(ctx, Key(TypeReminder1h, "apt-1"))
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, 4, store.Len())
}

func TestCancelJobsForConsultationByKeyAndPayload(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.ScheduleMessage(ctx, Spec{
		Type:     TypeFollowUp,
		EntityID: "cons-1",
		Delay:    24 * time.Hour,
		Payload:  map[string]string{FieldConsultationID: "cons-1"},
	})
	require.NoError(t, err)
	_, err = s.ScheduleMessage(ctx, Spec{
		Key:      "seguimiento-legacy-77",
		Type:     TypeFollowUp,
		EntityID: "cons-1",
		Delay:    48 * time.Hour,
		Payload:  map[string]string{FieldConsultationID: "cons-1"},
	})
	require.NoError(t, err)
	_, err = s.ScheduleMessage(ctx, Spec{
		Type:     TypeFollowUp,
		EntityID: "cons-2",
		Delay:    24 * time.Hour,
		Payload:  map[string]string{FieldConsultationID: "cons-2"},
	})
	require.NoError(t, err)

	removed, err := s.CancelJobsForConsultation(ctx, "cons-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"seguimiento-cons-1", "seguimiento-legacy-77"}, removed)
	assert.Equal(t, 1, store.Len())

	removed, err = s.CancelJobsForConsultation(ctx, "cons-1")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRetryFailedRequeuesJob(t *testing.T) {
	s, store, clock := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.ScheduleMessage(ctx, Spec{Type: TypeConfirmation, EntityID: "apt-1"})
	require.NoError(t, err)
	claimed, err := store.ClaimDue(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.Fail(ctx, job.Key, job.ID, "boom"))

	failed, err := s.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	clock.Advance(time.Hour)
	requeued, err := s.RetryFailed(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, requeued.Status)
	assert.Zero(t, requeued.Attempts)
	assert.Equal(t, clock.Now(), requeued.ExecuteAt)

	failed, err = s.FailedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = s.RetryFailed(ctx, job.Key)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	_, err = s.RetryFailed(ctx, "confirmacion-unknown")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(0))
	assert.Equal(t, time.Hour, p.Delay(30))
}
