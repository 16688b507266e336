package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewOutboxStore(mock)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "clinic-1", TypeCacheInvalidate, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	_, err = store.Insert(ctx, "clinic-1", TypeCacheInvalidate, CacheInvalidateV1{AppointmentID: "a1", Date: "2026-03-11"})
	require.NoError(t, err)

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "clinic_id", "type", "payload", "attempts", "last_error", "created_at"}).
		AddRow(id, "clinic-1", TypeCacheInvalidate, []byte(`{"appointment_id":"a1"}`), 1, "timeout", now)
	mock.ExpectQuery("SELECT id, clinic_id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "timeout", entries[0].LastError)

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("UPDATE outbox").WithArgs(id, "boom", 5).
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))
	attempts, err := store.MarkFailed(ctx, id, "boom", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, mock.ExpectationsWereMet())
}

type scriptedHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (h *scriptedHandler) Handle(_ context.Context, entry OutboxEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[entry.Type]++
	return h.fail[entry.Type]
}

type alertRecorder struct {
	subjects []string
}

func (a *alertRecorder) Alert(_ context.Context, subject, _ string) error {
	a.subjects = append(a.subjects, subject)
	return nil
}

func TestDelivererDeliversAndRetries(t *testing.T) {
	ctx := context.Background()
	outbox := NewMemoryOutbox()
	rec := NewRecorder(outbox, "clinic-1")
	require.NoError(t, rec.Enqueue(ctx, TypeCalendarCreate, CalendarCreateV1{AppointmentID: "a1"}))
	require.NoError(t, rec.Enqueue(ctx, TypeCacheInvalidate, CacheInvalidateV1{AppointmentID: "a1"}))

	handler := &scriptedHandler{fail: map[string]error{TypeCalendarCreate: errors.New("calendar 503")}}
	alerts := &alertRecorder{}
	d := NewDeliverer(outbox, handler, logging.New("error")).WithMaxAttempts(3).WithAlerter(alerts)

	d.Drain(ctx)
	assert.Equal(t, 1, outbox.Pending())
	assert.Equal(t, 1, handler.calls[TypeCacheInvalidate])

	d.Drain(ctx)
	assert.Empty(t, alerts.subjects)
	d.Drain(ctx)
	assert.Zero(t, outbox.Pending())
	assert.Equal(t, 3, handler.calls[TypeCalendarCreate])
	require.Len(t, alerts.subjects, 1)
	assert.Contains(t, alerts.subjects[0], TypeCalendarCreate)

	d.Drain(ctx)
	assert.Equal(t, 3, handler.calls[TypeCalendarCreate])
}

func TestMemoryOutboxPreservesInsertOrder(t *testing.T) {
	ctx := context.Background()
	outbox := NewMemoryOutbox()
	fixed := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	outbox.now = func() time.Time { return fixed }

	types := []string{TypeCalendarCreate, TypeCalendarDelete, TypeCalendarCreate, TypeCacheInvalidate}
	for _, typ := range types {
		_, err := outbox.Insert(ctx, "c1", typ, map[string]string{})
		require.NoError(t, err)
	}
	entries, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Type)
	}
	assert.Equal(t, types, got)

	limited, err := outbox.FetchPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDelivererStartStopsOnCancel(t *testing.T) {
	outbox := NewMemoryOutbox()
	handler := &scriptedHandler{}
	d := NewDeliverer(outbox, handler, logging.New("error")).WithInterval(5 * time.Millisecond)
	_, err := outbox.Insert(context.Background(), "c1", TypeCacheInvalidate, CacheInvalidateV1{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return outbox.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliverer did not stop")
	}
}
