package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/calendar"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/internal/messaging"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Env:                    "test",
		ClinicID:               "c1",
		ClinicName:             "Clínica Norte",
		ClinicUTCOffsetMinutes: -300,
		JobStore:               "memory",
		UseMemoryQueue:         true,
		WorkerCount:            1,
		JobPollInterval:        10 * time.Millisecond,
		JobBatchSize:           10,
		JobMaxAttempts:         3,
		JobBackoffBase:         time.Second,
		NoShowGrace:            2 * time.Hour,
		OutboxInterval:         10 * time.Millisecond,
		OutboxMaxRetries:       5,
		MessageChannel:         "whatsapp",
		AdminJWTSecret:         "secret",
		RateLimitRPS:           100,
		RateLimitBurst:         100,
	}
}

// nextWeekdaySlot returns 10:00 clinic time on a weekday at least three days
// ahead.
func nextWeekdaySlot() time.Time {
	loc := time.FixedZone("clinic", -300*60)
	day := time.Now().In(loc).AddDate(0, 0, 3)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 10, 0, 0, 0, loc).UTC()
}

func TestNewInMemory(t *testing.T) {
	app, err := New(context.Background(), testConfig(), logging.New("error"), Deps{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	assert.IsType(t, calendar.NoopClient{}, app.Calendar)
	assert.IsType(t, &messaging.StubSender{}, app.Sender)
	assert.IsType(t, &messaging.MemoryDeliveryStore{}, app.Deliveries)
	assert.NotNil(t, app.Metrics)

	cfg, err := app.Clinic.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Clínica Norte", cfg.Name)
}

func TestBookingFlowsThroughJobsAndOutbox(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, testConfig(), logging.New("error"), Deps{})
	require.NoError(t, err)

	appt, err := app.Appointments.Book(ctx, appointments.BookRequest{
		Name:  "Ana",
		Phone: "+52 55 1234 5678",
		Start: nextWeekdaySlot(),
	})
	require.NoError(t, err)

	job, err := app.JobStore.Get(ctx, jobs.Key(jobs.TypeConfirmation, appt.ID))
	require.NoError(t, err)
	require.NoError(t, app.Executor.Execute(ctx, job))

	sent := app.Sender.(*messaging.StubSender).Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, appt.AccessCode)
	assert.Contains(t, sent[0].Body, "Clínica Norte")

	logged := app.Deliveries.(*messaging.MemoryDeliveryStore).All()
	require.Len(t, logged, 1)
	assert.Equal(t, appt.ID, logged[0].AppointmentID)
}

func TestRunWorkersStopsOnCancel(t *testing.T) {
	app, err := New(context.Background(), testConfig(), logging.New("error"), Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunWorkers(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestRouterServesHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	app, err := New(context.Background(), testConfig(), logging.New("error"), Deps{Redis: rdb})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Router(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	app.Router(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildJobStore(t *testing.T) {
	cfg := testConfig()

	_, name, err := BuildJobStore(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", name)

	cfg.JobStore = "postgres"
	_, _, err = BuildJobStore(cfg, nil, nil)
	assert.Error(t, err)

	cfg.JobStore = "redis"
	_, _, err = BuildJobStore(cfg, nil, nil)
	assert.Error(t, err)

	cfg.JobStore = "kafka"
	_, _, err = BuildJobStore(cfg, nil, nil)
	assert.Error(t, err)
}

func TestBuildSender(t *testing.T) {
	cfg := testConfig()
	_, provider := BuildSender(cfg, nil)
	assert.Equal(t, "stub", provider)

	cfg.TwilioAccountSID = "AC1"
	cfg.TwilioAuthToken = "tok"
	cfg.PublicBaseURL = "https://api.example.com"
	sender, provider := BuildSender(cfg, nil)
	assert.Equal(t, "twilio", provider)
	assert.IsType(t, &messaging.TwilioSender{}, sender)
	assert.Equal(t, "https://api.example.com/webhooks/twilio/status", TwilioStatusURL(cfg))
}

func TestNewRejectsBadQueueConfig(t *testing.T) {
	cfg := testConfig()
	cfg.UseMemoryQueue = false
	cfg.JobQueueURL = "https://sqs.us-east-1.amazonaws.com/123/jobs"
	app, err := New(context.Background(), cfg, logging.New("error"), Deps{})
	require.NoError(t, err)

	assert.Error(t, app.RunWorkers(context.Background()))
}
