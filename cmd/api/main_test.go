package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func TestSetupMetricsExposesSchedulerMetrics(t *testing.T) {
	reg, handler := setupMetrics()
	require.NotNil(t, handler)

	m := metrics.NewSchedulerMetrics(reg)
	m.ObserveBooking("booked")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clinic_appointments_bookings_total")
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestConnectDepsWithoutBackends(t *testing.T) {
	cfg := &appconfig.Config{UseMemoryQueue: true}
	deps, closeDeps, err := connectDeps(context.Background(), cfg, logging.New("error"))
	require.NoError(t, err)
	defer closeDeps()

	assert.Nil(t, deps.Postgres)
	assert.Nil(t, deps.AuditDB)
	assert.Nil(t, deps.Redis)
	assert.Nil(t, deps.AWS)
}

func TestConnectDepsRedisAndAWS(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	cfg := &appconfig.Config{
		RedisAddr:          mr.Addr(),
		JobQueueURL:        "http://localhost:4566/000000000000/jobs",
		AWSRegion:          "us-east-1",
		AWSAccessKeyID:     "test",
		AWSSecretAccessKey: "test",
	}
	deps, closeDeps, err := connectDeps(context.Background(), cfg, logging.New("error"))
	require.NoError(t, err)
	defer closeDeps()

	require.NotNil(t, deps.Redis)
	assert.NoError(t, deps.Redis.Ping(context.Background()).Err())
	require.NotNil(t, deps.AWS)
	assert.Equal(t, "us-east-1", deps.AWS.Region)
}

func TestConnectDepsBadDatabaseURL(t *testing.T) {
	cfg := &appconfig.Config{DatabaseURL: "://not-a-url"}
	_, closeDeps, err := connectDeps(context.Background(), cfg, logging.New("error"))
	require.Error(t, err)
	closeDeps()
}

func TestRunsWorkersInline(t *testing.T) {
	assert.True(t, runsWorkersInline(&appconfig.Config{UseMemoryQueue: true, JobStore: "postgres"}))
	assert.True(t, runsWorkersInline(&appconfig.Config{JobStore: "memory"}))
	assert.False(t, runsWorkersInline(&appconfig.Config{JobStore: "postgres", JobQueueURL: "https://sqs/jobs"}))
}
