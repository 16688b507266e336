package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerListAndRetryFailed(t *testing.T) {
	s, store, clock := newTestScheduler(t)
	ctx := context.Background()
	job, err := s.ScheduleMessage(ctx, Spec{Type: TypeConfirmation, EntityID: "apt-1"})
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, job.Key, job.ID, "twilio 500"))

	router := NewHandler(s, testLogger()).Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "confirmacion-apt-1", body.Jobs[0].Key)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/confirmacion-apt-1/retry", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/confirmacion-apt-1/retry", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/seguimiento-x/retry", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRejectsBadLimit(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	rec := httptest.NewRecorder()
	NewHandler(s, testLogger()).Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/failed?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
