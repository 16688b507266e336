package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/internal/events"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const callbackURL = "https://clinic.example.com/webhooks/twilio/status"

func statusRequest(form url.Values, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("X-Twilio-Signature", computeSignature(buildSignaturePayload(callbackURL, form), token))
	}
	return req
}

func TestStatusHandlerUpdatesDeliveryOnce(t *testing.T) {
	store := NewMemoryDeliveryStore()
	require.NoError(t, store.Record(context.Background(), Delivery{
		ID: "d1", JobKey: "confirmacion-a1", AppointmentID: "a1", ProviderID: "SM1", Status: StatusSent, CreatedAt: time.Now(),
	}))
	h := NewStatusHandler(store, events.NewMemoryProcessedStore(), "tok", callbackURL, logging.New("error"))

	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, statusRequest(form, "tok"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, StatusDelivered, store.All()[0].Status)

	// Late duplicate of an older status must not regress the row.
	store.deliveries[0].Status = StatusRead
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, statusRequest(form, "tok"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, StatusRead, store.All()[0].Status)
}

func TestStatusHandlerRejectsBadSignature(t *testing.T) {
	h := NewStatusHandler(NewMemoryDeliveryStore(), nil, "tok", callbackURL, logging.New("error"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, statusRequest(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"sent"}}, "wrong"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatusHandlerIgnoresUnknownAndUntracked(t *testing.T) {
	h := NewStatusHandler(NewMemoryDeliveryStore(), nil, "", callbackURL, logging.New("error"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, statusRequest(url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"failed"}, "ErrorCode": {"30003"}}, ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, statusRequest(url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"receiving"}}, ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, statusRequest(url.Values{"MessageStatus": {"sent"}}, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusCallbackMapping(t *testing.T) {
	tests := map[string]DeliveryStatus{
		"queued":      StatusQueued,
		"sent":        StatusSent,
		"delivered":   StatusDelivered,
		"read":        StatusRead,
		"undelivered": StatusFailed,
	}
	for in, want := range tests {
		got, ok := StatusCallback{MessageStatus: in}.DeliveryStatus()
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
}
