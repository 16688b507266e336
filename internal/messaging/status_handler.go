package messaging

import (
	"context"
	"errors"
	"net/http"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Deduper remembers provider events that were already applied.
type Deduper interface {
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// StatusHandler applies Twilio delivery callbacks to the delivery log.
type StatusHandler struct {
	store      DeliveryStore
	dedupe     Deduper
	authToken  string
	webhookURL string
	logger     *logging.Logger
}

// NewStatusHandler validates signatures only when authToken is set.
func NewStatusHandler(store DeliveryStore, dedupe Deduper, authToken, webhookURL string, logger *logging.Logger) *StatusHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StatusHandler{store: store, dedupe: dedupe, authToken: authToken, webhookURL: webhookURL, logger: logger}
}

// ServeHTTP handles POST /webhooks/twilio/status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && !ValidateTwilioSignature(r, h.authToken, h.webhookURL) {
		h.logger.Warn("rejected twilio callback with bad signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	cb, err := ParseStatusCallback(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, tracked := cb.DeliveryStatus()
	if !tracked {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.dedupe != nil {
		fresh, err := h.dedupe.MarkProcessed(r.Context(), "twilio", cb.MessageSid+":"+cb.MessageStatus)
		if err != nil {
			h.logger.Error("failed to dedupe twilio callback", "provider_id", cb.MessageSid, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !fresh {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	err = h.store.UpdateStatus(r.Context(), cb.MessageSid, status, cb.ErrorCode)
	switch {
	case errors.Is(err, ErrDeliveryNotFound):
		h.logger.Warn("status callback for unknown delivery", "provider_id", cb.MessageSid, "status", status)
	case err != nil:
		h.logger.Error("failed to update delivery status", "provider_id", cb.MessageSid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	default:
		h.logger.Debug("delivery status updated", "provider_id", cb.MessageSid, "status", status)
	}
	w.WriteHeader(http.StatusNoContent)
}
