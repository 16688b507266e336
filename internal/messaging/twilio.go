package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ValidateTwilioSignature validates that a request came from Twilio.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeSignature(buildSignaturePayload(webhookURL, r.PostForm), authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload is the URL followed by the sorted form pairs.
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// StatusCallback is Twilio's delivery status webhook.
type StatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
	To            string
}

// ParseStatusCallback reads a status webhook form.
func ParseStatusCallback(r *http.Request) (*StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}
	cb := &StatusCallback{
		MessageSid:    r.PostForm.Get("MessageSid"),
		MessageStatus: strings.ToLower(r.PostForm.Get("MessageStatus")),
		ErrorCode:     r.PostForm.Get("ErrorCode"),
		To:            r.PostForm.Get("To"),
	}
	if cb.MessageSid == "" || cb.MessageStatus == "" {
		return nil, fmt.Errorf("messaging: MessageSid and MessageStatus required")
	}
	return cb, nil
}

// DeliveryStatus maps Twilio's status vocabulary onto ours. ok is false for
// intermediate states we do not track.
func (c StatusCallback) DeliveryStatus() (DeliveryStatus, bool) {
	switch c.MessageStatus {
	case "queued", "accepted", "scheduled", "sending":
		return StatusQueued, true
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	case "failed", "undelivered", "canceled":
		return StatusFailed, true
	}
	return "", false
}
