package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var twilioSendTracer = otel.Tracer("clinic.internal.messaging.twilio_send")

const (
	twilioAPIBase  = "https://api.twilio.com"
	twilioAttempts = 3
)

// TwilioSender posts SMS and WhatsApp messages using Twilio's REST API.
type TwilioSender struct {
	accountSID   string
	authToken    string
	smsFrom      string
	whatsappFrom string
	callbackURL  string
	baseURL      string
	httpClient   *http.Client
	sleep        func(time.Duration)
	logger       *logging.Logger
}

var _ Sender = (*TwilioSender)(nil)

// TwilioConfig holds credentials and sender numbers.
type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	SMSFrom      string
	WhatsAppFrom string
	// StatusCallbackURL receives delivery status updates when set.
	StatusCallbackURL string
}

// NewTwilioSender builds a sender with sane defaults.
func NewTwilioSender(cfg TwilioConfig, logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		accountSID:   cfg.AccountSID,
		authToken:    cfg.AuthToken,
		smsFrom:      cfg.SMSFrom,
		whatsappFrom: cfg.WhatsAppFrom,
		callbackURL:  cfg.StatusCallbackURL,
		baseURL:      twilioAPIBase,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		sleep:        time.Sleep,
		logger:       logger,
	}
}

// WithBaseURL points the sender at another API host.
func (s *TwilioSender) WithBaseURL(base string) *TwilioSender {
	s.baseURL = strings.TrimRight(base, "/")
	return s
}

// Send dispatches a single message, retrying rate limits and server errors.
// Other 4xx responses are marked permanent so the job is not retried.
func (s *TwilioSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if s.accountSID == "" || s.authToken == "" {
		return "", jobs.Permanent(errors.New("messaging: twilio credentials missing"))
	}
	if err := msg.validate(); err != nil {
		return "", jobs.Permanent(err)
	}
	from := s.smsFrom
	if msg.Channel == ChannelWhatsApp {
		from = s.whatsappFrom
	}
	if from == "" {
		return "", jobs.Permanent(fmt.Errorf("messaging: no %s sender number configured", msg.Channel))
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.channel", string(msg.Channel)))

	payload := url.Values{}
	payload.Set("To", addressFor(msg.To, msg.Channel))
	payload.Set("From", addressFor(from, msg.Channel))
	payload.Set("Body", msg.Body)
	if s.callbackURL != "" {
		payload.Set("StatusCallback", s.callbackURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	var lastErr error
	for attempt := 1; attempt <= twilioAttempts; attempt++ {
		sid, retry, err := s.post(ctx, endpoint, payload)
		if err == nil {
			s.logger.Info("twilio message sent", "channel", msg.Channel, "provider_id", sid)
			return sid, nil
		}
		lastErr = err
		if !retry {
			break
		}
		if attempt < twilioAttempts {
			s.sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	span.RecordError(lastErr)
	return "", lastErr
}

func (s *TwilioSender) post(ctx context.Context, endpoint string, payload url.Values) (sid string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return "", false, err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			SID string `json:"sid"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.SID == "" {
			return "", false, fmt.Errorf("messaging: twilio response without sid")
		}
		return parsed.SID, false, nil
	}

	sendErr := fmt.Errorf("twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return "", false, jobs.Permanent(sendErr)
	}
	return "", true, sendErr
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTwilioError(status int, body []byte) string {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, string(body))
}
