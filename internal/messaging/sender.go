// Package messaging delivers patient messages over SMS or WhatsApp and keeps
// a delivery log of what was sent.
package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Channel is the transport a message goes out on.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel maps a config value to a Channel, defaulting to WhatsApp.
func ParseChannel(v string) Channel {
	if strings.EqualFold(strings.TrimSpace(v), string(ChannelSMS)) {
		return ChannelSMS
	}
	return ChannelWhatsApp
}

// Outbound is one message to a patient.
type Outbound struct {
	To      string
	Body    string
	Channel Channel
}

func (m Outbound) validate() error {
	if NormalizeE164(m.To) == "" {
		return errors.New("messaging: to required")
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("messaging: body required")
	}
	return nil
}

// Sender sends a message and returns the transport's delivery id.
type Sender interface {
	Send(ctx context.Context, msg Outbound) (string, error)
}

// StubSender logs messages instead of sending them. Used in development and
// tests.
type StubSender struct {
	mu     sync.Mutex
	sent   []Outbound
	err    error
	logger *logging.Logger
}

func NewStubSender(logger *logging.Logger) *StubSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSender{logger: logger}
}

// FailWith makes every subsequent Send return err.
func (s *StubSender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StubSender) Send(_ context.Context, msg Outbound) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	s.logger.Info("stub message sent", "to", msg.To, "channel", msg.Channel)
	return "stub-" + uuid.NewString(), nil
}

// Sent returns a copy of the messages sent so far.
func (s *StubSender) Sent() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outbound, len(s.sent))
	copy(out, s.sent)
	return out
}
