package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// OperatorAlerter emails the operations inbox. It satisfies both the job
// executor's and the outbox deliverer's alert hooks.
type OperatorAlerter struct {
	email  EmailSender
	to     string
	env    string
	logger *logging.Logger
}

// NewOperatorAlerter returns an alerter that only logs when no recipient or
// sender is configured.
func NewOperatorAlerter(email EmailSender, to, env string, logger *logging.Logger) *OperatorAlerter {
	if logger == nil {
		logger = logging.Default()
	}
	return &OperatorAlerter{
		email:  email,
		to:     strings.TrimSpace(to),
		env:    env,
		logger: logger.WithComponent("alerts"),
	}
}

func (a *OperatorAlerter) Alert(ctx context.Context, subject, body string) error {
	if subject == "" {
		return errors.New("notify: alert subject required")
	}
	if a.env != "" && a.env != "production" {
		subject = fmt.Sprintf("[%s] %s", a.env, subject)
	}
	a.logger.Warn("operator alert", "subject", subject, "body", truncate(body, 500))
	if a.email == nil || a.to == "" {
		return nil
	}
	return a.email.Send(ctx, EmailMessage{
		To:      a.to,
		ToName:  "Operations",
		Subject: subject,
		Body:    body,
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
