package relay

import (
	"context"
	"log/slog"
)

// LogTransport logs messages instead of sending them. It is used when no
// SMTP server is configured. Recipient addresses are not logged.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Send(_ context.Context, msg Message) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("contact message not sent, no SMTP server configured",
		"subject", msg.Subject, "bytes", len(msg.Text))
	return nil
}
