package email

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender stands in when no SMTP relay is configured. It logs the
// message so verification links stay reachable in dev logs.
type NoopSender struct {
	logger *zap.Logger
}

func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

func (n *NoopSender) Send(_ context.Context, to, subject, body string) error {
	n.logger.Info("email not delivered, no SMTP configured",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
