package email

import (
	"context"

	"go.uber.org/zap"
)

// LogSender only logs messages. Useful for local runs without an SMTP relay.
type LogSender struct {
	Log *zap.Logger
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.Log.Info("email delivered to log",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
