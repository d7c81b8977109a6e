package sender

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/logger"
)

// LogSender writes each message to the structured logger instead of delivering it.
// Used in development and for dry runs against a copy of production data.
type LogSender struct {
	log *zap.SugaredLogger
}

// NewLogSender creates a log transport
func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{log: log.With(logger.FieldTransport, am.TransportLog)}
}

// Send logs the message and returns a generated id
func (s *LogSender) Send(ctx context.Context, to, subject, body string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	id := "log_" + uuid.NewString()
	logger.FromContext(ctx, s.log).Infow("Message sent",
		logger.FieldMessageID, id,
		"to", to,
		"subject", subject,
		"body_bytes", len(body))
	return Delivered(id)
}
