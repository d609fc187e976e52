package mailer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/tabsplit-backend/pkg/config"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
)

// LogSender writes messages to the structured log instead of sending them.
type LogSender struct {
	logg *logger.Logger
}

func NewLogSender(logg *logger.Logger) *LogSender {
	return &LogSender{logg: logg}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	to, err := NormalizeAddress(msg.To)
	if err != nil {
		return "", NewPermanentError(err)
	}
	id := "log-" + uuid.NewString()
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"to":                  to,
			"subject":             msg.Subject,
			"provider_message_id": id,
			"body_bytes":          len(msg.Body),
		})
		s.logg.Info(ctx, "mail send skipped by log driver")
	}
	return id, nil
}

// New picks the sender for the configured driver.
func New(cfg config.MailConfig, logg *logger.Logger) (Sender, error) {
	switch cfg.Driver {
	case config.MailDriverSMTP:
		return NewSMTPSender(cfg)
	case config.MailDriverLog, "":
		return NewLogSender(logg), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}
