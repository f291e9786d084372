package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/hibiken/asynq"
)

// SMTPSender delivers mail:send tasks over plain SMTP, matching the
// Mailpit-style relay used in development.
type SMTPSender struct {
	addr   string
	from   string
	logger *slog.Logger

	// send is swappable in tests.
	send func(addr, from string, to []string, msg []byte) error
}

// NewSMTPSender constructs a sender for host:port with the given envelope
// sender.
func NewSMTPSender(addr, from string, logger *slog.Logger) *SMTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		addr:   addr,
		from:   from,
		logger: logger,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Handle processes TaskTypeSendEmail tasks.
func (s *SMTPSender) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := unmarshalPayload(t, &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.To == "" {
		return asynq.SkipRetry
	}

	msg := s.compose(payload)
	if err := s.send(s.addr, s.from, []string{payload.To}, msg); err != nil {
		s.logger.Warn("smtp send", slog.String("to", payload.To), slog.Any("error", err))
		return err
	}
	s.logger.Info("email sent", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return nil
}

func (s *SMTPSender) compose(p SendEmailPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", p.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", p.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(p.Body)
	return []byte(b.String())
}
