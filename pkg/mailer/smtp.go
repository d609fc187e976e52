package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/tabsplit-backend/pkg/config"
)

// SMTPSender delivers mail over implicit-TLS SMTP (port 465 style).
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	now      func() time.Time
	dial     func(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error)
}

// NewSMTPSender validates the SMTP settings and builds a sender.
func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("smtp port must be positive")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("from address is required")
	}
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		now:      time.Now,
		dial:     dialTLS,
	}, nil
}

func dialTLS(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := &tls.Dialer{Config: tlsCfg}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Send writes msg and returns the generated Message-ID.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	to, err := NormalizeAddress(msg.To)
	if err != nil {
		return "", NewPermanentError(err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)
	raw := buildMessage(s.from, to, msg.Subject, msg.Body, messageID, s.now().UTC())

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := s.dial(ctx, addr, &tls.Config{ServerName: s.host})
	if err != nil {
		return "", fmt.Errorf("dial smtp: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return "", classifySMTP("greeting", err)
	}
	defer client.Close()

	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return "", classifySMTP("auth", err)
		}
	}
	if err := client.Mail(envelopeAddress(s.from)); err != nil {
		return "", classifySMTP("mail from", err)
	}
	if err := client.Rcpt(to); err != nil {
		return "", classifySMTP("rcpt to", err)
	}

	w, err := client.Data()
	if err != nil {
		return "", classifySMTP("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", classifySMTP("write body", err)
	}
	if err := w.Close(); err != nil {
		return "", classifySMTP("close body", err)
	}
	_ = client.Quit()

	return messageID, nil
}

func buildMessage(from, to, subject, body, messageID string, date time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func envelopeAddress(from string) string {
	if start := strings.LastIndex(from, "<"); start >= 0 {
		if end := strings.LastIndex(from, ">"); end > start {
			return from[start+1 : end]
		}
	}
	return from
}

// classifySMTP treats 5xx replies as permanent; everything else (4xx,
// network errors, timeouts) may succeed on a later attempt.
func classifySMTP(stage string, err error) error {
	wrapped := fmt.Errorf("smtp %s: %w", stage, err)
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 && protoErr.Code < 600 {
		return NewPermanentError(wrapped)
	}
	return wrapped
}
