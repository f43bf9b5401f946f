package notification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/config"
)

// SMTPMailer submits mail with PLAIN auth; smtp.SendMail upgrades to
// STARTTLS when the server offers it, which Gmail's 587 port requires.
type SMTPMailer struct {
	addr   string
	host   string
	auth   smtp.Auth
	logger *zap.Logger

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg config.SMTPConfig, logger *zap.Logger) *SMTPMailer {
	if logger == nil {
		logger = zap.L().Named("smtp")
	}
	m := &SMTPMailer{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:   cfg.Host,
		logger: logger,
		send:   smtp.SendMail,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, email *Email) error {
	raw, err := BuildMIMEMessage(email)
	if err != nil {
		return fmt.Errorf("failed to build MIME message: %w", err)
	}

	// net/smtp has no context support; run the exchange aside so a
	// cancelled caller is not held by a stalled server.
	done := make(chan error, 1)
	go func() {
		done <- m.send(m.addr, m.auth, email.From, email.To, raw)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send via %s failed: %w", m.addr, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Debug("Email sent",
		zap.String("alert_id", email.AlertID),
		zap.Strings("to", maskEmails(email.To)),
		zap.Int("bytes", len(raw)))
	return nil
}

func (m *SMTPMailer) Close() error { return nil }
