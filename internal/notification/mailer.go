// Package notification delivers rule alerts by email over SMTP or the
// Gmail API.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/config"
)

// Mailer sends a fully built email.
type Mailer interface {
	Send(ctx context.Context, email *Email) error
	Close() error
}

// RetryConfig bounds SendWithRetry.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Delay: time.Second, MaxDelay: 5 * time.Second}
}

// SendWithRetry calls sendFunc until it succeeds, the attempts run out or
// ctx is done. Errors wrapped with backoff.Permanent stop immediately.
func SendWithRetry(ctx context.Context, cfg RetryConfig, sendFunc func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ebo := backoff.NewExponentialBackOff()
	if cfg.Delay > 0 {
		ebo.InitialInterval = cfg.Delay
	}
	if cfg.MaxDelay > 0 {
		ebo.MaxInterval = cfg.MaxDelay
	}
	ebo.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(cfg.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error { return sendFunc(ctx) }, bo)
}

// New builds the mailer selected by cfg.Transport. tokenKey encrypts the
// Gmail token file and may be empty.
func New(ctx context.Context, cfg config.EmailConfig, tokenKey string, logger *zap.Logger) (Mailer, error) {
	if logger == nil {
		logger = zap.L().Named("mailer")
	}
	switch cfg.Transport {
	case "", "smtp":
		return NewSMTPMailer(cfg.SMTP, logger), nil
	case "gmail":
		return NewGmailMailer(ctx, GmailConfig{
			ClientID:           cfg.Gmail.ClientID,
			ClientSecret:       cfg.Gmail.ClientSecret,
			TokenStorePath:     cfg.Gmail.TokenPath,
			TokenEncryptionKey: tokenKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown email transport %q", cfg.Transport)
	}
}
