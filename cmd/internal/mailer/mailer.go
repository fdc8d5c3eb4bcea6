// Package mailer delivers confirmation emails.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

var ErrInvalidConfig = errors.New("invalid mailer config")

// ConfirmationEmail is the canonical payload for confirmation delivery.
// ConfirmURL carries the raw token and must never be logged.
type ConfirmationEmail struct {
	Email      string
	Locale     string
	ConfirmURL string
}

// Sender sends confirmation emails.
type Sender interface {
	SendConfirmationEmail(ctx context.Context, msg ConfirmationEmail) error
}

// NoopSender drops every message. It is the default when SMTP is not configured.
type NoopSender struct{}

func (NoopSender) SendConfirmationEmail(context.Context, ConfirmationEmail) error { return nil }

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender sends plain-text confirmation emails over SMTP.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer dialer
}

// NewSMTPSender validates cfg and constructs an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("%w: host and from are required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port out of range", ErrInvalidConfig)
	}
	if cfg.FromName == "" {
		cfg.FromName = "Waitlist"
	}
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (s *SMTPSender) SendConfirmationEmail(ctx context.Context, msg ConfirmationEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Email) == "" || strings.TrimSpace(msg.ConfirmURL) == "" {
		return fmt.Errorf("%w: email and confirm url are required", ErrInvalidConfig)
	}
	if err := s.dialer.DialAndSend(s.compose(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) compose(msg ConfirmationEmail) *gomail.Message {
	subject, body := confirmationText(msg)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.From, s.cfg.FromName)
	m.SetHeader("To", strings.TrimSpace(msg.Email))
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

// confirmationText is deliberately minimal; templated rendering lives outside this service.
func confirmationText(msg ConfirmationEmail) (subject, body string) {
	if strings.HasPrefix(strings.ToLower(msg.Locale), "de") {
		return "Bitte bestätige deine Anmeldung",
			"Bitte bestätige deine Anmeldung zur Warteliste:\n\n" + msg.ConfirmURL + "\n"
	}
	return "Confirm your waitlist signup",
		"Please confirm your waitlist signup:\n\n" + msg.ConfirmURL + "\n"
}
