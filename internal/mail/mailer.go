// Package mail implements the password-reset mail collaborator.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// SMTPMailer sends password-reset links over plain SMTP with optional auth.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

// NewSMTPMailer constructs a mailer for the given host:port and sender.
// Username may be empty for unauthenticated relays.
func NewSMTPMailer(addr, from, username, password string) *SMTPMailer {
	m := &SMTPMailer{addr: addr, from: from}
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		m.auth = smtp.PlainAuth("", username, password, host)
	}
	return m
}

func (m *SMTPMailer) SendPasswordReset(_ context.Context, email, link string) error {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Password reset\r\n\r\n"+
			"A password reset was requested for your account.\r\n\r\n"+
			"Reset link (valid for a limited time): %s\r\n\r\n"+
			"If you did not request this, you can ignore this message.\r\n",
		m.from, email, link,
	)
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{email}, []byte(msg)); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}
	return nil
}

// LogMailer writes the reset link to the log instead of sending mail. Used in
// development where no relay is configured.
type LogMailer struct {
	Log *slog.Logger
}

func (m LogMailer) SendPasswordReset(_ context.Context, email, link string) error {
	m.Log.Info("password reset link (mail disabled)",
		slog.String("email", email),
		slog.String("link", link),
	)
	return nil
}
