// Package mail delivers project share invitations over SMTP.
package mail

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/histoseg/platform/internal/domain"
)

// SMTPMailer sends invitation mail through a plain SMTP relay with
// optional AUTH. Delivery runs synchronously; callers that must not block
// wrap it in a goroutine.
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTP constructs a mailer against host:port. user may be empty for
// unauthenticated relays.
func NewSMTP(host string, port int, user, pass, from string) *SMTPMailer {
	m := &SMTPMailer{addr: fmt.Sprintf("%s:%d", host, port), from: from}
	if user != "" {
		m.auth = smtp.PlainAuth("", user, pass, host)
	}
	return m
}

// SendShareInvite implements domain.Mailer.
func (m *SMTPMailer) SendShareInvite(ctx domain.Context, to, projectTitle, inviteURL string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: You have been invited to the project %q\r\n", projectTitle)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "You have been invited to view the project %q.\r\n\r\n", projectTitle)
	fmt.Fprintf(&b, "Open the link below to accept the invitation:\r\n%s\r\n", inviteURL)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(b.String())); err != nil {
		return fmt.Errorf("op=mail.SendShareInvite to=%s: %w", to, err)
	}
	return nil
}

// LogMailer is the SMTP-less variant used in dev and tests; it only logs
// the invitation so share flows stay testable without a relay.
type LogMailer struct{}

// SendShareInvite implements domain.Mailer.
func (LogMailer) SendShareInvite(ctx domain.Context, to, projectTitle, inviteURL string) error {
	slog.Info("share invite (mail disabled)",
		slog.String("to", to),
		slog.String("project", projectTitle),
		slog.String("url", inviteURL))
	return nil
}
