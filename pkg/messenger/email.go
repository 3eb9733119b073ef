package messenger

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// EmailConfig configures the SMTP provider.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Password string
}

// EmailProvider delivers sends and replies over SMTP. Telegram-style
// reactions do not exist on email.
type EmailProvider struct {
	cfg  EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailProvider creates the provider. Host, port and from are required.
func NewEmailProvider(cfg EmailConfig) (*EmailProvider, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("email provider requires host and from address")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &EmailProvider{cfg: cfg, send: smtp.SendMail}, nil
}

// Channel implements Provider.
func (p *EmailProvider) Channel() string { return "email" }

// Deliver implements Provider.
func (p *EmailProvider) Deliver(ctx context.Context, out *Outbound) (string, error) {
	if out.Intent == "react" {
		return "", errclass.New(errclass.Validation, "email does not support reactions")
	}
	if !strings.Contains(out.Target, "@") {
		return "", errclass.New(errclass.Validation, "email target %q is not an address", out.Target)
	}

	messageID := fmt.Sprintf("<%s@butlers>", uuid.NewString())
	subject := out.Subject
	if subject == "" {
		subject = "Message from your butler"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", out.Target)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	if out.Intent == "reply" && out.ThreadIdentity != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", sanitizeHeader(out.ThreadIdentity))
		fmt.Fprintf(&b, "References: %s\r\n", sanitizeHeader(out.ThreadIdentity))
	}
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(out.Message)

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	auth := smtp.PlainAuth("", p.cfg.From, p.cfg.Password, p.cfg.Host)

	done := make(chan error, 1)
	go func() {
		done <- p.send(addr, auth, p.cfg.From, []string{out.Target}, []byte(b.String()))
	}()
	select {
	case <-ctx.Done():
		return "", errclass.Wrap(errclass.Timeout, ctx.Err(), "smtp send cancelled")
	case err := <-done:
		if err != nil {
			return "", classifySMTPError(err)
		}
	}
	return messageID, nil
}

// sanitizeHeader strips CRLF so message content cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

// classifySMTPError splits transient 4xx responses from permanent 5xx ones.
func classifySMTPError(err error) error {
	msg := err.Error()
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(msg, code) {
			return errclass.Wrap(errclass.TargetUnavailable, err, "smtp transient failure")
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") {
		return errclass.Wrap(errclass.TargetUnavailable, err, "smtp connection failure")
	}
	return errclass.Wrap(errclass.Validation, err, "smtp rejected the message")
}
