package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
)

// EmailSender submits the alert over SMTP. Config keys: host, port, from,
// to (comma-separated), and optional username/password and starttls.
type EmailSender struct {
	guard *Guard
}

func NewEmailSender(guard *Guard) *EmailSender {
	return &EmailSender{guard: guard}
}

func (s *EmailSender) Kind() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, p Payload, cfg map[string]string) error {
	host := cfg["host"]
	if host == "" {
		return fmt.Errorf("email: missing host in integration config")
	}
	if err := s.guard.CheckHost(host); err != nil {
		return err
	}

	port := cfg["port"]
	if port == "" {
		port = "25"
	}
	from := cfg["from"]
	if _, err := mail.ParseAddress(from); err != nil {
		return fmt.Errorf("email: bad from address %q: %w", from, err)
	}

	var recipients []string
	for _, addr := range strings.Split(cfg["to"], ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("email: bad recipient %q: %w", addr, err)
		}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("email: no valid recipients")
	}

	msg := buildMessage(from, recipients, p)

	// net/smtp has no context support; honor the deadline with a dialer.
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("email: dial: %w", err)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("email: handshake: %w", err)
	}
	defer c.Close()

	if cfg["starttls"] == "true" {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("email: starttls: %w", err)
		}
	}
	if user := cfg["username"]; user != "" {
		if err := c.Auth(smtp.PlainAuth("", user, cfg["password"], host)); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("email: mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("email: rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: close body: %w", err)
	}
	return c.Quit()
}

func buildMessage(from string, to []string, p Payload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s alert for device %s\r\n", strings.ToUpper(p.Severity), p.AlertType, p.DeviceID)
	fmt.Fprintf(&b, "X-Pulse-Correlation-Id: %s\r\n", p.CorrelationID)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\nTenant:    %s\r\nDevice:    %s\r\nAlert:     %s\r\nSeverity:  %s\r\nRaised at: %s\r\n",
		p.Message, p.TenantID, p.DeviceID, p.AlertID, p.Severity, p.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	return []byte(b.String())
}
