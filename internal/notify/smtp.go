package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"fibertrack/internal/config"
)

type SMTPNotifier struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg config.SMTPConfig) *SMTPNotifier {
	n := &SMTPNotifier{addr: cfg.Addr, from: cfg.From, send: smtp.SendMail}
	if cfg.Username != "" {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return n
}

func (s *SMTPNotifier) Name() string { return "smtp" }

// Notify skips empty recipient lists; there is nobody to page.
func (s *SMTPNotifier) Notify(ctx context.Context, recipients []string, subject, body string) error {
	to := cleanRecipients(recipients)
	if len(to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(s.from, to, subject, body, time.Now())
	if err := s.send(s.addr, s.auth, s.from, to, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", strings.Join(to, ","), err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func cleanRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
