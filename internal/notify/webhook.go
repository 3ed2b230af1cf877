package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fibertrack/internal/config"
)

const SignatureHeader = "X-Signature"

type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

type webhookMessage struct {
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

func NewWebhook(cfg config.NotifyHookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: cfg.URL, secret: cfg.Secret, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, recipients []string, subject, body string) error {
	payload, err := json.Marshal(webhookMessage{
		Recipients: cleanRecipients(recipients),
		Subject:    subject,
		Body:       body,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, payload))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
