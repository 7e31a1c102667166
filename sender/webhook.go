package sender

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
)

// CorrelationHeader carries the delivery correlation ID on every outbound
// HTTP request.
const CorrelationHeader = "X-Pulse-Correlation-Id"

// SignatureHeader carries the optional HMAC-SHA256 body signature.
const SignatureHeader = "X-Pulse-Signature"

// WebhookSender posts the payload as JSON to cfg["url"]. Optional
// cfg["secret"] enables request signing. Success is any 2xx status.
type WebhookSender struct {
	guard  *Guard
	client *http.Client
}

func NewWebhookSender(guard *Guard, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		guard:  guard,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Kind() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, p Payload, cfg map[string]string) error {
	url := cfg["url"]
	if url == "" {
		return fmt.Errorf("webhook: missing url in integration config")
	}
	if err := s.guard.CheckURL(url); err != nil {
		return err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CorrelationHeader, p.CorrelationID)
	if secret := cfg["secret"]; secret != "" {
		req.Header.Set(SignatureHeader, signBody(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
