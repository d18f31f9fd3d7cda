package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook POSTs event payloads to per-call URLs.
// Delivery is best-effort: one attempt, no retry.
type Webhook struct {
	http      *http.Client
	userAgent string
}

type WebhookOptions struct {
	Timeout   time.Duration
	UserAgent string
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "voice-orchestrator/2.0"
	}
	return &Webhook{http: &http.Client{Timeout: opts.Timeout}, userAgent: opts.UserAgent}
}

// Deliver sends one event and reports non-2xx responses as errors.
func (w *Webhook) Deliver(ctx context.Context, url string, e Event) error {
	body, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
