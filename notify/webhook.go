package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vessel_ingest/httputil"
	"vessel_ingest/models"
)

// WebhookProvider POSTs each batch as JSON to a single endpoint.
type WebhookProvider struct {
	url     string
	token   string
	fetcher *httputil.Fetcher
}

func NewWebhookProvider(url, token string, client *http.Client) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: httputil.NotifyTimeout}
	}
	return &WebhookProvider{url: url, token: token, fetcher: httputil.NewFetcher(client, nil)}
}

func (w *WebhookProvider) Name() string { return "webhook" }

func (w *WebhookProvider) Send(ctx context.Context, b Batch) (SendResult, error) {
	if w.url == "" {
		return SendResult{Blocked: "missing credentials: NOTIFY_WEBHOOK_URL is not set"}, nil
	}
	b.SentAt = time.Now().UTC()
	if err := w.post(ctx, map[string]any{"kind": "vessel_changes", "batch": b}); err != nil {
		return SendResult{Failed: len(b.Changes)}, err
	}
	return SendResult{Sent: len(b.Changes)}, nil
}

func (w *WebhookProvider) Alert(ctx context.Context, a models.Alert) error {
	if w.url == "" {
		return fmt.Errorf("missing credentials: NOTIFY_WEBHOOK_URL is not set")
	}
	return w.post(ctx, map[string]any{"kind": "alert", "alert": a})
}

func (w *WebhookProvider) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	if _, err := w.fetcher.PostJSON(ctx, w.url, payload, header); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func (w *WebhookProvider) Close() error { return nil }
