package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	// URL receives a JSON POST per session event.
	URL string `yaml:"url"`

	// Timeout for webhook requests. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Headers to include in webhook requests (e.g., for authentication).
	Headers map[string]string `yaml:"headers"`
}

// Webhook delivers events to a single HTTP endpoint.
// This allows users to integrate with any alerting or audit system by
// providing an endpoint that accepts the event payload.
type Webhook struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a new webhook notifier.
func NewWebhook(config WebhookConfig, logger *slog.Logger) *Webhook {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Notify posts the event. A non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, event Event) error {
	if w.config.URL == "" {
		w.logger.Debug("no webhook configured, skipping")
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	// Add configured headers
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	w.logger.Debug("sending webhook",
		slog.String("url", w.config.URL),
		slog.String("event", event.Type),
		slog.String("worker_id", event.WorkerID),
	)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Ensure Webhook implements Notifier.
var _ Notifier = (*Webhook)(nil)
