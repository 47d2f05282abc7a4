package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sitelicense/license-server/internal/config"
)

// NewSinks builds the sinks enabled by cfg. With notifications disabled, or nothing
// configured, notifications are only logged.
func NewSinks(cfg *config.NotificationsConfig) []Sink {
	if !cfg.Enabled {
		return []Sink{LogSink{}}
	}

	sinks := make([]Sink, 0, 2)
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhookSink(&cfg.Webhook))
	}
	if cfg.SMTP.Host != "" {
		sinks = append(sinks, NewSMTPSink(&cfg.SMTP))
	}
	if len(sinks) == 0 {
		slog.Warn("notifications enabled but no webhook url or smtp host configured; logging only")
		sinks = append(sinks, LogSink{})
	}
	return sinks
}

// LogSink writes notifications to the application log
type LogSink struct{}

// Name implements Sink
func (LogSink) Name() string { return "log" }

// Send implements Sink
func (LogSink) Send(_ context.Context, n Notification) error {
	slog.Info("notification",
		"event_kind", n.EventKind,
		"license_key", n.LicenseKey,
		"license_type", n.LicenseType,
		"status", n.Status,
		"seats_used", n.SeatsUsed,
		"seats_remaining", n.SeatsRemaining.String())
	return nil
}

// WebhookSink posts notifications as JSON to the marketing automation endpoint
type WebhookSink struct {
	cfg    *config.NotificationWebhookConfig
	client *http.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg *config.NotificationWebhookConfig) *WebhookSink {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Sink
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink
func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
