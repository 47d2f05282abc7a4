package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/safego"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a signing secret is set
const SignatureHeader = "X-Audit-Signature"

const (
	defaultWebhookAttempts = 3
	webhookQueueSize       = 1000
)

// WebhookShipper posts audit entries as JSON to an HTTP endpoint. With BatchSize > 0 entries
// are queued and posted as arrays; otherwise each entry is posted on its own. Server errors
// and network failures are retried; other 4xx responses are not.
type WebhookShipper struct {
	cfg           *config.AuditWebhookConfig
	client        *http.Client
	timeout       time.Duration
	flushInterval time.Duration
	attempts      uint
	retryInitial  time.Duration

	queue     chan *LogEntry
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper and, when batching, starts its flusher
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	flushInterval := time.Duration(cfg.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	attempts := defaultWebhookAttempts
	if cfg.MaxAttempts > 0 {
		attempts = cfg.MaxAttempts
	}

	ws := &WebhookShipper{
		cfg:           cfg,
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
		flushInterval: flushInterval,
		attempts:      uint(attempts),
		retryInitial:  200 * time.Millisecond,
		queue:         make(chan *LogEntry, webhookQueueSize),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		safego.Go("audit-webhook-batches", ws.runBatches)
	} else {
		close(ws.doneCh)
	}

	return ws, nil
}

// Name implements Shipper
func (ws *WebhookShipper) Name() string { return "webhook" }

// Ship queues entry when batching, falling back to a direct post when the queue is full
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.queue <- entry:
			return nil
		default:
			slog.Warn("audit webhook queue full, posting directly", "action", entry.Action)
		}
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	err = ws.post(ctx, body)
	countShipped(ws.Name(), err)
	return err
}

// runBatches collects queued entries and posts them by size or interval. On close the
// queue is drained and a final batch is posted.
func (ws *WebhookShipper) runBatches() {
	defer close(ws.doneCh)

	ticker := time.NewTicker(ws.flushInterval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, ws.cfg.BatchSize)
	for {
		select {
		case entry := <-ws.queue:
			batch = append(batch, entry)
			if len(batch) >= ws.cfg.BatchSize {
				batch = ws.flush(batch)
			}
		case <-ticker.C:
			batch = ws.flush(batch)
		case <-ws.closeCh:
			for {
				select {
				case entry := <-ws.queue:
					batch = append(batch, entry)
				default:
					ws.flush(batch)
					return
				}
			}
		}
	}
}

// flush posts batch and returns it emptied
func (ws *WebhookShipper) flush(batch []*LogEntry) []*LogEntry {
	if len(batch) == 0 {
		return batch
	}

	body, err := json.Marshal(batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "entries", len(batch), "error", err)
		return batch[:0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout*time.Duration(ws.attempts))
	defer cancel()

	err = ws.post(ctx, body)
	countShipped(ws.Name(), err)
	if err != nil {
		slog.Error("failed to send audit batch", "entries", len(batch), "error", err)
	}
	return batch[:0]
}

// post delivers body, retrying transient failures with exponential backoff
func (ws *WebhookShipper) post(ctx context.Context, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ws.retryInitial

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			telemetry.AuditShippedTotal.WithLabelValues(ws.Name(), "retried").Inc()
		}
		return struct{}{}, ws.send(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(ws.attempts))
	return err
}

func (ws *WebhookShipper) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}
	if ws.cfg.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(ws.cfg.SigningSecret, body))
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// Close posts any queued entries and stops the flusher
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.doneCh
	return nil
}

// Sign returns the X-Audit-Signature value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
