// Package audit records administrative overrides. Every override is written to the
// audit_logs table and, when configured, shipped to external destinations (file, webhook)
// so the trail survives outside the license database.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// LogEntry is the shipped form of an audit record
type LogEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor"`
	LicenseKey string                 `json:"license_key,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Shipper delivers audit entries to one external destination
type Shipper interface {
	// Name labels the destination in logs and metrics
	Name() string
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close flushes and releases resources
	Close() error
}

// MultiShipper fans an entry out to every configured destination. The set is fixed at
// construction.
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper builds the enabled shippers from configs. Nothing is opened when an
// entry is invalid.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		shipper, err := newShipper(cfg)
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

func newShipper(cfg config.AuditShipperConfig) (Shipper, error) {
	switch cfg.Type {
	case "webhook":
		if cfg.Webhook == nil {
			return nil, fmt.Errorf("webhook config is required for webhook shipper")
		}
		return NewWebhookShipper(cfg.Webhook)
	case "file":
		if cfg.File == nil {
			return nil, fmt.Errorf("file config is required for file shipper")
		}
		return NewFileShipper(cfg.File)
	default:
		return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
	}
}

// Name implements Shipper
func (ms *MultiShipper) Name() string { return "multi" }

// Len returns the number of active shippers
func (ms *MultiShipper) Len() int { return len(ms.shippers) }

// Ship sends entry to every destination. A failing destination does not stop the others;
// the last error is returned.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			lastErr = err
			slog.Error("audit shipper error", "shipper", shipper.Name(), "action", entry.Action, "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func countShipped(shipper string, err error) {
	result := "shipped"
	if err != nil {
		result = "failed"
	}
	telemetry.AuditShippedTotal.WithLabelValues(shipper, result).Inc()
}
