package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/sitelicense/license-server/internal/db/models"
)

// Store persists audit records
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes override records to the store and ships a copy to the configured
// destinations. Either side may be nil.
type Recorder struct {
	store   Store
	shipper Shipper
}

// NewRecorder creates a Recorder
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// Record persists entry and ships it. A store failure is returned; shipping failures are
// only logged, the database row being the record of truth.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) error {
	if r.store != nil {
		if err := r.store.CreateAuditLog(ctx, entry); err != nil {
			return err
		}
	}
	if r.shipper == nil {
		return nil
	}

	if err := r.shipper.Ship(ctx, ToLogEntry(entry)); err != nil {
		slog.Warn("failed to ship audit entry", "action", entry.Action, "error", err)
	}
	return nil
}

// ToLogEntry converts a stored audit record to its shipped form
func ToLogEntry(entry *models.AuditLog) *LogEntry {
	le := &LogEntry{
		Timestamp: entry.CreatedAt,
		Action:    entry.Action,
		Actor:     entry.Actor,
		Metadata:  entry.Metadata,
	}
	if le.Timestamp.IsZero() {
		le.Timestamp = time.Now().UTC()
	}
	if entry.LicenseKey != nil {
		le.LicenseKey = *entry.LicenseKey
	}
	if entry.IPAddress != nil {
		le.IPAddress = *entry.IPAddress
	}
	return le
}
