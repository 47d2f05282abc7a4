// event_repository.go implements EventRepository, the idempotency ledger for payment-processor
// lifecycle events. An event is claimed before it is applied, so a replay either sees the
// finished record or an in-flight claim and never applies twice.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sitelicense/license-server/internal/db/models"
)

const eventColumns = `source_processor, source_transaction_id, event_kind, license_key, customer_email,
	plan_id, amount_cents, currency, state, outcome, received_at, applied_at`

// EventRepository handles lifecycle event database operations
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// RevenueTotal is the net applied amount per currency
type RevenueTotal struct {
	Currency    string `json:"currency" db:"currency"`
	AmountCents int64  `json:"amount_cents" db:"amount_cents"`
}

// Claim inserts a pending record for the event. When the event already exists, claimed is
// false and the stored record is returned. A pending claim older than staleBefore is taken
// over, which recovers events whose first applier died mid-flight.
func (r *EventRepository) Claim(ctx context.Context, rec *models.LifecycleEventRecord, staleBefore time.Time) (claimed bool, existing *models.LifecycleEventRecord, err error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO lifecycle_events (
			source_processor, source_transaction_id, event_kind, customer_email,
			plan_id, amount_cents, currency, state, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',$8)
		ON CONFLICT (source_processor, source_transaction_id, event_kind) DO UPDATE
			SET received_at = EXCLUDED.received_at
			WHERE lifecycle_events.state = 'pending' AND lifecycle_events.received_at < $9
		RETURNING received_at`

	var receivedAt time.Time
	err = r.db.QueryRowxContext(ctx, query,
		rec.SourceProcessor,
		rec.SourceTransactionID,
		rec.EventKind,
		rec.CustomerEmail,
		rec.PlanID,
		rec.AmountCents,
		rec.Currency,
		now,
		staleBefore,
	).Scan(&receivedAt)
	if err == nil {
		rec.State = models.EventStatePending
		rec.ReceivedAt = receivedAt
		return true, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to claim lifecycle event: %w", err)
	}

	stored, err := r.Get(ctx, rec.SourceProcessor, rec.SourceTransactionID, rec.EventKind)
	if err != nil {
		return false, nil, err
	}
	return false, stored, nil
}

// Get returns the stored record for an event
func (r *EventRepository) Get(ctx context.Context, processor, transactionID string, kind models.LifecycleEventKind) (*models.LifecycleEventRecord, error) {
	query := `SELECT ` + eventColumns + `
		FROM lifecycle_events
		WHERE source_processor = $1 AND source_transaction_id = $2 AND event_kind = $3`

	var rec models.LifecycleEventRecord
	if err := r.db.GetContext(ctx, &rec, query, processor, transactionID, kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotClaimed
		}
		return nil, fmt.Errorf("failed to get lifecycle event: %w", err)
	}
	return &rec, nil
}

// Complete finalises a pending claim with its outcome
func (r *EventRepository) Complete(ctx context.Context, rec *models.LifecycleEventRecord) error {
	query := `
		UPDATE lifecycle_events
		SET state = $1, outcome = $2, license_key = $3, applied_at = $4
		WHERE source_processor = $5 AND source_transaction_id = $6 AND event_kind = $7
		  AND state = 'pending'`

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query,
		rec.State,
		rec.Outcome,
		rec.LicenseKey,
		now,
		rec.SourceProcessor,
		rec.SourceTransactionID,
		rec.EventKind,
	)
	if err != nil {
		return fmt.Errorf("failed to complete lifecycle event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete lifecycle event: %w", err)
	}
	if n == 0 {
		return ErrEventNotClaimed
	}
	rec.AppliedAt = &now
	return nil
}

// Release drops a pending claim so the processor's retry can apply the event
func (r *EventRepository) Release(ctx context.Context, processor, transactionID string, kind models.LifecycleEventKind) error {
	query := `
		DELETE FROM lifecycle_events
		WHERE source_processor = $1 AND source_transaction_id = $2 AND event_kind = $3
		  AND state = 'pending'`

	if _, err := r.db.ExecContext(ctx, query, processor, transactionID, kind); err != nil {
		return fmt.Errorf("failed to release lifecycle event: %w", err)
	}
	return nil
}

// ListByLicense returns the events applied to key, newest first
func (r *EventRepository) ListByLicense(ctx context.Context, key string) ([]*models.LifecycleEventRecord, error) {
	query := `SELECT ` + eventColumns + `
		FROM lifecycle_events
		WHERE license_key = $1
		ORDER BY received_at DESC`

	events := make([]*models.LifecycleEventRecord, 0)
	if err := r.db.SelectContext(ctx, &events, query, key); err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	return events, nil
}

// NetRevenue sums applied purchases and renewals minus refunds per currency
func (r *EventRepository) NetRevenue(ctx context.Context) ([]RevenueTotal, error) {
	query := `
		SELECT currency,
		       SUM(CASE WHEN event_kind = 'refund' THEN -amount_cents ELSE amount_cents END) AS amount_cents
		FROM lifecycle_events
		WHERE state = 'applied' AND event_kind IN ('purchase', 'renewal', 'refund')
		GROUP BY currency
		ORDER BY currency`

	totals := make([]RevenueTotal, 0)
	if err := r.db.SelectContext(ctx, &totals, query); err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return totals, nil
}
