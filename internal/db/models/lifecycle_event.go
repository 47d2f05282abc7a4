// Package models - lifecycle_event.go defines the idempotency record kept for every
// payment-processor lifecycle event, keyed by (processor, transaction id, kind).
package models

import "time"

// LifecycleEventKind is the normalised kind of a payment-processor event
type LifecycleEventKind string

const (
	EventPurchase      LifecycleEventKind = "purchase"
	EventRenewal       LifecycleEventKind = "renewal"
	EventCancellation  LifecycleEventKind = "cancellation"
	EventPaymentFailed LifecycleEventKind = "payment_failed"
	EventRefund        LifecycleEventKind = "refund"
)

// LifecycleEventState tracks whether a claimed event has been applied
type LifecycleEventState string

const (
	EventStatePending LifecycleEventState = "pending"
	EventStateApplied LifecycleEventState = "applied"
	EventStateIgnored LifecycleEventState = "ignored"
)

// LifecycleEventRecord is the stored idempotency and revenue record of an event
type LifecycleEventRecord struct {
	SourceProcessor     string              `json:"source_processor" db:"source_processor"`
	SourceTransactionID string              `json:"source_transaction_id" db:"source_transaction_id"`
	EventKind           LifecycleEventKind  `json:"event_kind" db:"event_kind"`
	LicenseKey          *string             `json:"license_key,omitempty" db:"license_key"`
	CustomerEmail       string              `json:"customer_email" db:"customer_email"`
	PlanID              *string             `json:"plan_id,omitempty" db:"plan_id"`
	AmountCents         int64               `json:"amount_cents" db:"amount_cents"`
	Currency            string              `json:"currency" db:"currency"`
	State               LifecycleEventState `json:"state" db:"state"`
	Outcome             string              `json:"outcome" db:"outcome"`
	ReceivedAt          time.Time           `json:"received_at" db:"received_at"`
	AppliedAt           *time.Time          `json:"applied_at,omitempty" db:"applied_at"`
}
