// Package notify delivers customer-facing license notifications to external collaborators
// (marketing automation webhook, SMTP). Delivery is asynchronous: the entitlement engine
// enqueues a Notification and returns; a Dispatcher fans each one out to every Sink.
// A failed or dropped notification never affects the state change that produced it.
package notify

import (
	"context"
	"time"

	"github.com/sitelicense/license-server/internal/db/models"
)

// Kinds emitted in addition to license status transitions
const (
	KindTrialCreated   = "trial_created"
	KindLicenseCreated = "license_created"
	KindTrialExpiring  = "trial_expiring"
)

// Notification is the only data handed to notification collaborators
type Notification struct {
	Email          string               `json:"email"`
	CustomerName   string               `json:"customer_name,omitempty"`
	LicenseKey     string               `json:"license_key"`
	EventKind      string               `json:"event_kind"`
	LicenseType    models.LicenseType   `json:"license_type"`
	Status         models.LicenseStatus `json:"status"`
	SeatLimit      models.SeatLimit     `json:"seat_limit"`
	SeatsUsed      int                  `json:"seats_used"`
	SeatsRemaining models.SeatLimit     `json:"seats_remaining"`
	NextRenewal    *time.Time           `json:"next_renewal,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// FromLicense builds a notification for l with the given seat usage
func FromLicense(kind string, l *models.License, seatsUsed int, at time.Time) Notification {
	n := Notification{
		Email:          l.CustomerEmail,
		CustomerName:   l.CustomerName,
		LicenseKey:     l.LicenseKey,
		EventKind:      kind,
		LicenseType:    l.LicenseType,
		Status:         l.Status,
		SeatLimit:      l.SeatLimit,
		SeatsUsed:      seatsUsed,
		SeatsRemaining: l.SeatLimit.Remaining(seatsUsed),
		OccurredAt:     at.UTC(),
	}
	if l.ExpiresAt != nil {
		t := l.ExpiresAt.UTC()
		n.NextRenewal = &t
	}
	return n
}

// Sink delivers a notification to one destination
type Sink interface {
	// Name identifies the sink in logs and metrics
	Name() string
	// Send delivers n; it must honour ctx cancellation
	Send(ctx context.Context, n Notification) error
}
