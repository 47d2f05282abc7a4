// Package models defines the database model types for the license server.
// Each type corresponds to a database table and uses struct tags for both JSON serialization and sqlx row scanning.
// Models are pure data types; entitlement rules live in the licensing package and queries in repositories.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// LicenseType is the commercial shape of a license
type LicenseType string

const (
	LicenseTypeTrial                 LicenseType = "trial"
	LicenseTypeFixedSeat             LicenseType = "fixed-seat"
	LicenseTypeUnlimitedSubscription LicenseType = "unlimited-subscription"
	LicenseTypeUnlimitedLifetime     LicenseType = "unlimited-lifetime"
)

// Valid reports whether t is a known license type
func (t LicenseType) Valid() bool {
	switch t {
	case LicenseTypeTrial, LicenseTypeFixedSeat, LicenseTypeUnlimitedSubscription, LicenseTypeUnlimitedLifetime:
		return true
	}
	return false
}

// LicenseStatus is the lifecycle state of a license
type LicenseStatus string

const (
	LicenseStatusTrial       LicenseStatus = "trial"
	LicenseStatusActive      LicenseStatus = "active"
	LicenseStatusSuspended   LicenseStatus = "suspended"
	LicenseStatusCancelled   LicenseStatus = "cancelled"
	LicenseStatusExpired     LicenseStatus = "expired"
	LicenseStatusDeactivated LicenseStatus = "deactivated"
)

// Valid reports whether s is a known status
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseStatusTrial, LicenseStatusActive, LicenseStatusSuspended,
		LicenseStatusCancelled, LicenseStatusExpired, LicenseStatusDeactivated:
		return true
	}
	return false
}

// SeatLimit is the number of sites a license may activate. UnlimitedSeats removes the cap.
// It is stored as an integer column and serialised in JSON as a number or "unlimited".
type SeatLimit int

// UnlimitedSeats is the sentinel for licenses without a site cap
const UnlimitedSeats SeatLimit = -1

// IsUnlimited reports whether the limit is the unlimited sentinel
func (l SeatLimit) IsUnlimited() bool { return l == UnlimitedSeats }

// Admits reports whether one more active seat fits when used seats are already taken
func (l SeatLimit) Admits(used int) bool {
	return l.IsUnlimited() || used < int(l)
}

// Remaining returns the seats still available, never negative. Unlimited stays unlimited.
func (l SeatLimit) Remaining(used int) SeatLimit {
	if l.IsUnlimited() {
		return UnlimitedSeats
	}
	if used >= int(l) {
		return 0
	}
	return l - SeatLimit(used)
}

func (l SeatLimit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(int(l))
}

// MarshalJSON writes the limit as a number or the string "unlimited"
func (l SeatLimit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(int(l))), nil
}

// UnmarshalJSON accepts a non-negative number, -1 or the string "unlimited"
func (l *SeatLimit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid seat limit %q", s)
		}
		*l = UnlimitedSeats
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid seat limit: %w", err)
	}
	if n < int(UnlimitedSeats) {
		return fmt.Errorf("invalid seat limit %d", n)
	}
	*l = SeatLimit(n)
	return nil
}

// License is the unit of entitlement sold to (or trialled by) a customer
type License struct {
	LicenseKey           string        `json:"license_key" db:"license_key"`
	LicenseType          LicenseType   `json:"license_type" db:"license_type"`
	Status               LicenseStatus `json:"status" db:"status"`
	SeatLimit            SeatLimit     `json:"seat_limit" db:"seat_limit"`
	KillSwitchEnabled    bool          `json:"kill_switch_enabled" db:"kill_switch_enabled"` // false blocks every validation
	ExpiresAt            *time.Time    `json:"expires_at,omitempty" db:"expires_at"`         // nil = never expires
	CustomerEmail        string        `json:"customer_email" db:"customer_email"`
	CustomerName         string        `json:"customer_name" db:"customer_name"`
	PlanID               *string       `json:"plan_id,omitempty" db:"plan_id"`
	SourceProcessor      *string       `json:"source_processor,omitempty" db:"source_processor"`
	SourceSubscriptionID *string       `json:"source_subscription_id,omitempty" db:"source_subscription_id"`
	TrialReminderSentAt  *time.Time    `json:"-" db:"trial_reminder_sent_at"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
}

// ExpiredAt reports whether the license carries an expiry that lies before now
func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// LicenseUpdate is a partial update; nil fields are left untouched.
// ClearExpiresAt sets expires_at to NULL and takes precedence over ExpiresAt.
type LicenseUpdate struct {
	LicenseType          *LicenseType
	Status               *LicenseStatus
	SeatLimit            *SeatLimit
	KillSwitchEnabled    *bool
	ExpiresAt            *time.Time
	ClearExpiresAt       bool
	CustomerName         *string
	PlanID               *string
	SourceProcessor      *string
	SourceSubscriptionID *string
}

// IsEmpty reports whether the update would change nothing
func (u LicenseUpdate) IsEmpty() bool {
	return u.LicenseType == nil && u.Status == nil && u.SeatLimit == nil &&
		u.KillSwitchEnabled == nil && u.ExpiresAt == nil && !u.ClearExpiresAt &&
		u.CustomerName == nil && u.PlanID == nil && u.SourceProcessor == nil &&
		u.SourceSubscriptionID == nil
}

// ApplyTo copies the set fields onto l
func (u LicenseUpdate) ApplyTo(l *License) {
	if u.LicenseType != nil {
		l.LicenseType = *u.LicenseType
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.SeatLimit != nil {
		l.SeatLimit = *u.SeatLimit
	}
	if u.KillSwitchEnabled != nil {
		l.KillSwitchEnabled = *u.KillSwitchEnabled
	}
	if u.ClearExpiresAt {
		l.ExpiresAt = nil
	} else if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		l.ExpiresAt = &t
	}
	if u.CustomerName != nil {
		l.CustomerName = *u.CustomerName
	}
	if u.PlanID != nil {
		l.PlanID = u.PlanID
	}
	if u.SourceProcessor != nil {
		l.SourceProcessor = u.SourceProcessor
	}
	if u.SourceSubscriptionID != nil {
		l.SourceSubscriptionID = u.SourceSubscriptionID
	}
}

// LicenseStatusCount is one row of the per-status aggregate used by the admin stats endpoint
type LicenseStatusCount struct {
	Status LicenseStatus `json:"status" db:"status"`
	Count  int           `json:"count" db:"count"`
}
