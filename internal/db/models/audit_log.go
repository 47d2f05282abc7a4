// Package models - audit_log.go defines the AuditLog model recording every administrative
// override: who did it, which license it touched and the parameters supplied.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog represents an audit log entry for an administrative action
type AuditLog struct {
	ID         uuid.UUID              `json:"id" db:"id"`
	LicenseKey *string                `json:"license_key,omitempty" db:"license_key"`
	Action     string                 `json:"action" db:"action"` // "override.set_kill_switch", "override.release_all_seats"
	Actor      string                 `json:"actor" db:"actor"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"-"` // JSONB
	IPAddress  *string                `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}
