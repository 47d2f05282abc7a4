// Package models - site_seat.go defines the SiteSeat model: one row per (license, site)
// pair. Rows are never deleted; releasing a seat flips its status so history survives.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatStatus is the state of a site seat
type SeatStatus string

const (
	SeatStatusActive      SeatStatus = "active"
	SeatStatusDeactivated SeatStatus = "deactivated"
)

// Seat release reasons recorded in deactivation_reason
const (
	SeatReleaseUnregistered = "unregistered"
	SeatReleaseAdmin        = "admin_release"
	SeatReleaseAdminAll     = "admin_release_all"
)

// SiteSeat represents one site occupying (or having occupied) a seat on a license
type SiteSeat struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	LicenseKey         string     `json:"license_key" db:"license_key"`
	Fingerprint        string     `json:"site_fingerprint" db:"site_fingerprint"`
	SiteDomain         string     `json:"site_domain" db:"site_domain"`
	SitePath           string     `json:"site_path" db:"site_path"`
	InstallRoot        string     `json:"install_root" db:"install_root"`
	PluginVersion      *string    `json:"plugin_version,omitempty" db:"plugin_version"`
	Status             SeatStatus `json:"status" db:"status"`
	RegisteredAt       time.Time  `json:"registered_at" db:"registered_at"`
	LastSeenAt         time.Time  `json:"last_seen_at" db:"last_seen_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
	DeactivationReason *string    `json:"deactivation_reason,omitempty" db:"deactivation_reason"`
}

// IsActive reports whether the seat currently counts against the license limit
func (s *SiteSeat) IsActive() bool { return s.Status == SeatStatusActive }
