// errors.go defines the typed failures the repositories surface to the entitlement engine
// and classifies PostgreSQL driver errors into duplicate-key and transient faults.
package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrLicenseNotFound is returned when no license row matches the key
	ErrLicenseNotFound = errors.New("license not found")
	// ErrSeatNotFound is returned when no seat row matches (license, fingerprint)
	ErrSeatNotFound = errors.New("seat not found")
	// ErrDuplicateKey is returned when an insert collides with an existing primary key
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrStatusChanged is returned by a conditional update when the license left the expected status
	ErrStatusChanged = errors.New("license status changed concurrently")
	// ErrOpenTrialExists is returned when a write would give a customer a second running trial
	ErrOpenTrialExists = errors.New("customer already has a running trial")
	// ErrEventNotClaimed is returned when completing or releasing an event that holds no pending claim
	ErrEventNotClaimed = errors.New("lifecycle event not claimed")
)

// SeatLimitError is returned by ReserveSeat when every seat is taken
type SeatLimitError struct {
	Limit int
	Used  int
}

func (e *SeatLimitError) Error() string {
	return fmt.Sprintf("seat limit exceeded: %d/%d used", e.Used, e.Limit)
}

// PostgreSQL SQLSTATE codes the repositories react to
const (
	openTrialIndex = "idx_licenses_open_trial"

	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

// uniqueViolation reports whether err is a unique-constraint violation and names the constraint
func uniqueViolation(err error) (constraint string, ok bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

// IsTransient reports whether err is a storage fault worth retrying: lost connections,
// serialization failures and deadlocks. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected, pgAdminShutdown, pgCannotConnectNow:
			return true
		}
		// Class 08: connection exception
		return pqErr.Code.Class() == "08"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
