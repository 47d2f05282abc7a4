package licensing

import (
	"github.com/sitelicense/license-server/internal/db/models"
)

// Event is a named cause of a license status change
type Event string

const (
	EventExpire          Event = "expired"
	EventConversion      Event = "conversion"
	EventPlanChange      Event = "plan_change"
	EventRenewal         Event = "renewal"
	EventPaymentFailed   Event = "payment_failed"
	EventCancellation    Event = "cancellation"
	EventRefund          Event = "refund"
	EventReenable        Event = "reenabled"
	EventConvertLifetime Event = "converted_lifetime"
	EventTrialExtended   Event = "trial_extended"
	EventStatusForced    Event = "status_forced"
)

type transition struct {
	from []models.LicenseStatus // nil admits every status
	to   models.LicenseStatus
}

// transitions is the license state machine. EventStatusForced is absent: its target is
// chosen by the administrator.
var transitions = map[Event]transition{
	EventExpire: {
		from: []models.LicenseStatus{models.LicenseStatusTrial, models.LicenseStatusActive},
		to:   models.LicenseStatusExpired,
	},
	EventConversion: {
		from: []models.LicenseStatus{models.LicenseStatusTrial},
		to:   models.LicenseStatusActive,
	},
	EventPlanChange: {
		from: []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusSuspended},
		to:   models.LicenseStatusActive,
	},
	EventRenewal: {
		from: []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusSuspended},
		to:   models.LicenseStatusActive,
	},
	EventPaymentFailed: {
		from: []models.LicenseStatus{models.LicenseStatusActive},
		to:   models.LicenseStatusSuspended,
	},
	EventCancellation: {
		from: []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusSuspended},
		to:   models.LicenseStatusCancelled,
	},
	EventRefund: {
		from: []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusSuspended, models.LicenseStatusCancelled},
		to:   models.LicenseStatusDeactivated,
	},
	EventReenable: {
		from: []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusCancelled, models.LicenseStatusExpired},
		to:   models.LicenseStatusActive,
	},
	EventConvertLifetime: {
		to: models.LicenseStatusActive,
	},
	EventTrialExtended: {
		from: []models.LicenseStatus{models.LicenseStatusTrial, models.LicenseStatusExpired},
		to:   models.LicenseStatusTrial,
	},
}

// nextStatus returns the status ev leads to from the given status
func nextStatus(from models.LicenseStatus, ev Event) (models.LicenseStatus, error) {
	t, ok := transitions[ev]
	if !ok {
		return "", &TransitionError{From: from, Event: ev}
	}
	if t.from == nil {
		return t.to, nil
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", &TransitionError{From: from, Event: ev}
}

// deniedBy maps a non-admitting status to its validation reason
func deniedBy(status models.LicenseStatus) (Reason, bool) {
	switch status {
	case models.LicenseStatusTrial, models.LicenseStatusActive:
		return "", false
	case models.LicenseStatusSuspended:
		return ReasonSuspended, true
	case models.LicenseStatusCancelled:
		return ReasonCancelled, true
	case models.LicenseStatusExpired:
		return ReasonExpired, true
	default:
		return ReasonDeactivated, true
	}
}
