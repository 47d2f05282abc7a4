package licensing

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// OverrideOp names an administrative override
type OverrideOp string

const (
	OpSetKillSwitch   OverrideOp = "set_kill_switch"
	OpSetSeatLimit    OverrideOp = "set_seat_limit"
	OpExtendTrial     OverrideOp = "extend_trial"
	OpForceStatus     OverrideOp = "force_status"
	OpConvertLifetime OverrideOp = "convert_lifetime"
	OpReenable        OverrideOp = "reenable"
	OpReleaseAllSeats OverrideOp = "release_all_seats"
	OpReleaseSeat     OverrideOp = "release_seat"
)

// OverrideParams carries the operation-specific arguments; each operation reads only its own
type OverrideParams struct {
	Enabled     *bool                `json:"enabled,omitempty"`
	SeatLimit   *models.SeatLimit    `json:"seat_limit,omitempty"`
	Days        int                  `json:"days,omitempty"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	Status      models.LicenseStatus `json:"status,omitempty"`
	Fingerprint string               `json:"site_fingerprint,omitempty"`
	Note        string               `json:"note,omitempty"`
}

// Actor is the administrator performing an override
type Actor struct {
	Name      string
	IPAddress string
}

// OverrideResult is the license after the override
type OverrideResult struct {
	License       *models.License `json:"license"`
	SeatsReleased int64           `json:"seats_released"`
}

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// AdminOverride applies an administrative override and records it in the audit trail
func (e *Engine) AdminOverride(ctx context.Context, key string, op OverrideOp, p OverrideParams, actor Actor) (*OverrideResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, inputErr(CodeMissingLicenseKey, "license key is required")
	}

	res, err := e.override(ctx, key, op, p)
	if err != nil {
		telemetry.AdminOverridesTotal.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}
	telemetry.AdminOverridesTotal.WithLabelValues(string(op), "ok").Inc()
	slog.Info("admin override applied", "license_key", key, "operation", op, "actor", actor.Name)

	e.audit(ctx, key, op, p, actor, res)
	return res, nil
}

func (e *Engine) override(ctx context.Context, key string, op OverrideOp, p OverrideParams) (*OverrideResult, error) {
	switch op {
	case OpSetKillSwitch, OpSetSeatLimit, OpExtendTrial, OpForceStatus,
		OpConvertLifetime, OpReenable, OpReleaseAllSeats, OpReleaseSeat:
	default:
		return nil, inputErr(CodeUnknownOperation, "unknown override operation %q", op)
	}

	lic, err := withRetry(ctx, e, "get_license", func() (*models.License, error) {
		return e.licenses.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	now := e.now()

	switch op {
	case OpSetKillSwitch:
		if p.Enabled == nil {
			return nil, inputErr(CodeInvalidParams, "enabled is required")
		}
		return e.updateFields(ctx, key, models.LicenseUpdate{KillSwitchEnabled: p.Enabled})

	case OpSetSeatLimit:
		if p.SeatLimit == nil || *p.SeatLimit < models.UnlimitedSeats {
			return nil, inputErr(CodeInvalidParams, "seat_limit must be a non-negative number or \"unlimited\"")
		}
		return e.updateFields(ctx, key, models.LicenseUpdate{SeatLimit: p.SeatLimit})

	case OpExtendTrial:
		if lic.LicenseType != models.LicenseTypeTrial {
			return nil, inputErr(CodeInvalidParams, "license %s is not a trial", key)
		}
		exp, err := extendedExpiry(lic, p, now)
		if err != nil {
			return nil, err
		}
		updated, err := e.transition(ctx, lic, EventTrialExtended, models.LicenseUpdate{ExpiresAt: &exp})
		if errors.Is(err, repositories.ErrOpenTrialExists) {
			return nil, ErrDuplicateTrial
		}
		return licenseResult(updated, err)

	case OpForceStatus:
		if !p.Status.Valid() {
			return nil, inputErr(CodeInvalidParams, "invalid status %q", p.Status)
		}
		if p.Status == models.LicenseStatusTrial && lic.LicenseType != models.LicenseTypeTrial {
			return nil, inputErr(CodeInvalidParams, "only trial licenses can be in trial status")
		}
		var upd models.LicenseUpdate
		switch p.Status {
		case models.LicenseStatusExpired:
			if lic.ExpiresAt == nil || lic.ExpiresAt.After(now) {
				upd.ExpiresAt = &now
			}
		case models.LicenseStatusTrial, models.LicenseStatusActive:
			exp, err := futureExpiry(lic, p, now)
			if err != nil {
				return nil, err
			}
			upd.ExpiresAt = exp
		}
		updated, err := e.writeStatus(ctx, lic, EventStatusForced, p.Status, upd)
		if errors.Is(err, repositories.ErrOpenTrialExists) {
			return nil, ErrDuplicateTrial
		}
		return licenseResult(updated, err)

	case OpConvertLifetime:
		if lic.LicenseType == models.LicenseTypeUnlimitedLifetime {
			return nil, inputErr(CodeInvalidParams, "license %s is already lifetime", key)
		}
		lt := models.LicenseTypeUnlimitedLifetime
		unlimited := models.UnlimitedSeats
		enabled := true
		updated, err := e.transition(ctx, lic, EventConvertLifetime, models.LicenseUpdate{
			LicenseType:       &lt,
			SeatLimit:         &unlimited,
			KillSwitchEnabled: &enabled,
			ClearExpiresAt:    true,
		})
		return licenseResult(updated, err)

	case OpReenable:
		if lic.LicenseType == models.LicenseTypeTrial {
			return nil, inputErr(CodeInvalidParams, "use %s for trial licenses", OpExtendTrial)
		}
		exp, err := futureExpiry(lic, p, now)
		if err != nil {
			return nil, err
		}
		enabled := true
		updated, err := e.transition(ctx, lic, EventReenable, models.LicenseUpdate{
			KillSwitchEnabled: &enabled,
			ExpiresAt:         exp,
		})
		return licenseResult(updated, err)

	case OpReleaseAllSeats:
		n, err := withRetry(ctx, e, "release_all_seats", func() (int64, error) {
			return e.seats.ReleaseAll(ctx, key, models.SeatReleaseAdminAll)
		})
		if err != nil {
			return nil, err
		}
		return &OverrideResult{License: lic, SeatsReleased: n}, nil

	default: // OpReleaseSeat
		fp := strings.ToLower(strings.TrimSpace(p.Fingerprint))
		if !fingerprintPattern.MatchString(fp) {
			return nil, inputErr(CodeInvalidParams, "site_fingerprint must be 32 hex characters")
		}
		released, err := withRetry(ctx, e, "release_seat", func() (bool, error) {
			return e.seats.ReleaseSeat(ctx, key, fp, models.SeatReleaseAdmin)
		})
		if err != nil {
			return nil, err
		}
		res := &OverrideResult{License: lic}
		if released {
			res.SeatsReleased = 1
		}
		return res, nil
	}
}

func (e *Engine) updateFields(ctx context.Context, key string, upd models.LicenseUpdate) (*OverrideResult, error) {
	updated, err := withRetry(ctx, e, "update_license", func() (*models.License, error) {
		return e.licenses.Update(ctx, key, upd)
	})
	return licenseResult(updated, err)
}

func licenseResult(l *models.License, err error) (*OverrideResult, error) {
	if err != nil {
		return nil, err
	}
	return &OverrideResult{License: l}, nil
}

// extendedExpiry returns the new trial end: an explicit expires_at, or days added to the
// later of now and the current expiry
func extendedExpiry(lic *models.License, p OverrideParams, now time.Time) (time.Time, error) {
	if p.ExpiresAt != nil {
		if !p.ExpiresAt.After(now) {
			return time.Time{}, inputErr(CodeInvalidParams, "expires_at must be in the future")
		}
		return p.ExpiresAt.UTC(), nil
	}
	if p.Days <= 0 {
		return time.Time{}, inputErr(CodeInvalidParams, "days or expires_at is required")
	}
	base := now
	if lic.ExpiresAt != nil && lic.ExpiresAt.After(now) {
		base = *lic.ExpiresAt
	}
	return base.AddDate(0, 0, p.Days), nil
}

// futureExpiry validates the expiry a reactivated license will carry. A license whose
// expiry already passed needs a new one, or it would expire again on the next validation.
func futureExpiry(lic *models.License, p OverrideParams, now time.Time) (*time.Time, error) {
	if p.ExpiresAt != nil {
		if !p.ExpiresAt.After(now) {
			return nil, inputErr(CodeInvalidParams, "expires_at must be in the future")
		}
		exp := p.ExpiresAt.UTC()
		return &exp, nil
	}
	if lic.ExpiredAt(now) {
		return nil, inputErr(CodeInvalidParams, "license expired on %s; a future expires_at is required",
			lic.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil, nil
}

func (e *Engine) audit(ctx context.Context, key string, op OverrideOp, p OverrideParams, actor Actor, res *OverrideResult) {
	if e.auditor == nil {
		return
	}
	entry := &models.AuditLog{
		LicenseKey: &key,
		Action:     "override." + string(op),
		Actor:      actor.Name,
		IPAddress:  optional(actor.IPAddress),
		Metadata: map[string]interface{}{
			"params":         p,
			"status":         res.License.Status,
			"seats_released": res.SeatsReleased,
		},
	}
	if err := e.auditor.Record(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "license_key", key, "operation", op, "error", err)
	}
}
