// license_repository.go implements LicenseRepository, the License Record Store: keyed
// lookups, uniqueness-enforced creation and atomic per-row partial updates of licenses.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sitelicense/license-server/internal/db/models"
)

const licenseColumns = `license_key, license_type, status, seat_limit, kill_switch_enabled, expires_at,
	customer_email, customer_name, plan_id, source_processor, source_subscription_id,
	trial_reminder_sent_at, created_at, updated_at`

// LicenseRepository handles license database operations
type LicenseRepository struct {
	db *sqlx.DB
}

// NewLicenseRepository creates a new LicenseRepository
func NewLicenseRepository(db *sqlx.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// Get returns the license for key or ErrLicenseNotFound
func (r *LicenseRepository) Get(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`

	var l models.License
	if err := r.db.GetContext(ctx, &l, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return &l, nil
}

// Create inserts a new license. A primary key collision returns ErrDuplicateKey so the
// caller can regenerate the key.
func (r *LicenseRepository) Create(ctx context.Context, l *models.License) (*models.License, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO licenses (
			license_key, license_type, status, seat_limit, kill_switch_enabled, expires_at,
			customer_email, customer_name, plan_id, source_processor, source_subscription_id,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		RETURNING ` + licenseColumns

	var created models.License
	err := r.db.QueryRowxContext(ctx, query,
		l.LicenseKey,
		l.LicenseType,
		l.Status,
		l.SeatLimit,
		l.KillSwitchEnabled,
		l.ExpiresAt,
		l.CustomerEmail,
		l.CustomerName,
		l.PlanID,
		l.SourceProcessor,
		l.SourceSubscriptionID,
		now,
	).StructScan(&created)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case "licenses_pkey":
				return nil, ErrDuplicateKey
			case openTrialIndex:
				return nil, ErrOpenTrialExists
			}
		}
		return nil, fmt.Errorf("failed to create license: %w", err)
	}
	return &created, nil
}

// Update applies the set fields of upd in a single UPDATE ... RETURNING statement
func (r *LicenseRepository) Update(ctx context.Context, key string, upd models.LicenseUpdate) (*models.License, error) {
	if upd.IsEmpty() {
		return r.Get(ctx, key)
	}
	return r.update(ctx, key, nil, upd)
}

// UpdateFromStatus applies upd only while the license is still in status from. When the
// status moved underneath the caller it returns ErrStatusChanged and nothing is written.
func (r *LicenseRepository) UpdateFromStatus(ctx context.Context, key string, from models.LicenseStatus, upd models.LicenseUpdate) (*models.License, error) {
	l, err := r.update(ctx, key, &from, upd)
	if errors.Is(err, ErrLicenseNotFound) {
		if _, getErr := r.Get(ctx, key); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusChanged
	}
	return l, err
}

func (r *LicenseRepository) update(ctx context.Context, key string, from *models.LicenseStatus, upd models.LicenseUpdate) (*models.License, error) {
	sets := make([]string, 0, 8)
	args := make([]interface{}, 0, 12)
	paramIndex := 1
	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, paramIndex))
		args = append(args, value)
		paramIndex++
	}

	if upd.LicenseType != nil {
		add("license_type", *upd.LicenseType)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.SeatLimit != nil {
		add("seat_limit", *upd.SeatLimit)
	}
	if upd.KillSwitchEnabled != nil {
		add("kill_switch_enabled", *upd.KillSwitchEnabled)
	}
	if upd.ClearExpiresAt {
		sets = append(sets, "expires_at = NULL")
	} else if upd.ExpiresAt != nil {
		add("expires_at", *upd.ExpiresAt)
	}
	if upd.CustomerName != nil {
		add("customer_name", *upd.CustomerName)
	}
	if upd.PlanID != nil {
		add("plan_id", *upd.PlanID)
	}
	if upd.SourceProcessor != nil {
		add("source_processor", *upd.SourceProcessor)
	}
	if upd.SourceSubscriptionID != nil {
		add("source_subscription_id", *upd.SourceSubscriptionID)
	}
	add("updated_at", time.Now().UTC())

	where := fmt.Sprintf("license_key = $%d", paramIndex)
	args = append(args, key)
	paramIndex++
	if from != nil {
		where += fmt.Sprintf(" AND status = $%d", paramIndex)
		args = append(args, *from)
	}

	query := fmt.Sprintf(`UPDATE licenses SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), where, licenseColumns)

	var l models.License
	if err := r.db.QueryRowxContext(ctx, query, args...).StructScan(&l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		if constraint, ok := uniqueViolation(err); ok && constraint == openTrialIndex {
			return nil, ErrOpenTrialExists
		}
		return nil, fmt.Errorf("failed to update license: %w", err)
	}
	return &l, nil
}

// FindOpenByEmail returns the newest license for email whose status is one of statuses
func (r *LicenseRepository) FindOpenByEmail(ctx context.Context, email string, statuses []models.LicenseStatus) (*models.License, error) {
	query := `SELECT ` + licenseColumns + `
		FROM licenses
		WHERE LOWER(customer_email) = LOWER($1) AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`

	var l models.License
	if err := r.db.GetContext(ctx, &l, query, email, pq.Array(statusStrings(statuses))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to find license by email: %w", err)
	}
	return &l, nil
}

// FindBySubscription returns the license linked to a processor subscription
func (r *LicenseRepository) FindBySubscription(ctx context.Context, processor, subscriptionID string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + `
		FROM licenses
		WHERE source_processor = $1 AND source_subscription_id = $2`

	var l models.License
	if err := r.db.GetContext(ctx, &l, query, processor, subscriptionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to find license by subscription: %w", err)
	}
	return &l, nil
}

// ListByEmail returns every license issued to email, newest first
func (r *LicenseRepository) ListByEmail(ctx context.Context, email string) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + `
		FROM licenses
		WHERE LOWER(customer_email) = LOWER($1)
		ORDER BY created_at DESC`

	licenses := make([]*models.License, 0)
	if err := r.db.SelectContext(ctx, &licenses, query, email); err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return licenses, nil
}

// ListTrialsExpiringBefore returns running trials that end before cutoff and have not been reminded yet
func (r *LicenseRepository) ListTrialsExpiringBefore(ctx context.Context, now, cutoff time.Time) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + `
		FROM licenses
		WHERE status = 'trial'
		  AND expires_at > $1
		  AND expires_at <= $2
		  AND trial_reminder_sent_at IS NULL
		ORDER BY expires_at`

	licenses := make([]*models.License, 0)
	if err := r.db.SelectContext(ctx, &licenses, query, now, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list expiring trials: %w", err)
	}
	return licenses, nil
}

// MarkTrialReminderSent records that the expiry reminder went out for key
func (r *LicenseRepository) MarkTrialReminderSent(ctx context.Context, key string, at time.Time) error {
	query := `UPDATE licenses SET trial_reminder_sent_at = $1 WHERE license_key = $2`
	if _, err := r.db.ExecContext(ctx, query, at, key); err != nil {
		return fmt.Errorf("failed to mark trial reminder sent: %w", err)
	}
	return nil
}

// ListExpiredCandidates returns up to limit trial or active licenses whose expiry has passed
func (r *LicenseRepository) ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + `
		FROM licenses
		WHERE status IN ('trial', 'active')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`

	licenses := make([]*models.License, 0)
	if err := r.db.SelectContext(ctx, &licenses, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired licenses: %w", err)
	}
	return licenses, nil
}

// CountByStatus returns the number of licenses per status
func (r *LicenseRepository) CountByStatus(ctx context.Context) ([]models.LicenseStatusCount, error) {
	query := `SELECT status, COUNT(*) AS count FROM licenses GROUP BY status ORDER BY status`

	counts := make([]models.LicenseStatusCount, 0)
	if err := r.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("failed to count licenses: %w", err)
	}
	return counts, nil
}

func statusStrings(statuses []models.LicenseStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
