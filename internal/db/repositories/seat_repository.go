// seat_repository.go implements SeatRepository, the Site-Seat Ledger. Seat admission runs
// in one transaction holding a row lock on the license so concurrent validations can never
// push the active seat count past the license's limit.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sitelicense/license-server/internal/db/models"
)

const seatColumns = `id, license_key, site_fingerprint, site_domain, site_path, install_root,
	plugin_version, status, registered_at, last_seen_at, deactivated_at, deactivation_reason`

// SeatClaim describes the site asking for a seat
type SeatClaim struct {
	Fingerprint   string
	Domain        string
	Path          string
	InstallRoot   string
	PluginVersion *string
}

// SeatRepository handles site seat database operations
type SeatRepository struct {
	db *sqlx.DB
}

// NewSeatRepository creates a new SeatRepository
func NewSeatRepository(db *sqlx.DB) *SeatRepository {
	return &SeatRepository{db: db}
}

// CountActive returns the number of active seats held on key
func (r *SeatRepository) CountActive(ctx context.Context, key string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM site_seats WHERE license_key = $1 AND status = 'active'`
	if err := r.db.GetContext(ctx, &n, query, key); err != nil {
		return 0, fmt.Errorf("failed to count active seats: %w", err)
	}
	return n, nil
}

// FindSeat returns the seat for (key, fingerprint) in any status, or ErrSeatNotFound
func (r *SeatRepository) FindSeat(ctx context.Context, key, fingerprint string) (*models.SiteSeat, error) {
	query := `SELECT ` + seatColumns + ` FROM site_seats WHERE license_key = $1 AND site_fingerprint = $2`

	var s models.SiteSeat
	if err := r.db.GetContext(ctx, &s, query, key, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSeatNotFound
		}
		return nil, fmt.Errorf("failed to find seat: %w", err)
	}
	return &s, nil
}

// ReserveSeat admits the site onto the license. The license row is locked with
// SELECT ... FOR UPDATE so the count, the limit check and the insert are serialised per
// license. An already active seat for the same fingerprint is returned unchanged; a
// deactivated one is reactivated in place. Returns *SeatLimitError when the license is full.
func (r *SeatRepository) ReserveSeat(ctx context.Context, key string, claim SeatClaim) (*models.SiteSeat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin seat transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	var limit models.SeatLimit
	err = tx.GetContext(ctx, &limit, `SELECT seat_limit FROM licenses WHERE license_key = $1 FOR UPDATE`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to lock license: %w", err)
	}

	now := time.Now().UTC()

	var existing models.SiteSeat
	err = tx.GetContext(ctx, &existing,
		`SELECT `+seatColumns+` FROM site_seats WHERE license_key = $1 AND site_fingerprint = $2`,
		key, claim.Fingerprint)
	switch {
	case err == nil && existing.IsActive():
		// Lost a race with another request from the same site; refresh and keep it.
		if _, err := tx.ExecContext(ctx,
			`UPDATE site_seats SET last_seen_at = $1 WHERE id = $2`, now, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to touch seat: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit seat transaction: %w", err)
		}
		existing.LastSeenAt = now
		return &existing, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to find seat: %w", err)
	}

	var used int
	if err := tx.GetContext(ctx, &used,
		`SELECT COUNT(*) FROM site_seats WHERE license_key = $1 AND status = 'active'`, key); err != nil {
		return nil, fmt.Errorf("failed to count active seats: %w", err)
	}
	if !limit.Admits(used) {
		return nil, &SeatLimitError{Limit: int(limit), Used: used}
	}

	query := `
		INSERT INTO site_seats (
			id, license_key, site_fingerprint, site_domain, site_path, install_root,
			plugin_version, status, registered_at, last_seen_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'active',$8,$8)
		ON CONFLICT (license_key, site_fingerprint) DO UPDATE SET
			status = 'active',
			site_domain = EXCLUDED.site_domain,
			site_path = EXCLUDED.site_path,
			install_root = EXCLUDED.install_root,
			plugin_version = EXCLUDED.plugin_version,
			last_seen_at = EXCLUDED.last_seen_at,
			deactivated_at = NULL,
			deactivation_reason = NULL
		RETURNING ` + seatColumns

	var seat models.SiteSeat
	err = tx.QueryRowxContext(ctx, query,
		uuid.New(),
		key,
		claim.Fingerprint,
		claim.Domain,
		claim.Path,
		claim.InstallRoot,
		claim.PluginVersion,
		now,
	).StructScan(&seat)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve seat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seat transaction: %w", err)
	}
	return &seat, nil
}

// TouchSeat refreshes last_seen_at for an active seat. ErrSeatNotFound means the seat is
// missing or no longer active.
func (r *SeatRepository) TouchSeat(ctx context.Context, key, fingerprint string, pluginVersion *string) error {
	query := `
		UPDATE site_seats
		SET last_seen_at = $1, plugin_version = COALESCE($2, plugin_version)
		WHERE license_key = $3 AND site_fingerprint = $4 AND status = 'active'`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), pluginVersion, key, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to touch seat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch seat: %w", err)
	}
	if n == 0 {
		return ErrSeatNotFound
	}
	return nil
}

// ReleaseSeat deactivates the seat. It is idempotent; released reports whether an active seat was freed.
func (r *SeatRepository) ReleaseSeat(ctx context.Context, key, fingerprint, reason string) (released bool, err error) {
	query := `
		UPDATE site_seats
		SET status = 'deactivated', deactivated_at = $1, deactivation_reason = $2
		WHERE license_key = $3 AND site_fingerprint = $4 AND status = 'active'`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), reason, key, fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to release seat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release seat: %w", err)
	}
	return n > 0, nil
}

// ReleaseAll deactivates every active seat on key and returns how many were freed
func (r *SeatRepository) ReleaseAll(ctx context.Context, key, reason string) (int64, error) {
	query := `
		UPDATE site_seats
		SET status = 'deactivated', deactivated_at = $1, deactivation_reason = $2
		WHERE license_key = $3 AND status = 'active'`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), reason, key)
	if err != nil {
		return 0, fmt.Errorf("failed to release seats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to release seats: %w", err)
	}
	return n, nil
}

// ListSeats returns every seat ever held on key, active first
func (r *SeatRepository) ListSeats(ctx context.Context, key string) ([]*models.SiteSeat, error) {
	query := `SELECT ` + seatColumns + `
		FROM site_seats
		WHERE license_key = $1
		ORDER BY status, last_seen_at DESC`

	seats := make([]*models.SiteSeat, 0)
	if err := r.db.SelectContext(ctx, &seats, query, key); err != nil {
		return nil, fmt.Errorf("failed to list seats: %w", err)
	}
	return seats, nil
}

// CountAllActive returns the number of active seats across every license
func (r *SeatRepository) CountAllActive(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM site_seats WHERE status = 'active'`); err != nil {
		return 0, fmt.Errorf("failed to count active seats: %w", err)
	}
	return n, nil
}
