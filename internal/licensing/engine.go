// Package licensing implements the entitlement engine: it answers "may this site run the
// plugin under this key", issues trials and purchased licenses, and is the only writer of
// license status. Storage is reached through the LicenseStore and SeatLedger interfaces
// (satisfied by the repositories package); customer notifications leave through Notifier.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/fingerprint"
	"github.com/sitelicense/license-server/internal/notify"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// LicenseStore is the license record store
type LicenseStore interface {
	Get(ctx context.Context, key string) (*models.License, error)
	Create(ctx context.Context, l *models.License) (*models.License, error)
	Update(ctx context.Context, key string, upd models.LicenseUpdate) (*models.License, error)
	UpdateFromStatus(ctx context.Context, key string, from models.LicenseStatus, upd models.LicenseUpdate) (*models.License, error)
	FindOpenByEmail(ctx context.Context, email string, statuses []models.LicenseStatus) (*models.License, error)
	ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]*models.License, error)
	MarkTrialReminderSent(ctx context.Context, key string, at time.Time) error
}

// SeatLedger is the per-license record of active sites
type SeatLedger interface {
	CountActive(ctx context.Context, key string) (int, error)
	FindSeat(ctx context.Context, key, fingerprint string) (*models.SiteSeat, error)
	ReserveSeat(ctx context.Context, key string, claim repositories.SeatClaim) (*models.SiteSeat, error)
	TouchSeat(ctx context.Context, key, fingerprint string, pluginVersion *string) error
	ReleaseSeat(ctx context.Context, key, fingerprint, reason string) (bool, error)
	ReleaseAll(ctx context.Context, key, reason string) (int64, error)
}

// Notifier accepts notifications for asynchronous delivery. Notify must not block.
type Notifier interface {
	Notify(n notify.Notification)
}

// Auditor records administrative overrides
type Auditor interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Config holds the entitlement rules
type Config struct {
	KeyPrefix             string
	KeyGenerationAttempts int
	TrialDays             int
	TrialSeatLimit        int
	MinPluginVersion      string
	RetryAttempts         uint
	RetryInitialInterval  time.Duration
}

// ConfigFrom maps the licensing section of the application configuration
func ConfigFrom(c *config.LicensingConfig) Config {
	return Config{
		KeyPrefix:             c.KeyPrefix,
		KeyGenerationAttempts: c.KeyGenerationAttempts,
		TrialDays:             c.TrialDays,
		TrialSeatLimit:        c.TrialSeatLimit,
		MinPluginVersion:      c.MinPluginVersion,
		RetryAttempts:         c.StoreRetryAttempts,
		RetryInitialInterval:  c.StoreRetryInitialInterval,
	}
}

// SiteIdentity is the raw site description sent by the plugin
type SiteIdentity struct {
	Domain      string
	Path        string
	InstallRoot string
}

// ClientMeta carries request details that do not affect the decision itself
type ClientMeta struct {
	PluginVersion string
}

// Customer identifies the buyer of a license
type Customer struct {
	Email string
	Name  string
}

// Decision is the answer to a validation request
type Decision struct {
	Allowed        bool                 `json:"allowed"`
	Reason         Reason               `json:"reason,omitempty"`
	Message        string               `json:"message,omitempty"`
	LicenseType    models.LicenseType   `json:"license_type,omitempty"`
	Status         models.LicenseStatus `json:"status,omitempty"`
	SeatLimit      *models.SeatLimit    `json:"seat_limit,omitempty"`
	SeatsUsed      *int                 `json:"seats_used,omitempty"`
	SeatsRemaining *models.SeatLimit    `json:"seats_remaining,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	Fingerprint    string               `json:"site_fingerprint,omitempty"`
	Token          string               `json:"token,omitempty"`
}

// UnregisterResult reports the outcome of releasing a site
type UnregisterResult struct {
	Released       bool             `json:"released"`
	Fingerprint    string           `json:"site_fingerprint"`
	SeatsUsed      int              `json:"seats_used"`
	SeatsRemaining models.SeatLimit `json:"seats_remaining"`
}

// Terms are the commercial terms a purchase, renewal or plan change puts on a license
type Terms struct {
	PlanID          string
	LicenseType     models.LicenseType
	SeatLimit       models.SeatLimit
	Term            time.Duration // zero means the license never expires
	SourceProcessor string
	SubscriptionID  string
}

// Engine is the entitlement engine
type Engine struct {
	licenses         LicenseStore
	seats            SeatLedger
	notifier         Notifier
	auditor          Auditor
	tokens           *TokenIssuer
	cfg              Config
	minPluginVersion *version.Version

	now    func() time.Time
	newKey func(prefix string) (string, error)
}

// NewEngine creates an engine. notifier, auditor and tokens may be nil.
func NewEngine(cfg Config, licenses LicenseStore, seats SeatLedger, notifier Notifier, auditor Auditor, tokens *TokenIssuer) (*Engine, error) {
	if cfg.KeyGenerationAttempts <= 0 {
		cfg.KeyGenerationAttempts = 5
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = 14
	}
	if cfg.TrialSeatLimit <= 0 {
		cfg.TrialSeatLimit = 5
	}

	e := &Engine{
		licenses: licenses,
		seats:    seats,
		notifier: notifier,
		auditor:  auditor,
		tokens:   tokens,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newKey:   GenerateKey,
	}

	if cfg.MinPluginVersion != "" {
		v, err := version.NewVersion(cfg.MinPluginVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min_plugin_version: %w", err)
		}
		e.minPluginVersion = v
	}
	return e, nil
}

// Validate decides whether the site may run the plugin under key, claiming a seat for a
// new site. Denials are returned as a Decision with Allowed false; the error is reserved for
// bad input (*InputError) and storage faults.
func (e *Engine) Validate(ctx context.Context, key string, site SiteIdentity, meta ClientMeta) (*Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, inputErr(CodeMissingLicenseKey, "license_key is required")
	}
	normalized, fp, err := fingerprint.Fingerprint(site.Domain, site.Path, site.InstallRoot)
	if err != nil {
		return nil, inputErr(CodeInvalidSite, "%v", err)
	}
	if err := e.checkPluginVersion(meta.PluginVersion); err != nil {
		return nil, err
	}

	lic, err := withRetry(ctx, e, "get_license", func() (*models.License, error) {
		return e.licenses.Get(ctx, key)
	})
	if errors.Is(err, repositories.ErrLicenseNotFound) {
		return e.deny(key, nil, fp, ReasonInvalidKey, "license key not recognised"), nil
	}
	if err != nil {
		return nil, err
	}

	if !lic.KillSwitchEnabled {
		return e.deny(key, lic, fp, ReasonDisabled, "license disabled by administrator"), nil
	}

	if lic, err = e.expireIfDue(ctx, lic); err != nil {
		return nil, err
	}
	if reason, denied := deniedBy(lic.Status); denied {
		return e.deny(key, lic, fp, reason, fmt.Sprintf("license is %s", lic.Status)), nil
	}

	claim := repositories.SeatClaim{
		Fingerprint: fp,
		Domain:      normalized.Domain,
		Path:        normalized.Path,
		InstallRoot: normalized.InstallRoot,
	}
	if meta.PluginVersion != "" {
		v := meta.PluginVersion
		claim.PluginVersion = &v
	}

	if err := e.occupySeat(ctx, key, claim); err != nil {
		var limitErr *repositories.SeatLimitError
		switch {
		case errors.As(err, &limitErr):
			d := e.deny(key, lic, fp, ReasonSeatLimitExceeded,
				fmt.Sprintf("Seat limit reached: %d/%d used", limitErr.Used, limitErr.Limit))
			d.withSeats(lic.SeatLimit, limitErr.Used)
			return d, nil
		case errors.Is(err, repositories.ErrLicenseNotFound):
			return e.deny(key, nil, fp, ReasonInvalidKey, "license key not recognised"), nil
		default:
			return nil, err
		}
	}

	used, err := withRetry(ctx, e, "count_seats", func() (int, error) {
		return e.seats.CountActive(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Allowed:     true,
		LicenseType: lic.LicenseType,
		Status:      lic.Status,
		ExpiresAt:   lic.ExpiresAt,
		Fingerprint: fp,
	}
	d.withSeats(lic.SeatLimit, used)
	if e.tokens != nil {
		token, err := e.tokens.Issue(lic, fp, e.now())
		if err != nil {
			slog.Error("failed to issue decision token", "license_key", key, "error", err)
		} else {
			d.Token = token
		}
	}

	telemetry.ValidationDecisionsTotal.WithLabelValues("allowed").Inc()
	slog.Debug("validation allowed", "license_key", key, "site_domain", normalized.Domain, "seats_used", used)
	return d, nil
}

// occupySeat refreshes an active seat or reserves a new one under the license lock
func (e *Engine) occupySeat(ctx context.Context, key string, claim repositories.SeatClaim) error {
	seat, err := withRetry(ctx, e, "find_seat", func() (*models.SiteSeat, error) {
		return e.seats.FindSeat(ctx, key, claim.Fingerprint)
	})
	if err != nil && !errors.Is(err, repositories.ErrSeatNotFound) {
		return err
	}

	if err == nil && seat.IsActive() {
		_, err = withRetry(ctx, e, "touch_seat", func() (struct{}, error) {
			return struct{}{}, e.seats.TouchSeat(ctx, key, claim.Fingerprint, claim.PluginVersion)
		})
		if err == nil {
			telemetry.SeatOperationsTotal.WithLabelValues("touch", "ok").Inc()
			return nil
		}
		if !errors.Is(err, repositories.ErrSeatNotFound) {
			telemetry.SeatOperationsTotal.WithLabelValues("touch", "error").Inc()
			return err
		}
		// released between the read and the touch
	}

	_, err = withRetry(ctx, e, "reserve_seat", func() (*models.SiteSeat, error) {
		return e.seats.ReserveSeat(ctx, key, claim)
	})
	var limitErr *repositories.SeatLimitError
	switch {
	case err == nil:
		telemetry.SeatOperationsTotal.WithLabelValues("reserve", "ok").Inc()
	case errors.As(err, &limitErr):
		telemetry.SeatOperationsTotal.WithLabelValues("reserve", "rejected").Inc()
	default:
		telemetry.SeatOperationsTotal.WithLabelValues("reserve", "error").Inc()
	}
	return err
}

// expireIfDue moves a trial or active license past its expiry to expired. A failure to
// persist the change is logged and the license is still treated as expired.
func (e *Engine) expireIfDue(ctx context.Context, lic *models.License) (*models.License, error) {
	now := e.now()
	for attempt := 0; attempt < 3; attempt++ {
		if (lic.Status != models.LicenseStatusTrial && lic.Status != models.LicenseStatusActive) || !lic.ExpiredAt(now) {
			return lic, nil
		}

		updated, err := e.transition(ctx, lic, EventExpire, models.LicenseUpdate{})
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, repositories.ErrStatusChanged):
			lic, err = withRetry(ctx, e, "get_license", func() (*models.License, error) {
				return e.licenses.Get(ctx, lic.LicenseKey)
			})
			if err != nil {
				return nil, err
			}
		default:
			slog.Error("failed to persist lazy expiry", "license_key", lic.LicenseKey, "error", err)
			expired := *lic
			expired.Status = models.LicenseStatusExpired
			return &expired, nil
		}
	}
	return lic, nil
}

// Unregister releases the site's seat. Releasing a seat that is not held is a no-op.
func (e *Engine) Unregister(ctx context.Context, key string, site SiteIdentity) (*UnregisterResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, inputErr(CodeMissingLicenseKey, "license_key is required")
	}
	_, fp, err := fingerprint.Fingerprint(site.Domain, site.Path, site.InstallRoot)
	if err != nil {
		return nil, inputErr(CodeInvalidSite, "%v", err)
	}

	lic, err := withRetry(ctx, e, "get_license", func() (*models.License, error) {
		return e.licenses.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	released, err := withRetry(ctx, e, "release_seat", func() (bool, error) {
		return e.seats.ReleaseSeat(ctx, key, fp, models.SeatReleaseUnregistered)
	})
	if err != nil {
		telemetry.SeatOperationsTotal.WithLabelValues("release", "error").Inc()
		return nil, err
	}
	telemetry.SeatOperationsTotal.WithLabelValues("release", "ok").Inc()

	used, err := withRetry(ctx, e, "count_seats", func() (int, error) {
		return e.seats.CountActive(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("site unregistered", "license_key", key, "released", released, "seats_used", used)
	return &UnregisterResult{
		Released:       released,
		Fingerprint:    fp,
		SeatsUsed:      used,
		SeatsRemaining: lic.SeatLimit.Remaining(used),
	}, nil
}

// RegisterTrial issues a trial license to a customer with no running trial or active license
func (e *Engine) RegisterTrial(ctx context.Context, customer Customer, site SiteIdentity) (*models.License, error) {
	email, err := normalizeEmail(customer.Email)
	if err != nil {
		return nil, err
	}
	normalized, err := fingerprint.Normalize(site.Domain, site.Path, site.InstallRoot)
	if err != nil {
		return nil, inputErr(CodeInvalidSite, "%v", err)
	}

	_, err = withRetry(ctx, e, "find_open_license", func() (*models.License, error) {
		return e.licenses.FindOpenByEmail(ctx, email,
			[]models.LicenseStatus{models.LicenseStatusTrial, models.LicenseStatusActive})
	})
	switch {
	case err == nil:
		return nil, ErrDuplicateTrial
	case !errors.Is(err, repositories.ErrLicenseNotFound):
		return nil, err
	}

	expires := e.now().AddDate(0, 0, e.cfg.TrialDays)
	lic, err := e.create(ctx, &models.License{
		LicenseType:       models.LicenseTypeTrial,
		Status:            models.LicenseStatusTrial,
		SeatLimit:         models.SeatLimit(e.cfg.TrialSeatLimit),
		KillSwitchEnabled: true,
		ExpiresAt:         &expires,
		CustomerEmail:     email,
		CustomerName:      strings.TrimSpace(customer.Name),
	})
	if errors.Is(err, repositories.ErrOpenTrialExists) {
		return nil, ErrDuplicateTrial
	}
	if err != nil {
		return nil, err
	}

	slog.Info("trial registered", "license_key", lic.LicenseKey, "expires_at", expires)
	slog.Debug("trial site", "license_key", lic.LicenseKey, "site_domain", normalized.Domain)
	e.emit(ctx, notify.KindTrialCreated, lic)
	return lic, nil
}

// IssueLicense creates an active license for a purchase that has no license to attach to
func (e *Engine) IssueLicense(ctx context.Context, customer Customer, terms Terms) (*models.License, error) {
	email, err := normalizeEmail(customer.Email)
	if err != nil {
		return nil, err
	}
	if !terms.LicenseType.Valid() || terms.LicenseType == models.LicenseTypeTrial {
		return nil, inputErr(CodeInvalidParams, "license type %q cannot be purchased", terms.LicenseType)
	}

	l := &models.License{
		LicenseType:          terms.LicenseType,
		Status:               models.LicenseStatusActive,
		SeatLimit:            terms.SeatLimit,
		KillSwitchEnabled:    true,
		CustomerEmail:        email,
		CustomerName:         strings.TrimSpace(customer.Name),
		PlanID:               optional(terms.PlanID),
		SourceProcessor:      optional(terms.SourceProcessor),
		SourceSubscriptionID: optional(terms.SubscriptionID),
	}
	if terms.Term > 0 {
		exp := e.now().Add(terms.Term)
		l.ExpiresAt = &exp
	}

	lic, err := e.create(ctx, l)
	if err != nil {
		return nil, err
	}
	slog.Info("license issued", "license_key", lic.LicenseKey, "license_type", lic.LicenseType, "plan_id", terms.PlanID)
	e.emit(ctx, notify.KindLicenseCreated, lic)
	return lic, nil
}

// ApplyTransition moves the license through ev, applying terms when given. It returns a
// *TransitionError when ev is not legal from the current status.
func (e *Engine) ApplyTransition(ctx context.Context, key string, ev Event, terms *Terms) (*models.License, error) {
	for attempt := 0; ; attempt++ {
		lic, err := withRetry(ctx, e, "get_license", func() (*models.License, error) {
			return e.licenses.Get(ctx, key)
		})
		if err != nil {
			return nil, err
		}

		var upd models.LicenseUpdate
		if terms != nil {
			upd = e.termsUpdate(lic, ev, *terms)
		}
		updated, err := e.transition(ctx, lic, ev, upd)
		if errors.Is(err, repositories.ErrStatusChanged) && attempt < 2 {
			continue
		}
		return updated, err
	}
}

// ExpireDue transitions up to limit licenses whose expiry passed before now
func (e *Engine) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	candidates, err := withRetry(ctx, e, "list_expired", func() ([]*models.License, error) {
		return e.licenses.ListExpiredCandidates(ctx, now, limit)
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lic := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := e.transition(ctx, lic, EventExpire, models.LicenseUpdate{}); err != nil {
			if !errors.Is(err, repositories.ErrStatusChanged) {
				slog.Error("failed to expire license", "license_key", lic.LicenseKey, "error", err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

// MarkTrialReminded records that the expiry reminder for the trial key went out at
func (e *Engine) MarkTrialReminded(ctx context.Context, key string, at time.Time) error {
	_, err := withRetry(ctx, e, "mark_trial_reminder", func() (struct{}, error) {
		return struct{}{}, e.licenses.MarkTrialReminderSent(ctx, key, at)
	})
	return err
}

// transition applies ev to lic as a conditional write on lic's current status
func (e *Engine) transition(ctx context.Context, lic *models.License, ev Event, upd models.LicenseUpdate) (*models.License, error) {
	to, err := nextStatus(lic.Status, ev)
	if err != nil {
		return nil, err
	}
	return e.writeStatus(ctx, lic, ev, to, upd)
}

// writeStatus persists a status change plus upd and emits the matching notification
func (e *Engine) writeStatus(ctx context.Context, lic *models.License, ev Event, to models.LicenseStatus, upd models.LicenseUpdate) (*models.License, error) {
	upd.Status = &to
	updated, err := withRetry(ctx, e, "update_license", func() (*models.License, error) {
		return e.licenses.UpdateFromStatus(ctx, lic.LicenseKey, lic.Status, upd)
	})
	if err != nil {
		return nil, err
	}

	telemetry.StateTransitionsTotal.WithLabelValues(string(lic.Status), string(to), string(ev)).Inc()
	slog.Info("license transitioned", "license_key", lic.LicenseKey, "from", lic.Status, "to", to, "event", ev)
	e.emit(ctx, string(ev), updated)
	return updated, nil
}

// termsUpdate computes the fields a purchase, plan change or renewal writes
func (e *Engine) termsUpdate(lic *models.License, ev Event, t Terms) models.LicenseUpdate {
	var upd models.LicenseUpdate
	now := e.now()

	if t.LicenseType != "" {
		lt := t.LicenseType
		upd.LicenseType = &lt
		sl := t.SeatLimit
		upd.SeatLimit = &sl
	}
	if t.PlanID != "" {
		upd.PlanID = optional(t.PlanID)
	}
	if t.SourceProcessor != "" {
		upd.SourceProcessor = optional(t.SourceProcessor)
	}
	if t.SubscriptionID != "" {
		upd.SourceSubscriptionID = optional(t.SubscriptionID)
	}

	switch {
	case t.Term == 0 && t.LicenseType != "":
		upd.ClearExpiresAt = true
	case t.Term > 0 && ev == EventRenewal:
		base := now
		if lic.ExpiresAt != nil && lic.ExpiresAt.After(now) {
			base = *lic.ExpiresAt
		}
		exp := base.Add(t.Term)
		upd.ExpiresAt = &exp
	case t.Term > 0:
		exp := now.Add(t.Term)
		upd.ExpiresAt = &exp
	}
	return upd
}

// create inserts l under a freshly generated key, regenerating on collision
func (e *Engine) create(ctx context.Context, l *models.License) (*models.License, error) {
	for attempt := 1; attempt <= e.cfg.KeyGenerationAttempts; attempt++ {
		key, err := e.newKey(e.cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		l.LicenseKey = key

		created, err := withRetry(ctx, e, "create_license", func() (*models.License, error) {
			return e.licenses.Create(ctx, l)
		})
		if errors.Is(err, repositories.ErrDuplicateKey) {
			slog.Warn("license key collision, regenerating", "attempt", attempt)
			continue
		}
		return created, err
	}
	return nil, ErrKeyGenerationExhausted
}

// emit queues a notification for lic. Seat usage is best effort.
func (e *Engine) emit(ctx context.Context, kind string, lic *models.License) {
	if e.notifier == nil {
		return
	}
	used, err := e.seats.CountActive(ctx, lic.LicenseKey)
	if err != nil {
		slog.Warn("notification without seat count", "license_key", lic.LicenseKey, "error", err)
		used = 0
	}
	e.notifier.Notify(notify.FromLicense(kind, lic, used, e.now()))
}

func (e *Engine) deny(key string, lic *models.License, fp string, reason Reason, msg string) *Decision {
	d := &Decision{Allowed: false, Reason: reason, Message: msg, Fingerprint: fp}
	if lic != nil {
		d.LicenseType = lic.LicenseType
		d.Status = lic.Status
		d.ExpiresAt = lic.ExpiresAt
	}
	telemetry.ValidationDecisionsTotal.WithLabelValues(string(reason)).Inc()
	slog.Info("validation denied", "license_key", key, "reason", reason)
	return d
}

func (d *Decision) withSeats(limit models.SeatLimit, used int) {
	remaining := limit.Remaining(used)
	d.SeatLimit = &limit
	d.SeatsUsed = &used
	d.SeatsRemaining = &remaining
}

func (e *Engine) checkPluginVersion(raw string) error {
	if e.minPluginVersion == nil || raw == "" {
		return nil
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return inputErr(CodeInvalidPluginVersion, "invalid plugin_version %q", raw)
	}
	if v.LessThan(e.minPluginVersion) {
		return inputErr(CodeUnsupportedPluginVersion, "plugin version %s is older than the minimum supported %s",
			v.Original(), e.minPluginVersion.Original())
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Address == "" {
		return "", inputErr(CodeInvalidEmail, "invalid customer email %q", raw)
	}
	return strings.ToLower(addr.Address), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
