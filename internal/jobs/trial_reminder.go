package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/notify"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// TrialLister finds trials nearing expiry that have not been reminded
type TrialLister interface {
	ListTrialsExpiringBefore(ctx context.Context, now, cutoff time.Time) ([]*models.License, error)
}

// ReminderRecorder records that a trial's reminder went out. The entitlement engine
// implements it, as the single writer of license rows.
type ReminderRecorder interface {
	MarkTrialReminded(ctx context.Context, key string, at time.Time) error
}

// SeatCounter counts a license's active seats
type SeatCounter interface {
	CountActive(ctx context.Context, key string) (int, error)
}

// Notifier accepts notifications for asynchronous delivery
type Notifier interface {
	Notify(n notify.Notification)
}

// TrialReminder emits a trial_expiring notification once per trial when its expiry falls
// inside the reminder window. The sent marker lives in the licenses table, so restarts do
// not repeat reminders.
type TrialReminder struct {
	trials   TrialLister
	reminded ReminderRecorder
	seats    SeatCounter
	notifier Notifier
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTrialReminder creates the reminder job. Defaults: a 3 day window checked every 6 hours.
func NewTrialReminder(trials TrialLister, reminded ReminderRecorder, seats SeatCounter, notifier Notifier, cfg *config.NotificationsConfig) *TrialReminder {
	days := cfg.TrialReminderDays
	if days <= 0 {
		days = 3
	}
	hours := cfg.TrialReminderCheckIntervalHours
	if hours <= 0 {
		hours = 6
	}
	return &TrialReminder{
		trials:   trials,
		reminded: reminded,
		seats:    seats,
		notifier: notifier,
		window:   time.Duration(days) * 24 * time.Hour,
		interval: time.Duration(hours) * time.Hour,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// Start runs the reminder loop and blocks until Stop is called or ctx is cancelled
func (r *TrialReminder) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("trial reminder started", "interval", r.interval, "window", r.window)

	r.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			r.runCheck(ctx)
		case <-r.stopChan:
			slog.Info("trial reminder stopped")
			return
		case <-ctx.Done():
			slog.Info("trial reminder context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (r *TrialReminder) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// runCheck notifies every trial expiring inside the window and marks it reminded
func (r *TrialReminder) runCheck(ctx context.Context) int {
	now := r.now()
	trials, err := r.trials.ListTrialsExpiringBefore(ctx, now, now.Add(r.window))
	if err != nil {
		slog.Error("trial reminder: failed to list expiring trials", "error", err)
		return 0
	}

	sent := 0
	for _, lic := range trials {
		used, err := r.seats.CountActive(ctx, lic.LicenseKey)
		if err != nil {
			slog.Warn("trial reminder: failed to count seats", "license_key", lic.LicenseKey, "error", err)
			continue
		}

		// Mark first: a missed reminder is better than a repeated one.
		if err := r.reminded.MarkTrialReminded(ctx, lic.LicenseKey, now); err != nil {
			slog.Error("trial reminder: failed to mark reminder sent", "license_key", lic.LicenseKey, "error", err)
			continue
		}
		r.notifier.Notify(notify.FromLicense(notify.KindTrialExpiring, lic, used, now))
		telemetry.TrialRemindersSentTotal.Inc()
		sent++
	}

	if sent > 0 {
		slog.Info("trial reminders sent", "count", sent)
	}
	return sent
}
