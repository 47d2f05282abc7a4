// Package ingest applies payment-processor lifecycle events to licenses. Each event is
// claimed in the idempotency ledger before the entitlement engine applies it, so processor
// retries and duplicate deliveries change a license at most once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/licensing"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// staleClaimAfter is how long a pending claim blocks redelivery before it is taken over
const staleClaimAfter = 5 * time.Minute

// ErrEventInProgress is returned when the same event is being applied by another request
var ErrEventInProgress = errors.New("lifecycle event is already being applied")

// Outcomes recorded for applied and ignored events
const (
	OutcomeCreated     = "created"
	OutcomeConverted   = "converted"
	OutcomePlanChanged = "plan_changed"
	OutcomeRenewed     = "renewed"
	OutcomeSuspended   = "suspended"
	OutcomeCancelled   = "cancelled"
	OutcomeRefunded    = "refunded"
	OutcomeNoLicense   = "no_license"
	OutcomeUnknownPlan = "unknown_plan"
	OutcomeNotAllowed  = "invalid_transition"
)

// EventLedger is the idempotency record of lifecycle events
type EventLedger interface {
	Claim(ctx context.Context, rec *models.LifecycleEventRecord, staleBefore time.Time) (bool, *models.LifecycleEventRecord, error)
	Complete(ctx context.Context, rec *models.LifecycleEventRecord) error
	Release(ctx context.Context, processor, transactionID string, kind models.LifecycleEventKind) error
}

// LicenseFinder resolves the license an event refers to. It never writes.
type LicenseFinder interface {
	Get(ctx context.Context, key string) (*models.License, error)
	FindBySubscription(ctx context.Context, processor, subscriptionID string) (*models.License, error)
	FindOpenByEmail(ctx context.Context, email string, statuses []models.LicenseStatus) (*models.License, error)
}

// Engine is the part of the entitlement engine the ingestor drives
type Engine interface {
	IssueLicense(ctx context.Context, customer licensing.Customer, terms licensing.Terms) (*models.License, error)
	ApplyTransition(ctx context.Context, key string, ev licensing.Event, terms *licensing.Terms) (*models.License, error)
}

// Result reports what an event did
type Result struct {
	State    models.LifecycleEventState `json:"state"`
	Outcome  string                     `json:"outcome"`
	Replayed bool                       `json:"replayed"`
	License  *models.License            `json:"license,omitempty"`
}

// Ingestor applies lifecycle events through the engine
type Ingestor struct {
	events   EventLedger
	licenses LicenseFinder
	engine   Engine
	plans    *PlanTable
	now      func() time.Time
}

// NewIngestor creates an Ingestor
func NewIngestor(events EventLedger, licenses LicenseFinder, engine Engine, plans *PlanTable) *Ingestor {
	return &Ingestor{
		events:   events,
		licenses: licenses,
		engine:   engine,
		plans:    plans,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Plans returns the plan table in use
func (i *Ingestor) Plans() *PlanTable { return i.plans }

// Apply validates ev and applies it exactly once. A redelivered event returns the stored
// outcome and the license's current state without changing anything.
func (i *Ingestor) Apply(ctx context.Context, ev LifecycleEvent) (*Result, error) {
	if err := ev.Validate(i.plans); err != nil {
		telemetry.LifecycleEventsTotal.WithLabelValues(string(ev.Kind), "invalid").Inc()
		return nil, err
	}
	kind := string(ev.Kind)

	rec := &models.LifecycleEventRecord{
		SourceProcessor:     ev.SourceProcessor,
		SourceTransactionID: ev.SourceTransactionID,
		EventKind:           ev.Kind,
		CustomerEmail:       ev.CustomerEmail,
		AmountCents:         ev.AmountCents,
		Currency:            ev.Currency,
	}
	if ev.PlanID != "" {
		plan := ev.PlanID
		rec.PlanID = &plan
	}

	claimed, existing, err := i.events.Claim(ctx, rec, i.now().Add(-staleClaimAfter))
	if err != nil {
		telemetry.LifecycleEventsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	if !claimed {
		return i.replay(ctx, existing)
	}

	res, err := i.apply(ctx, ev)
	if err != nil {
		telemetry.LifecycleEventsTotal.WithLabelValues(kind, "error").Inc()
		if rerr := i.events.Release(context.WithoutCancel(ctx), rec.SourceProcessor, rec.SourceTransactionID, rec.EventKind); rerr != nil {
			slog.Error("failed to release lifecycle event claim",
				"processor", rec.SourceProcessor, "transaction_id", rec.SourceTransactionID, "error", rerr)
		}
		return nil, err
	}

	rec.State = res.State
	rec.Outcome = res.Outcome
	if res.License != nil {
		key := res.License.LicenseKey
		rec.LicenseKey = &key
	}
	if err := i.complete(ctx, rec); err != nil {
		telemetry.LifecycleEventsTotal.WithLabelValues(kind, "error").Inc()
		slog.Error("lifecycle event applied but not recorded",
			"processor", rec.SourceProcessor, "transaction_id", rec.SourceTransactionID, "error", err)
		return nil, err
	}

	telemetry.LifecycleEventsTotal.WithLabelValues(kind, string(res.State)).Inc()
	slog.Info("lifecycle event processed",
		"kind", kind,
		"processor", rec.SourceProcessor,
		"transaction_id", rec.SourceTransactionID,
		"state", res.State,
		"outcome", res.Outcome,
	)
	return res, nil
}

func (i *Ingestor) replay(ctx context.Context, rec *models.LifecycleEventRecord) (*Result, error) {
	kind := string(rec.EventKind)
	if rec.State == models.EventStatePending {
		telemetry.LifecycleEventsTotal.WithLabelValues(kind, "in_progress").Inc()
		return nil, ErrEventInProgress
	}
	telemetry.LifecycleEventsTotal.WithLabelValues(kind, "replayed").Inc()

	res := &Result{State: rec.State, Outcome: rec.Outcome, Replayed: true}
	if rec.LicenseKey != nil {
		lic, err := i.licenses.Get(ctx, *rec.LicenseKey)
		if err != nil {
			return nil, err
		}
		res.License = lic
	}
	return res, nil
}

// complete marks the claim finished, retrying transient faults
func (i *Ingestor) complete(ctx context.Context, rec *models.LifecycleEventRecord) error {
	ctx = context.WithoutCancel(ctx)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := i.events.Complete(ctx, rec)
		if err != nil && !repositories.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	return err
}

// apply resolves the license and maps the event onto an engine operation
func (i *Ingestor) apply(ctx context.Context, ev LifecycleEvent) (*Result, error) {
	lic, err := i.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	if lic != nil && !hasStatus(lic.Status, resolvableStatuses(ev.Kind)) {
		slog.Warn("lifecycle event does not apply to subscription license",
			"license_key", lic.LicenseKey, "status", lic.Status, "kind", ev.Kind)
		return ignored(lic, OutcomeNotAllowed), nil
	}

	if lic == nil {
		if ev.Kind != models.EventPurchase {
			return ignored(nil, OutcomeNoLicense), nil
		}
		plan, _ := i.plans.Lookup(ev.PlanID)
		created, err := i.engine.IssueLicense(ctx,
			licensing.Customer{Email: ev.CustomerEmail, Name: ev.CustomerName},
			plan.Terms(ev.SourceProcessor, ev.SubscriptionID))
		if err != nil {
			return nil, err
		}
		return applied(created, OutcomeCreated), nil
	}

	var (
		event   licensing.Event
		terms   *licensing.Terms
		outcome string
	)
	switch ev.Kind {
	case models.EventPurchase, models.EventRenewal:
		plan, ok := i.planFor(ev, lic)
		if !ok {
			return ignored(lic, OutcomeUnknownPlan), nil
		}
		t := plan.Terms(ev.SourceProcessor, ev.SubscriptionID)
		terms = &t
		switch {
		case lic.Status == models.LicenseStatusTrial:
			event, outcome = licensing.EventConversion, OutcomeConverted
		case ev.Kind == models.EventRenewal:
			event, outcome = licensing.EventRenewal, OutcomeRenewed
		default:
			event, outcome = licensing.EventPlanChange, OutcomePlanChanged
		}
	case models.EventPaymentFailed:
		event, outcome = licensing.EventPaymentFailed, OutcomeSuspended
	case models.EventCancellation:
		event, outcome = licensing.EventCancellation, OutcomeCancelled
	case models.EventRefund:
		event, outcome = licensing.EventRefund, OutcomeRefunded
	default:
		return nil, fmt.Errorf("unhandled lifecycle event kind %q", ev.Kind)
	}

	updated, err := i.engine.ApplyTransition(ctx, lic.LicenseKey, event, terms)
	if errors.Is(err, licensing.ErrInvalidTransition) {
		slog.Warn("lifecycle event does not apply to license",
			"license_key", lic.LicenseKey, "status", lic.Status, "kind", ev.Kind)
		return ignored(lic, OutcomeNotAllowed), nil
	}
	if err != nil {
		return nil, err
	}
	return applied(updated, outcome), nil
}

// resolve finds the license an event refers to. A license carrying the event's subscription
// is authoritative whatever its status. Otherwise the newest open license for the customer
// is used, unless it is bound to a different subscription. A nil license with a nil error
// means there is none.
func (i *Ingestor) resolve(ctx context.Context, ev LifecycleEvent) (*models.License, error) {
	if ev.SubscriptionID != "" {
		lic, err := i.licenses.FindBySubscription(ctx, ev.SourceProcessor, ev.SubscriptionID)
		if err == nil {
			return lic, nil
		}
		if !errors.Is(err, repositories.ErrLicenseNotFound) {
			return nil, err
		}
	}

	lic, err := i.licenses.FindOpenByEmail(ctx, ev.CustomerEmail, resolvableStatuses(ev.Kind))
	if errors.Is(err, repositories.ErrLicenseNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.SubscriptionID != "" && lic.SourceSubscriptionID != nil {
		slog.Info("open license belongs to another subscription",
			"license_key", lic.LicenseKey, "subscription_id", ev.SubscriptionID)
		return nil, nil
	}
	return lic, nil
}

// planFor picks the event's plan, falling back to the plan the license already carries
func (i *Ingestor) planFor(ev LifecycleEvent, lic *models.License) (Plan, bool) {
	if ev.PlanID != "" {
		return i.plans.Lookup(ev.PlanID)
	}
	if lic.PlanID != nil {
		return i.plans.Lookup(*lic.PlanID)
	}
	return Plan{}, false
}

func resolvableStatuses(kind models.LifecycleEventKind) []models.LicenseStatus {
	switch kind {
	case models.EventPaymentFailed, models.EventCancellation:
		return []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusSuspended}
	case models.EventRefund:
		return []models.LicenseStatus{models.LicenseStatusActive, models.LicenseStatusSuspended, models.LicenseStatusCancelled}
	default:
		return []models.LicenseStatus{models.LicenseStatusTrial, models.LicenseStatusActive, models.LicenseStatusSuspended}
	}
}

func hasStatus(s models.LicenseStatus, in []models.LicenseStatus) bool {
	for _, x := range in {
		if x == s {
			return true
		}
	}
	return false
}

func applied(l *models.License, outcome string) *Result {
	return &Result{State: models.EventStateApplied, Outcome: outcome, License: l}
}

func ignored(l *models.License, outcome string) *Result {
	return &Result{State: models.EventStateIgnored, Outcome: outcome, License: l}
}
