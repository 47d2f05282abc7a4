package ingest

import (
	"fmt"
	"sort"
	"time"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/licensing"
	"github.com/sitelicense/license-server/pkg/checksum"
)

// Plan is the license terms a purchasable plan grants
type Plan struct {
	ID          string             `json:"plan_id"`
	LicenseType models.LicenseType `json:"license_type"`
	SeatLimit   models.SeatLimit   `json:"seat_limit"`
	Term        time.Duration      `json:"-"`
	TermDays    int                `json:"term_days"`
}

// Terms converts the plan into engine terms linked to a processor subscription
func (p Plan) Terms(processor, subscriptionID string) licensing.Terms {
	return licensing.Terms{
		PlanID:          p.ID,
		LicenseType:     p.LicenseType,
		SeatLimit:       p.SeatLimit,
		Term:            p.Term,
		SourceProcessor: processor,
		SubscriptionID:  subscriptionID,
	}
}

// PlanTable is the immutable, versioned plan catalogue loaded at startup
type PlanTable struct {
	version string
	digest  string
	plans   map[string]Plan
}

// NewPlanTable builds the table from configuration
func NewPlanTable(cfg *config.PlansConfig) (*PlanTable, error) {
	t := &PlanTable{version: cfg.Version, plans: make(map[string]Plan, len(cfg.Entries))}
	for _, e := range cfg.Entries {
		lt := models.LicenseType(e.LicenseType)
		if !lt.Valid() || lt == models.LicenseTypeTrial {
			return nil, fmt.Errorf("plan %q: license type %q cannot be purchased", e.PlanID, e.LicenseType)
		}
		if _, dup := t.plans[e.PlanID]; dup {
			return nil, fmt.Errorf("plan %q is defined twice", e.PlanID)
		}
		if e.SeatLimit < int(models.UnlimitedSeats) || e.SeatLimit == 0 {
			return nil, fmt.Errorf("plan %q: invalid seat limit %d", e.PlanID, e.SeatLimit)
		}
		if e.TermDays < 0 {
			return nil, fmt.Errorf("plan %q: negative term", e.PlanID)
		}

		seats := models.SeatLimit(e.SeatLimit)
		if lt == models.LicenseTypeUnlimitedSubscription || lt == models.LicenseTypeUnlimitedLifetime {
			seats = models.UnlimitedSeats
		}
		term := time.Duration(e.TermDays) * 24 * time.Hour
		if lt == models.LicenseTypeUnlimitedLifetime {
			term = 0
		}
		t.plans[e.PlanID] = Plan{
			ID:          e.PlanID,
			LicenseType: lt,
			SeatLimit:   seats,
			Term:        term,
			TermDays:    int(term / (24 * time.Hour)),
		}
	}

	digest, err := checksum.JSON(t.Plans())
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint plan table: %w", err)
	}
	t.digest = checksum.Short(digest)
	return t, nil
}

// Version identifies the loaded catalogue
func (t *PlanTable) Version() string { return t.version }

// Digest fingerprints the plan contents, so replicas that load the same version label
// with different entries can be told apart
func (t *PlanTable) Digest() string { return t.digest }

// Lookup returns the plan with the given id
func (t *PlanTable) Lookup(id string) (Plan, bool) {
	p, ok := t.plans[id]
	return p, ok
}

// Plans lists every plan ordered by id
func (t *PlanTable) Plans() []Plan {
	out := make([]Plan, 0, len(t.plans))
	for _, p := range t.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
