package licensing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/notify"
)

// ---------------------------------------------------------------------------
// In-memory store and ledger with the same semantics as the repositories
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	licenses map[string]*models.License
	seats    map[string]map[string]*models.SiteSeat // key -> fingerprint -> seat

	calls int
	// failNext is returned (once per entry) by the next store or ledger calls
	failNext []error
}

func newMemStore() *memStore {
	return &memStore{
		licenses: make(map[string]*models.License),
		seats:    make(map[string]map[string]*models.SiteSeat),
	}
}

func (m *memStore) fault() error {
	m.calls++
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

func (m *memStore) put(l *models.License) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.licenses[l.LicenseKey] = &c
}

func (m *memStore) license(key string) *models.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[key]
	if !ok {
		return nil
	}
	c := *l
	return &c
}

func (m *memStore) Get(_ context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	l, ok := m.licenses[key]
	if !ok {
		return nil, repositories.ErrLicenseNotFound
	}
	c := *l
	return &c, nil
}

func (m *memStore) Create(_ context.Context, l *models.License) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	if _, ok := m.licenses[l.LicenseKey]; ok {
		return nil, repositories.ErrDuplicateKey
	}
	if l.Status == models.LicenseStatusTrial {
		for _, other := range m.licenses {
			if other.Status == models.LicenseStatusTrial && strings.EqualFold(other.CustomerEmail, l.CustomerEmail) {
				return nil, repositories.ErrOpenTrialExists
			}
		}
	}
	c := *l
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.licenses[l.LicenseKey] = &c
	out := c
	return &out, nil
}

func (m *memStore) Update(_ context.Context, key string, upd models.LicenseUpdate) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	l, ok := m.licenses[key]
	if !ok {
		return nil, repositories.ErrLicenseNotFound
	}
	upd.ApplyTo(l)
	c := *l
	return &c, nil
}

func (m *memStore) UpdateFromStatus(_ context.Context, key string, from models.LicenseStatus, upd models.LicenseUpdate) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	l, ok := m.licenses[key]
	if !ok {
		return nil, repositories.ErrLicenseNotFound
	}
	if l.Status != from {
		return nil, repositories.ErrStatusChanged
	}
	upd.ApplyTo(l)
	c := *l
	return &c, nil
}

func (m *memStore) FindOpenByEmail(_ context.Context, email string, statuses []models.LicenseStatus) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	for _, l := range m.licenses {
		if !strings.EqualFold(l.CustomerEmail, email) {
			continue
		}
		for _, s := range statuses {
			if l.Status == s {
				c := *l
				return &c, nil
			}
		}
	}
	return nil, repositories.ErrLicenseNotFound
}

func (m *memStore) ListExpiredCandidates(_ context.Context, now time.Time, limit int) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	out := make([]*models.License, 0)
	for _, l := range m.licenses {
		if (l.Status == models.LicenseStatusTrial || l.Status == models.LicenseStatusActive) && l.ExpiredAt(now) {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseKey < out[j].LicenseKey })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkTrialReminderSent(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return err
	}
	if l, ok := m.licenses[key]; ok {
		l.TrialReminderSentAt = &at
	}
	return nil
}

// seatRows returns a copy of every ledger row held for key, active or not
func (m *memStore) seatRows(key string) []models.SiteSeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SiteSeat, 0, len(m.seats[key]))
	for _, s := range m.seats[key] {
		out = append(out, *s)
	}
	return out
}

func (m *memStore) countActive(key string) int {
	n := 0
	for _, s := range m.seats[key] {
		if s.IsActive() {
			n++
		}
	}
	return n
}

func (m *memStore) CountActive(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return 0, err
	}
	return m.countActive(key), nil
}

func (m *memStore) FindSeat(_ context.Context, key, fp string) (*models.SiteSeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	s, ok := m.seats[key][fp]
	if !ok {
		return nil, repositories.ErrSeatNotFound
	}
	c := *s
	return &c, nil
}

func (m *memStore) ReserveSeat(_ context.Context, key string, claim repositories.SeatClaim) (*models.SiteSeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	l, ok := m.licenses[key]
	if !ok {
		return nil, repositories.ErrLicenseNotFound
	}
	if s, ok := m.seats[key][claim.Fingerprint]; ok && s.IsActive() {
		s.LastSeenAt = time.Now()
		c := *s
		return &c, nil
	}
	used := m.countActive(key)
	if !l.SeatLimit.Admits(used) {
		return nil, &repositories.SeatLimitError{Limit: int(l.SeatLimit), Used: used}
	}
	if m.seats[key] == nil {
		m.seats[key] = make(map[string]*models.SiteSeat)
	}
	now := time.Now()
	if s, ok := m.seats[key][claim.Fingerprint]; ok {
		// same row comes back, as with ON CONFLICT (license_key, site_fingerprint)
		s.Status = models.SeatStatusActive
		s.PluginVersion = claim.PluginVersion
		s.LastSeenAt = now
		s.DeactivatedAt = nil
		s.DeactivationReason = nil
		c := *s
		return &c, nil
	}
	s := &models.SiteSeat{
		ID:            uuid.New(),
		LicenseKey:    key,
		Fingerprint:   claim.Fingerprint,
		SiteDomain:    claim.Domain,
		SitePath:      claim.Path,
		InstallRoot:   claim.InstallRoot,
		PluginVersion: claim.PluginVersion,
		Status:        models.SeatStatusActive,
		RegisteredAt:  now,
		LastSeenAt:    now,
	}
	m.seats[key][claim.Fingerprint] = s
	c := *s
	return &c, nil
}

func (m *memStore) TouchSeat(_ context.Context, key, fp string, pluginVersion *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return err
	}
	s, ok := m.seats[key][fp]
	if !ok || !s.IsActive() {
		return repositories.ErrSeatNotFound
	}
	s.LastSeenAt = time.Now()
	if pluginVersion != nil {
		s.PluginVersion = pluginVersion
	}
	return nil
}

func (m *memStore) ReleaseSeat(_ context.Context, key, fp, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return false, err
	}
	s, ok := m.seats[key][fp]
	if !ok || !s.IsActive() {
		return false, nil
	}
	now := time.Now()
	s.Status = models.SeatStatusDeactivated
	s.DeactivatedAt = &now
	s.DeactivationReason = &reason
	return true, nil
}

func (m *memStore) ReleaseAll(_ context.Context, key, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return 0, err
	}
	var n int64
	for _, s := range m.seats[key] {
		if s.IsActive() {
			s.Status = models.SeatStatusDeactivated
			s.DeactivationReason = &reason
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Notifier and auditor
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, n := range r.got {
		out[i] = n.EventKind
	}
	return out
}

type recordingAuditor struct {
	entries []*models.AuditLog
}

func (r *recordingAuditor) Record(_ context.Context, entry *models.AuditLog) error {
	r.entries = append(r.entries, entry)
	return nil
}

// ---------------------------------------------------------------------------
// Engine fixture
// ---------------------------------------------------------------------------

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	store    *memStore
	notifier *recordingNotifier
	auditor  *recordingAuditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	n := &recordingNotifier{}
	a := &recordingAuditor{}
	e, err := NewEngine(Config{
		KeyPrefix:            "WPL",
		TrialDays:            14,
		TrialSeatLimit:       2,
		RetryAttempts:        3,
		RetryInitialInterval: time.Millisecond,
	}, store, store, n, a, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.now = func() time.Time { return testNow }
	return &fixture{engine: e, store: store, notifier: n, auditor: a}
}

func (f *fixture) addLicense(key string, typ models.LicenseType, status models.LicenseStatus, limit models.SeatLimit, expires *time.Time) {
	f.store.put(&models.License{
		LicenseKey:        key,
		LicenseType:       typ,
		Status:            status,
		SeatLimit:         limit,
		KillSwitchEnabled: true,
		ExpiresAt:         expires,
		CustomerEmail:     "alice@example.com",
		CustomerName:      "Alice",
	})
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func site(domain string) SiteIdentity {
	return SiteIdentity{Domain: domain, Path: "/", InstallRoot: "/var/www/html"}
}
