package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/sitelicense/license-server/internal/db/models"
)

var eventCols = []string{
	"source_processor", "source_transaction_id", "event_kind", "license_key", "customer_email",
	"plan_id", "amount_cents", "currency", "state", "outcome", "received_at", "applied_at",
}

func newEventRepo(t *testing.T) (*EventRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func sampleEventRecord() *models.LifecycleEventRecord {
	plan := "lifetime"
	return &models.LifecycleEventRecord{
		SourceProcessor:     "stripe",
		SourceTransactionID: "txn_1",
		EventKind:           models.EventPurchase,
		CustomerEmail:       "alice@example.com",
		PlanID:              &plan,
		AmountCents:         19900,
		Currency:            "USD",
	}
}

// ---------------------------------------------------------------------------
// Claim
// ---------------------------------------------------------------------------

func TestClaim_FirstDelivery(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectQuery("INSERT INTO lifecycle_events .* ON CONFLICT").
		WillReturnRows(sqlmock.NewRows([]string{"received_at"}).AddRow(time.Now()))

	rec := sampleEventRecord()
	claimed, existing, err := repo.Claim(context.Background(), rec, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed || existing != nil {
		t.Errorf("claimed=%v existing=%v, want true/nil", claimed, existing)
	}
	if rec.State != models.EventStatePending {
		t.Errorf("State = %s, want pending", rec.State)
	}
}

func TestClaim_ReplayReturnsStoredRecord(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectQuery("INSERT INTO lifecycle_events").
		WillReturnRows(sqlmock.NewRows([]string{"received_at"}))
	mock.ExpectQuery("SELECT .* FROM lifecycle_events").
		WithArgs("stripe", "txn_1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow("stripe", "txn_1", "purchase", "WPL-1", "alice@example.com",
				"lifetime", int64(19900), "USD", "applied", "created", time.Now(), time.Now()))

	claimed, existing, err := repo.Claim(context.Background(), sampleEventRecord(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("replay must not be claimed")
	}
	if existing == nil || existing.State != models.EventStateApplied || *existing.LicenseKey != "WPL-1" {
		t.Errorf("existing = %+v", existing)
	}
}

func TestClaim_DBError(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectQuery("INSERT INTO lifecycle_events").WillReturnError(errDB)

	if _, _, err := repo.Claim(context.Background(), sampleEventRecord(), time.Now()); !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// Complete / Release
// ---------------------------------------------------------------------------

func TestComplete(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectExec("UPDATE lifecycle_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := sampleEventRecord()
	key := "WPL-1"
	rec.LicenseKey = &key
	rec.State = models.EventStateApplied
	if err := repo.Complete(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.AppliedAt == nil {
		t.Error("AppliedAt should be set")
	}
}

func TestComplete_NotPending(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectExec("UPDATE lifecycle_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := sampleEventRecord()
	rec.State = models.EventStateApplied
	if err := repo.Complete(context.Background(), rec); !errors.Is(err, ErrEventNotClaimed) {
		t.Errorf("err = %v, want ErrEventNotClaimed", err)
	}
}

func TestRelease(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectExec("DELETE FROM lifecycle_events").
		WithArgs("stripe", "txn_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Release(context.Background(), "stripe", "txn_1", models.EventPurchase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNetRevenue(t *testing.T) {
	repo, mock := newEventRepo(t)
	mock.ExpectQuery("SELECT currency").
		WillReturnRows(sqlmock.NewRows([]string{"currency", "amount_cents"}).AddRow("USD", int64(39800)))

	totals, err := repo.NetRevenue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(totals) != 1 || totals[0].AmountCents != 39800 {
		t.Errorf("totals = %+v", totals)
	}
}
