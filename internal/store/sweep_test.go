package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/seosnap/entitlement-service/internal/domain"
)

func TestExpireSubscriptionAppliesRolloverAtomically(t *testing.T) {
	repo, mock := newMockRepository(t)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	graceCutoff := now.Add(-7 * 24 * time.Hour)
	freePeriodEnd := now.Add(30 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SET status = 'expired'`).
		WithArgs("sub-1", now, graceCutoff).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	// Rollover is the one place consumption resets: usage flag arrives true.
	mock.ExpectExec(`UPDATE users`).
		WithArgs(5, true, "user-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO subscriptions`).
		WithArgs(pgxmock.AnyArg(), "user-1", now, freePeriodEnd).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	applied, err := repo.ExpireSubscription(context.Background(), "sub-1", now, graceCutoff, freePeriodEnd)
	if err != nil {
		t.Fatalf("ExpireSubscription returned error: %v", err)
	}
	if !applied {
		t.Fatalf("expected expiry to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExpireSubscriptionSkipsRowsFixedElsewhere(t *testing.T) {
	// The conditional update re-checks the candidate predicate; a row a racing
	// webhook already fixed matches nothing and nothing else is touched.
	repo, mock := newMockRepository(t)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	graceCutoff := now.Add(-7 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SET status = 'expired'`).
		WithArgs("sub-raced", now, graceCutoff).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	applied, err := repo.ExpireSubscription(context.Background(), "sub-raced", now, graceCutoff, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ExpireSubscription returned error: %v", err)
	}
	if applied {
		t.Fatalf("raced row must report not applied")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStartFreePeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := now.Add(30 * 24 * time.Hour)

	tests := []struct {
		name         string
		rowsAffected int64
		want         bool
	}{
		{name: "mints a free row", rowsAffected: 1, want: true},
		// A racing reconciliation already produced an active row; the partial
		// unique index makes the insert a quiet no-op.
		{name: "loses the race quietly", rowsAffected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)

			mock.ExpectExec(`DO NOTHING`).
				WithArgs(pgxmock.AnyArg(), "user-1", now, periodEnd).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.rowsAffected))

			applied, err := repo.StartFreePeriod(context.Background(), "user-1", now, periodEnd)
			if err != nil {
				t.Fatalf("StartFreePeriod returned error: %v", err)
			}
			if applied != tt.want {
				t.Fatalf("expected applied=%v, got %v", tt.want, applied)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestListSweepCandidatesScansRows(t *testing.T) {
	repo, mock := newMockRepository(t)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	graceCutoff := now.Add(-7 * 24 * time.Hour)

	mock.ExpectQuery(`past_due_since IS NOT NULL AND past_due_since <`).
		WithArgs(now, graceCutoff).
		WillReturnRows(subscriptionRow("sub-1", "user-1", domain.PlanPro, domain.SubscriptionActive, "sub_123"))

	subs, err := repo.ListSweepCandidates(context.Background(), now, graceCutoff)
	if err != nil {
		t.Fatalf("ListSweepCandidates returned error: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub-1" || subs[0].UserID != "user-1" {
		t.Fatalf("unexpected candidates: %+v", subs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRepairInconsistentUserReChecksPredicate(t *testing.T) {
	tests := []struct {
		name         string
		rowsAffected int64
		want         bool
	}{
		{name: "repairs the flag", rowsAffected: 1, want: true},
		{name: "leaves a re-upgraded user alone", rowsAffected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)

			mock.ExpectExec(`is_premium = TRUE`).
				WithArgs(5, "user-1").
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rowsAffected))

			applied, err := repo.RepairInconsistentUser(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("RepairInconsistentUser returned error: %v", err)
			}
			if applied != tt.want {
				t.Fatalf("expected applied=%v, got %v", tt.want, applied)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
