/**
 * @description
 * Read-only health reporter for operators: counts of overdue and
 * inconsistent records (the next sweep's workload), subscriptions expiring
 * soon, and active subscriptions by plan tier. Never mutates anything.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// expiringWindow is the look-ahead for the "expiring soon" count.
const expiringWindow = 7 * 24 * time.Hour

// HealthStore defines the read-only aggregation queries the reporter needs.
type HealthStore interface {
	CountOverdueSubscriptions(ctx context.Context, now, graceCutoff time.Time) (int, error)
	CountInconsistentUsers(ctx context.Context) (int, error)
	CountExpiringWithin(ctx context.Context, now time.Time, window time.Duration) (int, error)
	CountActiveByPlan(ctx context.Context) (map[domain.PlanType]int, error)
}

// HealthReporter aggregates diagnostic counts over the entitlement store.
type HealthReporter struct {
	store              HealthStore
	logger             *slog.Logger
	paymentGracePeriod time.Duration
	now                func() time.Time
}

// NewHealthReporter creates a new health reporter. The grace period must
// match the sweeper's so the overdue count reflects actual Pass A workload.
func NewHealthReporter(store HealthStore, logger *slog.Logger, paymentGracePeriod time.Duration) *HealthReporter {
	if paymentGracePeriod <= 0 {
		paymentGracePeriod = 7 * 24 * time.Hour
	}
	return &HealthReporter{
		store:              store,
		logger:             logger,
		paymentGracePeriod: paymentGracePeriod,
		now:                time.Now,
	}
}

// Report builds one health snapshot.
func (h *HealthReporter) Report(ctx context.Context) (*domain.HealthReport, error) {
	now := h.now()
	graceCutoff := now.Add(-h.paymentGracePeriod)

	overdue, err := h.store.CountOverdueSubscriptions(ctx, now, graceCutoff)
	if err != nil {
		return nil, err
	}
	inconsistent, err := h.store.CountInconsistentUsers(ctx)
	if err != nil {
		return nil, err
	}
	expiring, err := h.store.CountExpiringWithin(ctx, now, expiringWindow)
	if err != nil {
		return nil, err
	}
	byPlan, err := h.store.CountActiveByPlan(ctx)
	if err != nil {
		return nil, err
	}

	return &domain.HealthReport{
		OverdueSubscriptions: overdue,
		InconsistentUsers:    inconsistent,
		ExpiringWithin7Days:  expiring,
		ActiveByPlan:         byPlan,
		GeneratedAt:          now,
	}, nil
}
