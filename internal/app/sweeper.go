/**
 * @description
 * The periodic expiry sweeper. Pass A expires active subscriptions whose
 * period elapsed (or whose payment has been past due beyond the grace
 * period) and rolls the owning users back to a fresh free tier. Pass B
 * repairs users whose premium flag disagrees with their subscription state.
 * Pass C mints a free period for users holding no active row at all, so
 * every user stays on the rollover cycle that resets usage.
 * The passes collect per-row failures and continue; one bad row never
 * blocks the rest of the sweep. Row updates are conditional in the store,
 * so overlapping runs and racing webhooks skip rows instead of
 * double-applying them.
 */
package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// SweepStore defines the database operations the sweeper needs.
type SweepStore interface {
	ListSweepCandidates(ctx context.Context, now, graceCutoff time.Time) ([]domain.Subscription, error)
	ExpireSubscription(ctx context.Context, subID string, now, graceCutoff, freePeriodEnd time.Time) (bool, error)
	ListInconsistentPremiumUsers(ctx context.Context) ([]string, error)
	RepairInconsistentUser(ctx context.Context, userID string) (bool, error)
	ListUsersWithoutActiveSubscription(ctx context.Context) ([]string, error)
	StartFreePeriod(ctx context.Context, userID string, now, periodEnd time.Time) (bool, error)
}

// SweeperConfig carries the tunables for a sweep run.
type SweeperConfig struct {
	// PaymentGracePeriod is how long a past-due subscription keeps its
	// access before Pass A revokes it.
	PaymentGracePeriod time.Duration
	// FreePeriod is the length of the replacement free-tier period created
	// when a subscription rolls over.
	FreePeriod time.Duration
	// Parallelism bounds how many candidate rows are processed at once.
	Parallelism int
}

// Sweeper runs the repair passes over the entitlement store.
type Sweeper struct {
	store  SweepStore
	logger *slog.Logger
	config SweeperConfig
	mu     sync.Mutex

	now func() time.Time
}

// NewSweeper creates a new sweeper.
func NewSweeper(store SweepStore, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.FreePeriod <= 0 {
		cfg.FreePeriod = 30 * 24 * time.Hour
	}
	if cfg.PaymentGracePeriod <= 0 {
		cfg.PaymentGracePeriod = 7 * 24 * time.Hour
	}
	return &Sweeper{store: store, logger: logger, config: cfg, now: time.Now}
}

// Run executes one sweep. Only one run is active at a time per process;
// overlapping scheduler ticks are reported as skipped (the conditional row
// predicates also make concurrent runs across processes safe).
func (s *Sweeper) Run(ctx context.Context) (domain.SweepReport, error) {
	if !s.mu.TryLock() {
		s.logger.Info("sweep already running, skipping tick")
		return domain.SweepReport{Skipped: true, StartedAt: s.now()}, nil
	}
	defer s.mu.Unlock()

	report := domain.SweepReport{StartedAt: s.now()}
	s.logger.Info("starting entitlement sweep")

	s.runExpiryPass(ctx, &report)
	s.runRepairPass(ctx, &report)
	s.runCoveragePass(ctx, &report)

	report.FinishedAt = s.now()
	s.logger.Info("entitlement sweep finished",
		"expired_processed", report.ExpiredProcessed,
		"expired_errored", report.ExpiredErrored,
		"repaired_users", report.RepairedUsers,
		"repair_errored", report.RepairErrored,
		"covered_users", report.CoveredUsers,
		"coverage_errored", report.CoverageErrored,
	)
	return report, nil
}

// runExpiryPass is Pass A: elapsed or grace-exceeded subscriptions.
func (s *Sweeper) runExpiryPass(ctx context.Context, report *domain.SweepReport) {
	now := s.now()
	graceCutoff := now.Add(-s.config.PaymentGracePeriod)

	candidates, err := s.store.ListSweepCandidates(ctx, now, graceCutoff)
	if err != nil {
		s.logger.Error("failed to list expiry candidates", "error", err)
		report.ExpiredErrored++
		return
	}
	if len(candidates) == 0 {
		s.logger.Info("no elapsed subscriptions to expire")
		return
	}
	s.logger.Info("found elapsed subscriptions", "count", len(candidates))

	var processed, errored atomic.Int64
	freePeriodEnd := now.Add(s.config.FreePeriod)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)
	for _, sub := range candidates {
		sub := sub
		g.Go(func() error {
			applied, err := s.store.ExpireSubscription(gctx, sub.ID, now, graceCutoff, freePeriodEnd)
			if err != nil {
				errored.Add(1)
				s.logger.Error("failed to expire subscription",
					"subscription_id", sub.ID, "user_id", sub.UserID, "error", err)
				return nil
			}
			if !applied {
				// Fixed by a concurrent run or an incoming webhook.
				s.logger.Info("expiry candidate already handled", "subscription_id", sub.ID)
				return nil
			}
			processed.Add(1)
			s.logger.Info("expired subscription and reset user",
				"subscription_id", sub.ID, "user_id", sub.UserID, "plan", sub.PlanType)
			return nil
		})
	}
	_ = g.Wait()

	report.ExpiredProcessed += int(processed.Load())
	report.ExpiredErrored += int(errored.Load())
}

// runRepairPass is Pass B: premium flags without a paid active subscription.
func (s *Sweeper) runRepairPass(ctx context.Context, report *domain.SweepReport) {
	users, err := s.store.ListInconsistentPremiumUsers(ctx)
	if err != nil {
		s.logger.Error("failed to list inconsistent users", "error", err)
		report.RepairErrored++
		return
	}
	if len(users) == 0 {
		return
	}
	s.logger.Warn("found users with inconsistent entitlement state", "count", len(users))

	var repaired, errored atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			applied, err := s.store.RepairInconsistentUser(gctx, userID)
			if err != nil {
				errored.Add(1)
				s.logger.Error("failed to repair user state", "user_id", userID, "error", err)
				return nil
			}
			if applied {
				repaired.Add(1)
				s.logger.Info("repaired inconsistent user state", "user_id", userID)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.RepairedUsers += int(repaired.Load())
	report.RepairErrored += int(errored.Load())
}

// runCoveragePass is Pass C: users with no active subscription row at all.
// Each gets a fresh free period so the expiry pass can roll them over later.
func (s *Sweeper) runCoveragePass(ctx context.Context, report *domain.SweepReport) {
	users, err := s.store.ListUsersWithoutActiveSubscription(ctx)
	if err != nil {
		s.logger.Error("failed to list uncovered users", "error", err)
		report.CoverageErrored++
		return
	}
	if len(users) == 0 {
		return
	}
	s.logger.Warn("found users without an active subscription", "count", len(users))

	now := s.now()
	periodEnd := now.Add(s.config.FreePeriod)

	var covered, errored atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			applied, err := s.store.StartFreePeriod(gctx, userID, now, periodEnd)
			if err != nil {
				errored.Add(1)
				s.logger.Error("failed to start free period", "user_id", userID, "error", err)
				return nil
			}
			if applied {
				covered.Add(1)
				s.logger.Info("started free period for uncovered user", "user_id", userID)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.CoveredUsers += int(covered.Load())
	report.CoverageErrored += int(errored.Load())
}
