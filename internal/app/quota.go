/**
 * @description
 * The quota guard: batch admission checks before generation and the atomic
 * per-item commit afterwards. The pre-check is advisory; the commit is the
 * authoritative conditional increment, so two browser tabs racing the same
 * quota can never jointly overshoot the limit. Failed items are never
 * committed and therefore never consume quota.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seosnap/entitlement-service/internal/domain"
	"github.com/seosnap/entitlement-service/internal/store"
)

var (
	// ErrBatchTooLarge is returned when a batch exceeds the plan's
	// per-batch image limit. User-facing, not retried.
	ErrBatchTooLarge = errors.New("batch exceeds plan limit")
	// ErrQuotaExceeded is returned when the user's remaining quota cannot
	// cover the request. User-facing, not retried.
	ErrQuotaExceeded = errors.New("usage quota exceeded")
)

// QuotaStore defines the database operations the quota guard needs.
type QuotaStore interface {
	GetCurrentSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	GetUsage(ctx context.Context, userID string) (count, limit int, err error)
	ConsumeQuota(ctx context.Context, userID string) error
}

// QuotaGuard enforces batch-size and usage limits for generation attempts.
type QuotaGuard struct {
	store  QuotaStore
	logger *slog.Logger
}

// NewQuotaGuard creates a new quota guard.
func NewQuotaGuard(store QuotaStore, logger *slog.Logger) *QuotaGuard {
	return &QuotaGuard{store: store, logger: logger}
}

// BatchAdmission is the result of a pre-generation batch check.
type BatchAdmission struct {
	Plan           domain.PlanType   `json:"plan"`
	Limits         domain.PlanLimits `json:"limits"`
	UsageCount     int               `json:"usage_count"`
	UsageLimit     int               `json:"usage_limit"`
	UsageRemaining int               `json:"usage_remaining"`
}

// CheckBatch verifies that a batch of n items fits the user's plan and
// remaining quota before any generation work starts. The check does not
// reserve quota; CommitItem performs the authoritative increment per
// completed item.
func (g *QuotaGuard) CheckBatch(ctx context.Context, userID string, n int) (*BatchAdmission, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: batch must contain at least one item", ErrBatchTooLarge)
	}

	plan, err := g.currentPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	limits, err := domain.LimitsFor(plan)
	if err != nil {
		return nil, err
	}
	if n > limits.MaxBatchImages {
		return nil, fmt.Errorf("%w: %s plan supports up to %d images per batch",
			ErrBatchTooLarge, plan, limits.MaxBatchImages)
	}

	count, limit, err := g.store.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if n > remaining {
		return nil, fmt.Errorf("%w: %d of %d generations used", ErrQuotaExceeded, count, limit)
	}

	return &BatchAdmission{
		Plan:           plan,
		Limits:         limits,
		UsageCount:     count,
		UsageLimit:     limit,
		UsageRemaining: remaining,
	}, nil
}

// CommitItem consumes one unit of quota for a successfully completed item.
// Callers invoke it once per item that generated, never for failed items.
func (g *QuotaGuard) CommitItem(ctx context.Context, userID string) error {
	err := g.store.ConsumeQuota(ctx, userID)
	if errors.Is(err, store.ErrQuotaExhausted) {
		return fmt.Errorf("%w: no generations remaining", ErrQuotaExceeded)
	}
	return err
}

// BatchResult partitions a finished batch into items that consumed quota,
// items rejected for quota reasons, and items that failed downstream.
// Callers can distinguish "blocked by quota" from "failed to generate".
type BatchResult struct {
	Admitted      int `json:"admitted"`
	QuotaRejected int `json:"quota_rejected"`
	Failed        int `json:"failed"`
}

// SettleBatch commits quota for each successfully generated item in a batch
// and tallies the outcome. Items that failed downstream do not consume
// quota; items whose commit loses the conditional increment race are
// counted as quota-rejected.
func (g *QuotaGuard) SettleBatch(ctx context.Context, userID string, itemSucceeded []bool) (BatchResult, error) {
	var result BatchResult
	for _, ok := range itemSucceeded {
		if !ok {
			result.Failed++
			continue
		}
		err := g.CommitItem(ctx, userID)
		switch {
		case err == nil:
			result.Admitted++
		case errors.Is(err, ErrQuotaExceeded):
			result.QuotaRejected++
		default:
			// A datastore fault on one item must not abort its siblings.
			result.Failed++
			g.logger.Error("failed to commit quota for batch item",
				"user_id", userID, "error", err)
		}
	}
	return result, nil
}

// currentPlan derives the user's plan tier from the authoritative active
// subscription row. A user without an active subscription is on the free
// tier; any other lookup failure propagates so a transient datastore fault
// never silently downgrades a paid user. Plan identity is never inferred
// from usage_limit values.
func (g *QuotaGuard) currentPlan(ctx context.Context, userID string) (domain.PlanType, error) {
	sub, err := g.store.GetCurrentSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return domain.PlanFree, nil
		}
		return "", fmt.Errorf("failed to load current subscription for %s: %w", userID, err)
	}
	return sub.PlanType, nil
}
