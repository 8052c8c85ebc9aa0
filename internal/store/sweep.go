/**
 * @description
 * Sweep writes. Every row mutation here carries the same predicate that
 * selected the row as a candidate, so an overlapping sweep run or a racing
 * webhook that already fixed the row simply makes the conditional update
 * match nothing and the row is skipped, never double-processed.
 */
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// ListSweepCandidates returns every active subscription whose period has
// elapsed, plus active subscriptions whose first payment failure is older
// than the grace cutoff.
func (r *Repository) ListSweepCandidates(ctx context.Context, now, graceCutoff time.Time) ([]domain.Subscription, error) {
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE status = 'active'
          AND (current_period_end < $1
               OR (past_due_since IS NOT NULL AND past_due_since < $2))
    `
	rows, err := r.db.Query(ctx, query, now, graceCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep candidates: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ExpireSubscription performs the Pass A repair for one candidate row,
// atomically: the candidate becomes expired, the owning user is reset to the
// free defaults with a fresh zero usage count, and a new active free-tier
// subscription covering the next period is inserted. Returns false when the
// conditional update matched nothing because a concurrent run or webhook got
// there first.
func (r *Repository) ExpireSubscription(ctx context.Context, subID string, now, graceCutoff, freePeriodEnd time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	expire := `
        UPDATE subscriptions
        SET status = 'expired', updated_at = NOW()
        WHERE id = $1
          AND status = 'active'
          AND (current_period_end < $2
               OR (past_due_since IS NOT NULL AND past_due_since < $3))
        RETURNING user_id
    `
	var userID string
	rows, err := tx.Query(ctx, expire, subID, now, graceCutoff)
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", err)
	}
	found := rows.Next()
	if found {
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return false, err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if !found {
		// Already handled elsewhere.
		return false, nil
	}

	if err := resetUserToFreeDefaults(ctx, tx, userID, true); err != nil {
		return false, err
	}

	insert := `
        INSERT INTO subscriptions (
            id, user_id, plan_type, status, current_period_start, current_period_end,
            cancel_at_period_end
        )
        VALUES ($1, $2, 'free', 'active', $3, $4, FALSE)
    `
	if _, err := tx.Exec(ctx, insert, uuid.NewString(), userID, now, freePeriodEnd); err != nil {
		return false, fmt.Errorf("failed to insert replacement free subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit expiry: %w", err)
	}
	return true, nil
}

// ListUsersWithoutActiveSubscription returns users with no active
// subscription row at all. Freshly registered users start this way; putting
// them on a free period keeps their usage on the rollover cycle, since only
// an elapsing period ever resets usage_count.
func (r *Repository) ListUsersWithoutActiveSubscription(ctx context.Context) ([]string, error) {
	query := `
        SELECT u.id
        FROM users u
        WHERE NOT EXISTS (
            SELECT 1 FROM subscriptions s
            WHERE s.user_id = u.id AND s.status = 'active'
        )
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users without subscription: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StartFreePeriod mints an active free-tier row for a user who has none.
// The conflict target is the one-active-row-per-user partial index, so a
// racing reconciliation that already produced an active row wins and this
// reports false. The user's current usage_count is kept: the reset happens
// when this period elapses, not when coverage starts.
func (r *Repository) StartFreePeriod(ctx context.Context, userID string, now, periodEnd time.Time) (bool, error) {
	insert := `
        INSERT INTO subscriptions (
            id, user_id, plan_type, status, current_period_start, current_period_end,
            cancel_at_period_end
        )
        VALUES ($1, $2, 'free', 'active', $3, $4, FALSE)
        ON CONFLICT (user_id) WHERE status = 'active' DO NOTHING
    `
	tag, err := r.db.Exec(ctx, insert, uuid.NewString(), userID, now, periodEnd)
	if err != nil {
		return false, fmt.Errorf("failed to start free period: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListInconsistentPremiumUsers returns users flagged premium whose current
// subscription state does not justify it: no active subscription at all, or
// an active one on the free plan. Structurally impossible in a healthy
// system, but partial failures elsewhere can produce it.
func (r *Repository) ListInconsistentPremiumUsers(ctx context.Context) ([]string, error) {
	query := `
        SELECT u.id
        FROM users u
        WHERE u.is_premium = TRUE
          AND NOT EXISTS (
              SELECT 1 FROM subscriptions s
              WHERE s.user_id = u.id
                AND s.status = 'active'
                AND s.plan_type <> 'free'
          )
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list inconsistent users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RepairInconsistentUser forces a premium-flagged user without a paid active
// subscription back to the free defaults. The predicate re-checks the
// inconsistency so a racing reconciliation that legitimately re-upgraded the
// user is left alone. Consumption is not reset: this is a flag repair, not a
// period rollover.
func (r *Repository) RepairInconsistentUser(ctx context.Context, userID string) (bool, error) {
	freeLimits, err := domain.LimitsFor(domain.PlanFree)
	if err != nil {
		return false, err
	}
	query := `
        UPDATE users u
        SET is_premium = FALSE, usage_limit = $1, updated_at = NOW()
        WHERE u.id = $2
          AND u.is_premium = TRUE
          AND NOT EXISTS (
              SELECT 1 FROM subscriptions s
              WHERE s.user_id = u.id
                AND s.status = 'active'
                AND s.plan_type <> 'free'
          )
    `
	tag, err := r.db.Exec(ctx, query, freeLimits.UsageLimit, userID)
	if err != nil {
		return false, fmt.Errorf("failed to repair inconsistent user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
