/**
 * @description
 * Read-only aggregation queries backing the operator health report. The
 * overdue and inconsistency counts reuse the sweep predicates so the report
 * always agrees with what the next sweep run would actually touch.
 */
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// CountOverdueSubscriptions counts Pass A candidates.
func (r *Repository) CountOverdueSubscriptions(ctx context.Context, now, graceCutoff time.Time) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM subscriptions
        WHERE status = 'active'
          AND (current_period_end < $1
               OR (past_due_since IS NOT NULL AND past_due_since < $2))
    `
	var count int
	if err := r.db.QueryRow(ctx, query, now, graceCutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count overdue subscriptions: %w", err)
	}
	return count, nil
}

// CountInconsistentUsers counts Pass B candidates.
func (r *Repository) CountInconsistentUsers(ctx context.Context) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM users u
        WHERE u.is_premium = TRUE
          AND NOT EXISTS (
              SELECT 1 FROM subscriptions s
              WHERE s.user_id = u.id
                AND s.status = 'active'
                AND s.plan_type <> 'free'
          )
    `
	var count int
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count inconsistent users: %w", err)
	}
	return count, nil
}

// CountExpiringWithin counts active subscriptions whose period ends inside
// the given window from now.
func (r *Repository) CountExpiringWithin(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM subscriptions
        WHERE status = 'active'
          AND current_period_end >= $1
          AND current_period_end < $2
    `
	var count int
	if err := r.db.QueryRow(ctx, query, now, now.Add(window)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count expiring subscriptions: %w", err)
	}
	return count, nil
}

// CountActiveByPlan returns the number of active subscriptions per plan tier.
func (r *Repository) CountActiveByPlan(ctx context.Context) (map[domain.PlanType]int, error) {
	query := `
        SELECT plan_type, COUNT(*)
        FROM subscriptions
        WHERE status = 'active'
        GROUP BY plan_type
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count active subscriptions by plan: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PlanType]int)
	for rows.Next() {
		var plan domain.PlanType
		var count int
		if err := rows.Scan(&plan, &count); err != nil {
			return nil, err
		}
		counts[plan] = count
	}
	return counts, rows.Err()
}
