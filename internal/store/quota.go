/**
 * @description
 * Quota consumption. The increment is a single conditional update so that
 * concurrent commits for the same user can never jointly push usage_count
 * past usage_limit. There is deliberately no read-check-increment sequence
 * anywhere on this path.
 */
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ConsumeQuota atomically increments the user's usage count by one, but only
// while usage_count is still below usage_limit. Exactly one of N concurrent
// calls wins each remaining unit; the rest get ErrQuotaExhausted.
func (r *Repository) ConsumeQuota(ctx context.Context, userID string) error {
	query := `
        UPDATE users
        SET usage_count = usage_count + 1, updated_at = NOW()
        WHERE id = $1 AND usage_count < usage_limit
    `
	tag, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to consume quota: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a missing user from an exhausted quota.
	var exists bool
	err = r.db.QueryRow(ctx, `SELECT TRUE FROM users WHERE id = $1`, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to check user for quota: %w", err)
	}
	return ErrQuotaExhausted
}

// GetUsage returns the user's current consumption and limit.
func (r *Repository) GetUsage(ctx context.Context, userID string) (count, limit int, err error) {
	query := `SELECT usage_count, usage_limit FROM users WHERE id = $1`
	err = r.db.QueryRow(ctx, query, userID).Scan(&count, &limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, err
	}
	return count, limit, nil
}
