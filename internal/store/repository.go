/**
 * @description
 * This file implements the data access layer for the entitlement service.
 * It is the only component allowed to mutate user and subscription rows.
 * Read queries live here; the reconciliation, sweep and quota writes live in
 * their own files within this package.
 */
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/seosnap/entitlement-service/internal/domain"
)

var (
	// ErrUserNotFound is returned when no user row matches the given id.
	ErrUserNotFound = errors.New("user not found")
	// ErrSubscriptionNotFound is returned when no subscription row matches.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrQuotaExhausted is returned when the conditional usage increment
	// matched no row because usage_count has reached usage_limit.
	ErrQuotaExhausted = errors.New("usage quota exhausted")
)

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Repository handles database operations for users and subscriptions.
type Repository struct {
	db DB
}

// NewRepository creates a new repository.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, email, name, is_premium, usage_count, usage_limit, stripe_customer_id, created_at, updated_at`

const subscriptionColumns = `id, user_id, plan_type, status, current_period_start, current_period_end,
       cancel_at_period_end, canceled_at, past_due_since, stripe_subscription_id, stripe_price_id,
       created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.IsPremium,
		&u.UsageCount,
		&u.UsageLimit,
		&u.ExternalCustomerID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanType,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CanceledAt,
		&s.PastDueSince,
		&s.ExternalSubscriptionID,
		&s.ExternalPriceID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetUserByID retrieves a user's entitlement record.
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

// GetCurrentSubscription retrieves the user's current active subscription.
// At most one such row exists per user.
func (r *Repository) GetCurrentSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1 AND status = 'active'
        ORDER BY created_at DESC
        LIMIT 1
    `
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

// GetLatestSubscription retrieves the most recent subscription record for a
// user regardless of status. Used by the status read path so a just-expired
// user still sees their last plan.
func (r *Repository) GetLatestSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

// SetUserExternalCustomerID stores the billing provider's customer id on the
// user row so later checkout and portal sessions can reuse it.
func (r *Repository) SetUserExternalCustomerID(ctx context.Context, userID, customerID string) error {
	query := `UPDATE users SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, customerID, userID)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetCancelAtPeriodEnd toggles the cancel-at-period-end flag on a user's
// current active subscription. The plan and period bounds stay unchanged;
// the sweeper performs the actual downgrade when the period elapses.
func (r *Repository) SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) (*domain.Subscription, error) {
	query := `
        UPDATE subscriptions
        SET cancel_at_period_end = $1,
            canceled_at = CASE WHEN $1 THEN NOW() ELSE NULL END,
            updated_at = NOW()
        WHERE user_id = $2 AND status = 'active'
        RETURNING ` + subscriptionColumns
	return scanSubscription(r.db.QueryRow(ctx, query, cancel, userID))
}

// Ping verifies database connectivity for the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
