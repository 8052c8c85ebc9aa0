/**
 * @description
 * Reconciliation writes. Every operation here applies absolute state from a
 * billing event inside a single transaction, pairing the subscription upsert
 * with the owning user's entitlement update so the two can never diverge on a
 * partial failure. All writes are keyed by the provider's subscription id (or
 * the user id for the terminal revert), which makes duplicate webhook
 * delivery a no-op beyond the first successful application.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// ReconcileSubscription upserts the subscription row keyed by the provider's
// subscription id and updates the owning user's entitlement fields from the
// resulting plan and status, all in one transaction. An empty PlanType on the
// input keeps the existing row's plan (provider update events do not always
// carry plan metadata). Any other active subscription rows for the same user
// are retired to expired so at most one active row exists per user.
func (r *Repository) ReconcileSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID == "" {
		return nil, errors.New("reconcile requires an external subscription id")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row if it exists and resolve the owning user. Update events
	// keyed purely on the external id may not carry user metadata; minting a
	// row requires both a user and a plan from the event.
	rowExists := true
	var ownerID string
	lookup := `SELECT user_id FROM subscriptions WHERE stripe_subscription_id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lookup, *sub.ExternalSubscriptionID).Scan(&ownerID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to resolve subscription owner: %w", err)
		}
		rowExists = false
	}
	userID := sub.UserID
	if userID == "" {
		userID = ownerID
	}
	if !rowExists && (userID == "" || sub.PlanType == "") {
		return nil, ErrSubscriptionNotFound
	}

	// Retire any other active rows for the user before writing a new active
	// one: the partial unique index enforcing at most one active row per
	// user would otherwise reject a provider subscription that replaces an
	// old one without a deletion event in between.
	if sub.Status == domain.SubscriptionActive {
		retire := `
            UPDATE subscriptions
            SET status = 'expired', updated_at = NOW()
            WHERE user_id = $1 AND status = 'active'
              AND stripe_subscription_id IS DISTINCT FROM $2
        `
		if _, err := tx.Exec(ctx, retire, userID, *sub.ExternalSubscriptionID); err != nil {
			return nil, fmt.Errorf("failed to retire superseded subscriptions: %w", err)
		}
	}

	upsert := `
        INSERT INTO subscriptions (
            id, user_id, plan_type, status, current_period_start, current_period_end,
            cancel_at_period_end, canceled_at, stripe_subscription_id, stripe_price_id
        )
        VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (stripe_subscription_id) DO UPDATE SET
            plan_type = COALESCE(NULLIF($3, ''), subscriptions.plan_type),
            status = EXCLUDED.status,
            current_period_start = EXCLUDED.current_period_start,
            current_period_end = EXCLUDED.current_period_end,
            cancel_at_period_end = EXCLUDED.cancel_at_period_end,
            canceled_at = EXCLUDED.canceled_at,
            stripe_price_id = COALESCE(EXCLUDED.stripe_price_id, subscriptions.stripe_price_id),
            updated_at = NOW()
        RETURNING ` + subscriptionColumns

	applied, err := scanSubscription(tx.QueryRow(ctx, upsert,
		uuid.NewString(),
		userID,
		string(sub.PlanType),
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.ExternalSubscriptionID,
		sub.ExternalPriceID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := updateUserEntitlement(ctx, tx, applied); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return applied, nil
}

// updateUserEntitlement recomputes is_premium and usage_limit from the
// applied subscription row. A row that no longer grants paid access carries
// the free limits, not its retired plan's. usage_count is deliberately
// untouched: plan changes mid-period never reset consumption, only a period
// rollover does.
func updateUserEntitlement(ctx context.Context, tx pgx.Tx, sub *domain.Subscription) error {
	plan := sub.PlanType
	if !sub.IsPaid() {
		plan = domain.PlanFree
	}
	limits, err := domain.LimitsFor(plan)
	if err != nil {
		return err
	}
	query := `
        UPDATE users
        SET is_premium = $1, usage_limit = $2, updated_at = NOW()
        WHERE id = $3
    `
	tag, err := tx.Exec(ctx, query, sub.IsPaid(), limits.UsageLimit, sub.UserID)
	if err != nil {
		return fmt.Errorf("failed to update user entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entitlement update for user %s: %w", sub.UserID, ErrUserNotFound)
	}
	return nil
}

// RevertSubscriptionToFree applies the terminal subscription.deleted
// transition: the matching row becomes canceled with plan_type free, the
// owning user gets the free defaults back, and a fresh active free-tier row
// covering [now, freePeriodEnd) is inserted so the user stays on the sweep's
// rollover cycle. Re-applying to an already-reverted subscription produces
// the same end state.
func (r *Repository) RevertSubscriptionToFree(ctx context.Context, externalID string, now, freePeriodEnd time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
        UPDATE subscriptions
        SET status = 'canceled',
            plan_type = 'free',
            canceled_at = COALESCE(canceled_at, NOW()),
            updated_at = NOW()
        WHERE stripe_subscription_id = $1
        RETURNING user_id
    `
	var userID string
	if err := tx.QueryRow(ctx, update, externalID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if err := resetUserToFreeDefaults(ctx, tx, userID, false); err != nil {
		return err
	}

	if err := insertFreeSubscription(ctx, tx, userID, now, freePeriodEnd); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit revert: %w", err)
	}
	return nil
}

// RevertUserToFree is the user-keyed variant of the terminal transition, used
// when a deletion event carries user metadata but no subscription id we know.
func (r *Repository) RevertUserToFree(ctx context.Context, userID string, now, freePeriodEnd time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
        UPDATE subscriptions
        SET status = 'canceled',
            plan_type = 'free',
            canceled_at = COALESCE(canceled_at, NOW()),
            updated_at = NOW()
        WHERE user_id = $1 AND status = 'active'
    `
	if _, err := tx.Exec(ctx, update, userID); err != nil {
		return fmt.Errorf("failed to cancel subscriptions for user: %w", err)
	}

	if err := resetUserToFreeDefaults(ctx, tx, userID, false); err != nil {
		return err
	}

	if err := insertFreeSubscription(ctx, tx, userID, now, freePeriodEnd); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit revert: %w", err)
	}
	return nil
}

// insertFreeSubscription mints an active free-tier row for the user. The
// conflict target is the one-active-row-per-user partial index, so a racing
// reconciliation that already gave the user an active row wins quietly.
func insertFreeSubscription(ctx context.Context, tx pgx.Tx, userID string, now, periodEnd time.Time) error {
	insert := `
        INSERT INTO subscriptions (
            id, user_id, plan_type, status, current_period_start, current_period_end,
            cancel_at_period_end
        )
        VALUES ($1, $2, 'free', 'active', $3, $4, FALSE)
        ON CONFLICT (user_id) WHERE status = 'active' DO NOTHING
    `
	if _, err := tx.Exec(ctx, insert, uuid.NewString(), userID, now, periodEnd); err != nil {
		return fmt.Errorf("failed to insert replacement free subscription: %w", err)
	}
	return nil
}

func resetUserToFreeDefaults(ctx context.Context, tx pgx.Tx, userID string, resetUsage bool) error {
	freeLimits, err := domain.LimitsFor(domain.PlanFree)
	if err != nil {
		return err
	}
	query := `
        UPDATE users
        SET is_premium = FALSE,
            usage_limit = $1,
            usage_count = CASE WHEN $2 THEN 0 ELSE usage_count END,
            updated_at = NOW()
        WHERE id = $3
    `
	tag, err := tx.Exec(ctx, query, freeLimits.UsageLimit, resetUsage, userID)
	if err != nil {
		return fmt.Errorf("failed to reset user to free defaults: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("free-default reset for user %s: %w", userID, ErrUserNotFound)
	}
	return nil
}

// MarkPaymentSucceeded flips a subscription from any non-canceled status
// back to active, clears the past-due marker, and restores the owner's
// entitlement, all in one transaction. A subscription the sweep already
// retired comes back here; its replacement free row is retired so at most
// one active row survives. Canceled subscriptions stay canceled, and unknown
// ids are a no-op.
func (r *Repository) MarkPaymentSucceeded(ctx context.Context, externalID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var subID, userID string
	lookup := `
        SELECT id, user_id FROM subscriptions
        WHERE stripe_subscription_id = $1 AND status <> 'canceled'
        FOR UPDATE
    `
	if err := tx.QueryRow(ctx, lookup, externalID).Scan(&subID, &userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to look up subscription for payment: %w", err)
	}

	// Retire any replacement row minted while this one was retired, before
	// reactivating: the one-active-row-per-user index rejects two actives.
	retire := `
        UPDATE subscriptions
        SET status = 'expired', updated_at = NOW()
        WHERE user_id = $1 AND status = 'active' AND id <> $2
    `
	if _, err := tx.Exec(ctx, retire, userID, subID); err != nil {
		return fmt.Errorf("failed to retire replacement subscription: %w", err)
	}

	update := `
        UPDATE subscriptions
        SET status = 'active', past_due_since = NULL, updated_at = NOW()
        WHERE id = $1
        RETURNING ` + subscriptionColumns
	applied, err := scanSubscription(tx.QueryRow(ctx, update, subID))
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}

	if err := updateUserEntitlement(ctx, tx, applied); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit payment reactivation: %w", err)
	}
	return nil
}

// MarkPaymentPastDue stamps the first payment failure time on an active
// subscription. The earliest failure wins so the grace period is measured
// from the first miss, not the latest retry.
func (r *Repository) MarkPaymentPastDue(ctx context.Context, externalID string, failedAt time.Time) error {
	query := `
        UPDATE subscriptions
        SET past_due_since = COALESCE(past_due_since, $1), updated_at = NOW()
        WHERE stripe_subscription_id = $2 AND status = 'active'
    `
	_, err := r.db.Exec(ctx, query, failedAt, externalID)
	if err != nil {
		return fmt.Errorf("failed to mark payment past due: %w", err)
	}
	return nil
}
