/**
 * @description
 * This file contains the reconciliation logic applied per billing event type.
 * Each handler writes absolute state taken from the event (or fetched fresh
 * from the provider) through the store's transactional upserts, so duplicate
 * or out-of-order delivery converges on the same end state. Handlers return
 * ErrMalformedEvent for payloads missing required fields; the caller
 * acknowledges those without applying them. Datastore errors propagate so the
 * webhook layer can answer 5xx and rely on provider redelivery.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seosnap/entitlement-service/internal/domain"
	"github.com/seosnap/entitlement-service/internal/store"
)

// ErrMalformedEvent marks a billing event missing fields its handler needs.
// Such events are acknowledged but not applied.
var ErrMalformedEvent = errors.New("malformed billing event")

// ReconcilerStore defines the database operations the reconciler needs.
type ReconcilerStore interface {
	ReconcileSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	RevertSubscriptionToFree(ctx context.Context, externalID string, now, freePeriodEnd time.Time) error
	RevertUserToFree(ctx context.Context, userID string, now, freePeriodEnd time.Time) error
	MarkPaymentSucceeded(ctx context.Context, externalID string) error
	MarkPaymentPastDue(ctx context.Context, externalID string, failedAt time.Time) error
	SetUserExternalCustomerID(ctx context.Context, userID, customerID string) error
}

// SubscriptionFetcher fetches the authoritative subscription state from the
// billing provider.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, externalID string) (*domain.ProviderSubscription, error)
}

// Reconciler applies billing events to the entitlement store.
type Reconciler struct {
	store      ReconcilerStore
	provider   SubscriptionFetcher
	logger     *slog.Logger
	freePeriod time.Duration
}

// NewReconciler creates a new reconciler. freePeriod is the length of the
// free subscription started for a user whose paid subscription is deleted;
// zero or negative picks the 30-day default.
func NewReconciler(store ReconcilerStore, provider SubscriptionFetcher, logger *slog.Logger, freePeriod time.Duration) *Reconciler {
	if freePeriod <= 0 {
		freePeriod = 30 * 24 * time.Hour
	}
	return &Reconciler{store: store, provider: provider, logger: logger, freePeriod: freePeriod}
}

// HandleEvent dispatches one billing event to its handler. Unrecognized
// event types are logged and ignored; the webhook layer still acknowledges
// them to stop redelivery.
func (r *Reconciler) HandleEvent(ctx context.Context, ev domain.BillingEvent) error {
	switch ev.Type {
	case domain.EventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, ev)
	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, ev)
	case domain.EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, ev)
	case domain.EventPaymentSucceeded:
		return r.handlePaymentSucceeded(ctx, ev)
	case domain.EventPaymentFailed:
		return r.handlePaymentFailed(ctx, ev)
	default:
		r.logger.Info("ignoring unhandled billing event type", "type", ev.Type)
		return nil
	}
}

// handleCheckoutCompleted processes a completed checkout. The event is only
// the trigger: for subscription-mode checkouts the authoritative subscription
// object is fetched from the provider, because the webhook snapshot may be
// stale by the time this runs.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, ev domain.BillingEvent) error {
	if ev.UserID == "" || ev.PlanType == "" {
		return fmt.Errorf("%w: checkout event missing user_id or plan_type metadata", ErrMalformedEvent)
	}
	if !domain.ValidPlanType(ev.PlanType) {
		return fmt.Errorf("%w: checkout event carries unknown plan %q", ErrMalformedEvent, ev.PlanType)
	}
	if (ev.CheckoutMode != "" && ev.CheckoutMode != "subscription") || ev.ExternalSubscriptionID == "" {
		// One-time payments carry no subscription to reconcile.
		r.logger.Info("checkout completed without a subscription, nothing to reconcile",
			"user_id", ev.UserID, "mode", ev.CheckoutMode)
		return nil
	}

	provider, err := r.provider.GetSubscription(ctx, ev.ExternalSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s from provider: %w", ev.ExternalSubscriptionID, err)
	}

	sub := subscriptionFromProvider(ev.UserID, ev.PlanType, provider)
	if _, err := r.store.ReconcileSubscription(ctx, sub); err != nil {
		return err
	}

	if ev.ExternalCustomerID != "" {
		if err := r.store.SetUserExternalCustomerID(ctx, ev.UserID, ev.ExternalCustomerID); err != nil {
			// The entitlement write committed; losing the customer id only
			// costs a re-lookup on the next checkout.
			r.logger.Warn("failed to store provider customer id",
				"user_id", ev.UserID, "error", err)
		}
	}

	r.logger.Info("checkout reconciled",
		"user_id", ev.UserID, "plan", ev.PlanType, "subscription_id", ev.ExternalSubscriptionID)
	return nil
}

// handleSubscriptionUpdated upserts absolute state keyed by the provider's
// subscription id. Provider update events always carry full state, never
// partial, so period bounds and cancel flags are overwritten unconditionally.
func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, ev domain.BillingEvent) error {
	if ev.ExternalSubscriptionID == "" {
		return fmt.Errorf("%w: subscription update without subscription id", ErrMalformedEvent)
	}
	if ev.PlanType != "" && !domain.ValidPlanType(ev.PlanType) {
		return fmt.Errorf("%w: subscription update carries unknown plan %q", ErrMalformedEvent, ev.PlanType)
	}

	externalID := ev.ExternalSubscriptionID
	sub := &domain.Subscription{
		UserID:                 ev.UserID,
		PlanType:               ev.PlanType,
		Status:                 domain.StatusFromProvider(ev.ProviderStatus),
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		CanceledAt:             ev.CanceledAt,
		ExternalSubscriptionID: &externalID,
	}
	if ev.ExternalPriceID != "" {
		priceID := ev.ExternalPriceID
		sub.ExternalPriceID = &priceID
	}

	applied, err := r.store.ReconcileSubscription(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			// An update for a subscription we never recorded and cannot
			// mint from metadata. Acknowledge; the checkout event or the
			// sweeper will converge the state.
			return fmt.Errorf("%w: update for unknown subscription %s", ErrMalformedEvent, externalID)
		}
		return err
	}

	r.logger.Info("subscription update reconciled",
		"user_id", applied.UserID, "status", applied.Status, "plan", applied.PlanType)
	return nil
}

// handleSubscriptionDeleted applies the terminal transition: the paid
// subscription becomes canceled, the user reverts to free defaults, and a
// fresh free-plan period starts so the user stays covered.
// Idempotent; re-applying to an already-reverted user is a no-op.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, ev domain.BillingEvent) error {
	now := time.Now()
	freePeriodEnd := now.Add(r.freePeriod)
	switch {
	case ev.ExternalSubscriptionID != "":
		err := r.store.RevertSubscriptionToFree(ctx, ev.ExternalSubscriptionID, now, freePeriodEnd)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return fmt.Errorf("%w: deletion for unknown subscription %s", ErrMalformedEvent, ev.ExternalSubscriptionID)
		}
		if err != nil {
			return err
		}
	case ev.UserID != "":
		if err := r.store.RevertUserToFree(ctx, ev.UserID, now, freePeriodEnd); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: subscription deletion without subscription id or user id", ErrMalformedEvent)
	}

	r.logger.Info("subscription deletion reconciled",
		"user_id", ev.UserID, "subscription_id", ev.ExternalSubscriptionID)
	return nil
}

// handlePaymentSucceeded clears the past-due marker and reactivates the
// subscription unless it was canceled in the meantime. A subscription the
// sweeper already expired comes back to active too, retiring any replacement
// free row minted while it was lapsed.
func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, ev domain.BillingEvent) error {
	if ev.ExternalSubscriptionID == "" {
		// Invoices unrelated to a subscription need no reconciliation.
		return nil
	}
	if err := r.store.MarkPaymentSucceeded(ctx, ev.ExternalSubscriptionID); err != nil {
		return err
	}
	r.logger.Info("payment success reconciled", "subscription_id", ev.ExternalSubscriptionID)
	return nil
}

// handlePaymentFailed stamps the past-due marker but does not revoke access:
// the provider retries transient failures on its own, and the sweeper revokes
// after the grace period if the failures persist.
func (r *Reconciler) handlePaymentFailed(ctx context.Context, ev domain.BillingEvent) error {
	if ev.ExternalSubscriptionID == "" {
		return nil
	}
	if err := r.store.MarkPaymentPastDue(ctx, ev.ExternalSubscriptionID, time.Now()); err != nil {
		return err
	}
	r.logger.Warn("payment failed, access retained pending grace period",
		"subscription_id", ev.ExternalSubscriptionID)
	return nil
}

func subscriptionFromProvider(userID string, plan domain.PlanType, provider *domain.ProviderSubscription) *domain.Subscription {
	externalID := provider.ID
	sub := &domain.Subscription{
		UserID:                 userID,
		PlanType:               plan,
		Status:                 domain.StatusFromProvider(provider.Status),
		CurrentPeriodStart:     provider.PeriodStart,
		CurrentPeriodEnd:       provider.PeriodEnd,
		CancelAtPeriodEnd:      provider.CancelAtPeriodEnd,
		CanceledAt:             provider.CanceledAt,
		ExternalSubscriptionID: &externalID,
	}
	if provider.PriceID != "" {
		priceID := provider.PriceID
		sub.ExternalPriceID = &priceID
	}
	return sub
}
