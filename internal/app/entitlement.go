/**
 * @description
 * The entitlement read path and the subscription management operations the
 * front-end drives: status, checkout session, billing portal session, and
 * cancel/reactivate at period end. Plan identity always comes from the
 * authoritative subscription row.
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

// EntitlementStore defines the database operations the entitlement service needs.
type EntitlementStore interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	GetCurrentSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	GetLatestSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) (*domain.Subscription, error)
	SetUserExternalCustomerID(ctx context.Context, userID, customerID string) error
}

// BillingProvider defines the outbound provider operations the entitlement
// service needs.
type BillingProvider interface {
	EnsureCustomer(ctx context.Context, userID, email, name string, existingID *string) (string, error)
	CreateCheckoutSession(ctx context.Context, params domain.CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	SetCancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string, cancel bool) error
}

// EntitlementService serves the derived entitlement view and brokers
// checkout/portal/cancel operations against the billing provider.
type EntitlementService struct {
	store    EntitlementStore
	provider BillingProvider
	logger   *slog.Logger
}

// NewEntitlementService creates a new entitlement service.
func NewEntitlementService(store EntitlementStore, provider BillingProvider, logger *slog.Logger) *EntitlementService {
	return &EntitlementService{store: store, provider: provider, logger: logger}
}

// GetStatus returns the user's current entitlement view. A user without an
// active subscription is reported on the free tier with free limits.
func (s *EntitlementService) GetStatus(ctx context.Context, userID string) (*domain.EntitlementStatus, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	plan := domain.PlanFree
	statusLabel := string(domain.SubscriptionExpired)
	var sub *domain.Subscription

	sub, err = s.store.GetCurrentSubscription(ctx, userID)
	switch {
	case err == nil:
		plan = sub.PlanType
		statusLabel = string(sub.Status)
	case errors.Is(err, store.ErrSubscriptionNotFound):
		// Fall back to the most recent retired record for display only;
		// the entitlements themselves stay free.
		if latest, latestErr := s.store.GetLatestSubscription(ctx, userID); latestErr == nil {
			statusLabel = string(latest.Status)
			sub = latest
		}
	default:
		return nil, err
	}

	limits, err := domain.LimitsFor(plan)
	if err != nil {
		return nil, err
	}

	remaining := user.UsageLimit - user.UsageCount
	if remaining < 0 {
		remaining = 0
	}

	status := &domain.EntitlementStatus{
		Plan:           plan,
		IsPremium:      user.IsPremium,
		UsageCount:     user.UsageCount,
		UsageLimit:     user.UsageLimit,
		UsageRemaining: remaining,
		Limits:         limits,
		Status:         statusLabel,
	}
	if sub != nil {
		status.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if sub.Status == domain.SubscriptionActive {
			end := sub.CurrentPeriodEnd
			status.CurrentPeriodEnd = &end
		}
	}
	return status, nil
}

// StartCheckout creates a provider checkout session for a plan purchase,
// creating or reusing the provider customer for the user. The session
// metadata carries the user id and plan type that the webhook path keys on.
func (s *EntitlementService) StartCheckout(ctx context.Context, userID string, params domain.CheckoutParams) (string, error) {
	if !domain.ValidPlanType(params.PlanType) || params.PlanType == domain.PlanFree {
		return "", fmt.Errorf("cannot check out plan %q: %w", params.PlanType, domain.ErrUnknownPlanType)
	}
	if params.PriceID == "" {
		return "", errors.New("checkout requires a price id")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	customerID, err := s.provider.EnsureCustomer(ctx, user.ID, user.Email, user.Name, user.ExternalCustomerID)
	if err != nil {
		return "", fmt.Errorf("failed to ensure provider customer: %w", err)
	}
	if user.ExternalCustomerID == nil || *user.ExternalCustomerID != customerID {
		if err := s.store.SetUserExternalCustomerID(ctx, user.ID, customerID); err != nil {
			s.logger.Warn("failed to persist provider customer id", "user_id", user.ID, "error", err)
		}
	}

	params.UserID = user.ID
	params.CustomerID = customerID
	url, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info("created checkout session", "user_id", user.ID, "plan", params.PlanType)
	return url, nil
}

// StartPortalSession returns a provider billing-portal URL for the user.
func (s *EntitlementService) StartPortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.ExternalCustomerID == nil || *user.ExternalCustomerID == "" {
		return "", fmt.Errorf("user has no billing profile: %w", store.ErrSubscriptionNotFound)
	}

	url, err := s.provider.CreatePortalSession(ctx, *user.ExternalCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return url, nil
}

// SetCancelAtPeriodEnd toggles cancel-at-period-end on the user's current
// subscription, locally and at the provider. Plan and limits stay unchanged;
// the sweeper performs the downgrade when the period elapses.
func (s *EntitlementService) SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) (*domain.Subscription, error) {
	sub, err := s.store.SetCancelAtPeriodEnd(ctx, userID, cancel)
	if err != nil {
		return nil, err
	}

	if sub.ExternalSubscriptionID != nil && *sub.ExternalSubscriptionID != "" {
		if err := s.provider.SetCancelAtPeriodEnd(ctx, *sub.ExternalSubscriptionID, cancel); err != nil {
			// The local flag is set; the provider's subscription.updated
			// webhook will reconcile any divergence.
			s.logger.Warn("failed to mirror cancel flag to provider",
				"subscription_id", *sub.ExternalSubscriptionID, "error", err)
		}
	}

	s.logger.Info("updated cancel-at-period-end", "user_id", userID, "cancel", cancel)
	return sub, nil
}
