/**
 * @description
 * This file defines the core domain models for the entitlement service.
 * It includes the Subscription record that maps to the subscriptions table
 * and the mapping from billing-provider statuses to local statuses.
 */
package domain

import "time"

// SubscriptionStatus is the lifecycle state of a local subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// Subscription represents a user's subscription record in the database.
// Records are retired (status set to expired or canceled), never deleted,
// so one user may own many rows over time but at most one active row.
type Subscription struct {
	ID                     string             `json:"id"`
	UserID                 string             `json:"user_id"`
	PlanType               PlanType           `json:"plan_type"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	PastDueSince           *time.Time         `json:"past_due_since,omitempty"`
	ExternalSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	ExternalPriceID        *string            `json:"stripe_price_id,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// IsPaid reports whether the subscription grants premium entitlements.
func (s *Subscription) IsPaid() bool {
	return s.Status == SubscriptionActive && s.PlanType != PlanFree
}

// StatusFromProvider maps a billing-provider subscription status to the local
// status set. past_due and unpaid stay active: a failed payment must not
// revoke access on the webhook path, the sweeper handles it after the grace
// period elapses.
func StatusFromProvider(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "active", "trialing", "past_due", "unpaid":
		return SubscriptionActive
	case "canceled":
		return SubscriptionCanceled
	default:
		return SubscriptionExpired
	}
}
