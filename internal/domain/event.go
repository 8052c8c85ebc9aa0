/**
 * @description
 * This file defines the normalized billing event handed from the webhook
 * ingestor to the reconciler, and the provider-side subscription snapshot
 * returned by the billing client. Events carry absolute state taken from the
 * provider payload, never deltas, so re-applying one is always a no-op beyond
 * the first successful write.
 */
package domain

import "time"

// Billing event types recognized by the reconciler. Anything else is
// acknowledged and ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
)

// BillingEvent is the normalized form of a provider webhook event.
// UserID and PlanType come from provider-side metadata and may be empty
// depending on the event type.
type BillingEvent struct {
	Type                   string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	UserID                 string
	PlanType               PlanType
	ProviderStatus         string
	ExternalPriceID        string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	CheckoutMode           string
}

// CheckoutParams carries what the billing provider needs to open a checkout
// session for a plan purchase. UserID and PlanType travel in the session
// metadata so the completion webhook can key its reconciliation.
type CheckoutParams struct {
	UserID     string   `json:"-"`
	CustomerID string   `json:"-"`
	PriceID    string   `json:"price_id"`
	PlanType   PlanType `json:"plan_type"`
	SuccessURL string   `json:"success_url"`
	CancelURL  string   `json:"cancel_url"`
}

// ProviderSubscription is the authoritative subscription state fetched from
// the billing provider. The checkout handler fetches it instead of trusting
// the webhook snapshot, which may be stale by the time it is processed.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
}
