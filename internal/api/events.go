/**
 * @description
 * Translation from verified Stripe webhook payloads into the normalized
 * billing event the reconciler consumes. Only the fields the reconciler
 * keys on are extracted; everything else in the payload is ignored.
 */
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// billingEventFromStripe normalizes a verified Stripe event. The second
// return value is false for event types the reconciler does not recognize;
// those are acknowledged without further processing.
func billingEventFromStripe(event stripe.Event) (domain.BillingEvent, bool, error) {
	eventType := string(event.Type)
	out := domain.BillingEvent{Type: eventType}

	switch eventType {
	case domain.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return out, true, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		out.UserID = session.Metadata["user_id"]
		if out.UserID == "" {
			out.UserID = session.ClientReferenceID
		}
		out.PlanType = domain.PlanType(session.Metadata["plan_type"])
		out.CheckoutMode = string(session.Mode)
		if session.Subscription != nil {
			out.ExternalSubscriptionID = session.Subscription.ID
		}
		if session.Customer != nil {
			out.ExternalCustomerID = session.Customer.ID
		}
		return out, true, nil

	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, true, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out.ExternalSubscriptionID = sub.ID
		out.UserID = sub.Metadata["user_id"]
		out.PlanType = domain.PlanType(sub.Metadata["plan_type"])
		out.ProviderStatus = string(sub.Status)
		out.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
		out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if sub.CanceledAt > 0 {
			canceledAt := time.Unix(sub.CanceledAt, 0).UTC()
			out.CanceledAt = &canceledAt
		}
		if sub.Customer != nil {
			out.ExternalCustomerID = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			out.ExternalPriceID = sub.Items.Data[0].Price.ID
		}
		return out, true, nil

	case domain.EventPaymentSucceeded, domain.EventPaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return out, true, fmt.Errorf("failed to decode invoice: %w", err)
		}
		if invoice.Subscription != nil {
			out.ExternalSubscriptionID = invoice.Subscription.ID
		}
		if invoice.Customer != nil {
			out.ExternalCustomerID = invoice.Customer.ID
		}
		return out, true, nil

	default:
		return out, false, nil
	}
}
