package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/seosnap/entitlement-service/internal/domain"
)

func stripeEvent(t *testing.T, eventType, payload string) stripe.Event {
	t.Helper()
	return stripe.Event{
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(payload)},
	}
}

func TestBillingEventFromStripeCheckoutSession(t *testing.T) {
	event := stripeEvent(t, "checkout.session.completed", `{
		"mode": "subscription",
		"metadata": {"user_id": "user-1", "plan_type": "pro"},
		"subscription": {"id": "sub_123"},
		"customer": {"id": "cus_9"}
	}`)

	got, recognized, err := billingEventFromStripe(event)
	if err != nil {
		t.Fatalf("billingEventFromStripe returned error: %v", err)
	}
	if !recognized {
		t.Fatalf("checkout.session.completed must be recognized")
	}
	if got.UserID != "user-1" || got.PlanType != domain.PlanPro {
		t.Fatalf("unexpected identity fields: %+v", got)
	}
	if got.ExternalSubscriptionID != "sub_123" || got.ExternalCustomerID != "cus_9" {
		t.Fatalf("unexpected external ids: %+v", got)
	}
	if got.CheckoutMode != "subscription" {
		t.Fatalf("expected subscription mode, got %q", got.CheckoutMode)
	}
}

func TestBillingEventFromStripeCheckoutFallsBackToClientReferenceID(t *testing.T) {
	event := stripeEvent(t, "checkout.session.completed", `{
		"mode": "subscription",
		"client_reference_id": "user-7",
		"metadata": {"plan_type": "starter"}
	}`)

	got, _, err := billingEventFromStripe(event)
	if err != nil {
		t.Fatalf("billingEventFromStripe returned error: %v", err)
	}
	if got.UserID != "user-7" {
		t.Fatalf("expected client_reference_id fallback, got %q", got.UserID)
	}
}

func TestBillingEventFromStripeSubscription(t *testing.T) {
	periodStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	event := stripeEvent(t, "customer.subscription.updated", `{
		"id": "sub_123",
		"status": "past_due",
		"metadata": {"user_id": "user-1", "plan_type": "starter"},
		"current_period_start": 1767225600,
		"current_period_end": 1769904000,
		"cancel_at_period_end": true,
		"canceled_at": 1767312000,
		"customer": {"id": "cus_9"},
		"items": {"data": [{"price": {"id": "price_starter"}}]}
	}`)

	got, recognized, err := billingEventFromStripe(event)
	if err != nil {
		t.Fatalf("billingEventFromStripe returned error: %v", err)
	}
	if !recognized {
		t.Fatalf("customer.subscription.updated must be recognized")
	}
	if got.ExternalSubscriptionID != "sub_123" || got.ProviderStatus != "past_due" {
		t.Fatalf("unexpected subscription fields: %+v", got)
	}
	if !got.PeriodStart.Equal(periodStart) || !got.PeriodEnd.Equal(periodEnd) {
		t.Fatalf("unexpected period bounds: %v .. %v", got.PeriodStart, got.PeriodEnd)
	}
	if !got.CancelAtPeriodEnd {
		t.Fatalf("expected cancel_at_period_end to carry through")
	}
	if got.CanceledAt == nil {
		t.Fatalf("expected canceled_at to be set")
	}
	if got.ExternalPriceID != "price_starter" {
		t.Fatalf("expected price id from first item, got %q", got.ExternalPriceID)
	}
}

func TestBillingEventFromStripeInvoice(t *testing.T) {
	event := stripeEvent(t, "invoice.payment_failed", `{
		"subscription": {"id": "sub_123"},
		"customer": {"id": "cus_9"}
	}`)

	got, recognized, err := billingEventFromStripe(event)
	if err != nil {
		t.Fatalf("billingEventFromStripe returned error: %v", err)
	}
	if !recognized {
		t.Fatalf("invoice.payment_failed must be recognized")
	}
	if got.ExternalSubscriptionID != "sub_123" {
		t.Fatalf("expected subscription id from invoice, got %q", got.ExternalSubscriptionID)
	}
}

func TestBillingEventFromStripeUnknownType(t *testing.T) {
	event := stripeEvent(t, "customer.created", `{"id": "cus_9"}`)

	_, recognized, err := billingEventFromStripe(event)
	if err != nil {
		t.Fatalf("billingEventFromStripe returned error: %v", err)
	}
	if recognized {
		t.Fatalf("customer.created must not be recognized")
	}
}

func TestBillingEventFromStripeMalformedPayload(t *testing.T) {
	event := stripeEvent(t, "customer.subscription.updated", `{"id": 42}`)

	_, recognized, err := billingEventFromStripe(event)
	if err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
	if !recognized {
		t.Fatalf("a malformed payload of a known type is still recognized")
	}
}
