/**
 * @description
 * This package provides the outbound client for the billing provider
 * (Stripe). It encapsulates fetching authoritative subscription state,
 * creating or reusing customers, and opening checkout and billing-portal
 * sessions.
 *
 * @notes
 * - Requests are bounded: every call carries the caller's context and the
 *   backend is configured with a network retry budget, so transient provider
 *   faults surface as errors for the caller's own retry path (webhook
 *   redelivery, next sweep tick) instead of hanging.
 * - Provider faults form their own domain: ErrNotFound distinguishes a
 *   missing resource from transient failures.
 */
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"

	"github.com/seosnap/entitlement-service/internal/domain"
)

// ErrNotFound is returned when the provider has no resource with the given id.
var ErrNotFound = errors.New("billing resource not found")

// Client is a client for the Stripe billing API.
type Client struct{}

// NewClient configures the Stripe SDK and returns a client. The SDK retries
// transient network failures with backoff up to the configured budget.
func NewClient(apiKey string) *Client {
	stripe.Key = apiKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(2),
	}))
	return &Client{}
}

// GetSubscription fetches the authoritative current state of a subscription.
func (c *Client) GetSubscription(ctx context.Context, externalID string) (*domain.ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddExpand("items.data.price")

	sub, err := subscription.Get(externalID, params)
	if err != nil {
		return nil, wrapStripeError("get subscription", err)
	}
	return providerSubscriptionFromStripe(sub), nil
}

// EnsureCustomer returns the id of an existing provider customer, verifying
// it still exists, or creates a new one carrying the user id in metadata.
func (c *Client) EnsureCustomer(ctx context.Context, userID, email, name string, existingID *string) (string, error) {
	if existingID != nil && *existingID != "" {
		params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
		cust, err := customer.Get(*existingID, params)
		if err == nil && !cust.Deleted {
			return cust.ID, nil
		}
		if err != nil && !errors.Is(wrapStripeError("get customer", err), ErrNotFound) {
			return "", wrapStripeError("get customer", err)
		}
		// Stale reference; fall through and create a fresh customer.
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
		Name:   stripe.String(name),
	}
	params.AddMetadata("user_id", userID)

	cust, err := customer.New(params)
	if err != nil {
		return "", wrapStripeError("create customer", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession opens a subscription-mode checkout session. The user
// id and plan type travel in both the session metadata and the subscription
// metadata, so every later webhook about the subscription can be keyed back
// to the user.
func (c *Client) CreateCheckoutSession(ctx context.Context, p domain.CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id":   p.UserID,
				"plan_type": string(p.PlanType),
			},
		},
	}
	params.AddMetadata("user_id", p.UserID)
	params.AddMetadata("plan_type", string(p.PlanType))

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", wrapStripeError("create checkout session", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens a billing-portal session for a customer.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}

	sess, err := portalsession.New(params)
	if err != nil {
		return "", wrapStripeError("create portal session", err)
	}
	return sess.URL, nil
}

// SetCancelAtPeriodEnd mirrors the cancel-at-period-end flag to the provider.
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) error {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	if _, err := subscription.Update(externalID, params); err != nil {
		return wrapStripeError("update subscription", err)
	}
	return nil
}

func providerSubscriptionFromStripe(sub *stripe.Subscription) *domain.ProviderSubscription {
	out := &domain.ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		PeriodStart:       unixTime(sub.CurrentPeriodStart),
		PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := unixTime(sub.CanceledAt)
		out.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
