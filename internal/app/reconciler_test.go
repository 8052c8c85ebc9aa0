package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seosnap/entitlement-service/internal/domain"
	"github.com/seosnap/entitlement-service/internal/store"
)

type reconcilerStoreStub struct {
	reconciled      []*domain.Subscription
	reconcileErr    error
	revertedSubs    []string
	revertSubErr    error
	revertedUsers   []string
	revertPeriodEnd time.Time
	paymentsOK      []string
	paymentsPastDue []string
	customerIDs     map[string]string
	customerIDErr   error
}

func (s *reconcilerStoreStub) ReconcileSubscription(_ context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if s.reconcileErr != nil {
		return nil, s.reconcileErr
	}
	s.reconciled = append(s.reconciled, sub)
	return sub, nil
}

func (s *reconcilerStoreStub) RevertSubscriptionToFree(_ context.Context, externalID string, _, freePeriodEnd time.Time) error {
	if s.revertSubErr != nil {
		return s.revertSubErr
	}
	s.revertedSubs = append(s.revertedSubs, externalID)
	s.revertPeriodEnd = freePeriodEnd
	return nil
}

func (s *reconcilerStoreStub) RevertUserToFree(_ context.Context, userID string, _, freePeriodEnd time.Time) error {
	s.revertedUsers = append(s.revertedUsers, userID)
	s.revertPeriodEnd = freePeriodEnd
	return nil
}

func (s *reconcilerStoreStub) MarkPaymentSucceeded(_ context.Context, externalID string) error {
	s.paymentsOK = append(s.paymentsOK, externalID)
	return nil
}

func (s *reconcilerStoreStub) MarkPaymentPastDue(_ context.Context, externalID string, _ time.Time) error {
	s.paymentsPastDue = append(s.paymentsPastDue, externalID)
	return nil
}

func (s *reconcilerStoreStub) SetUserExternalCustomerID(_ context.Context, userID, customerID string) error {
	if s.customerIDErr != nil {
		return s.customerIDErr
	}
	if s.customerIDs == nil {
		s.customerIDs = make(map[string]string)
	}
	s.customerIDs[userID] = customerID
	return nil
}

type fetcherStub struct {
	sub *domain.ProviderSubscription
	err error
}

func (f *fetcherStub) GetSubscription(_ context.Context, _ string) (*domain.ProviderSubscription, error) {
	return f.sub, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleCheckoutCompletedReconcilesProviderState(t *testing.T) {
	storeStub := &reconcilerStoreStub{}
	fetcher := &fetcherStub{
		sub: &domain.ProviderSubscription{
			ID:          "sub_123",
			Status:      "active",
			PriceID:     "price_pro",
			PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	r := NewReconciler(storeStub, fetcher, testLogger(), 0)

	err := r.HandleEvent(context.Background(), domain.BillingEvent{
		Type:                   domain.EventCheckoutCompleted,
		UserID:                 "user-1",
		PlanType:               domain.PlanPro,
		CheckoutMode:           "subscription",
		ExternalSubscriptionID: "sub_123",
		ExternalCustomerID:     "cus_9",
	})
	if err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if len(storeStub.reconciled) != 1 {
		t.Fatalf("expected 1 reconcile call, got %d", len(storeStub.reconciled))
	}
	applied := storeStub.reconciled[0]
	if applied.UserID != "user-1" || applied.PlanType != domain.PlanPro {
		t.Fatalf("unexpected reconciled subscription: %+v", applied)
	}
	if applied.Status != domain.SubscriptionActive {
		t.Fatalf("expected active status, got %q", applied.Status)
	}
	if applied.ExternalSubscriptionID == nil || *applied.ExternalSubscriptionID != "sub_123" {
		t.Fatalf("expected external id sub_123, got %v", applied.ExternalSubscriptionID)
	}
	if got := storeStub.customerIDs["user-1"]; got != "cus_9" {
		t.Fatalf("expected customer id cus_9 stored, got %q", got)
	}
}

func TestHandleCheckoutCompletedMissingMetadataIsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		event domain.BillingEvent
	}{
		{
			name:  "missing user id",
			event: domain.BillingEvent{Type: domain.EventCheckoutCompleted, PlanType: domain.PlanPro},
		},
		{
			name:  "missing plan type",
			event: domain.BillingEvent{Type: domain.EventCheckoutCompleted, UserID: "user-1"},
		},
		{
			name: "unknown plan type",
			event: domain.BillingEvent{
				Type: domain.EventCheckoutCompleted, UserID: "user-1", PlanType: domain.PlanType("mega"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storeStub := &reconcilerStoreStub{}
			r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

			err := r.HandleEvent(context.Background(), tt.event)
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
			if len(storeStub.reconciled) != 0 {
				t.Fatalf("malformed event must not write, got %d writes", len(storeStub.reconciled))
			}
		})
	}
}

func TestHandleCheckoutCompletedSkipsOneTimePayment(t *testing.T) {
	storeStub := &reconcilerStoreStub{}
	r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

	err := r.HandleEvent(context.Background(), domain.BillingEvent{
		Type:         domain.EventCheckoutCompleted,
		UserID:       "user-1",
		PlanType:     domain.PlanStarter,
		CheckoutMode: "payment",
	})
	if err != nil {
		t.Fatalf("expected one-time checkout to be a no-op, got %v", err)
	}
	if len(storeStub.reconciled) != 0 {
		t.Fatalf("one-time payment must not reconcile, got %d writes", len(storeStub.reconciled))
	}
}

func TestHandleCheckoutCompletedPropagatesProviderFailure(t *testing.T) {
	storeStub := &reconcilerStoreStub{}
	fetcher := &fetcherStub{err: errors.New("provider unavailable")}
	r := NewReconciler(storeStub, fetcher, testLogger(), 0)

	err := r.HandleEvent(context.Background(), domain.BillingEvent{
		Type:                   domain.EventCheckoutCompleted,
		UserID:                 "user-1",
		PlanType:               domain.PlanPro,
		ExternalSubscriptionID: "sub_123",
	})
	if err == nil || errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}

func TestHandleCheckoutCompletedToleratesCustomerIDWriteFailure(t *testing.T) {
	storeStub := &reconcilerStoreStub{customerIDErr: errors.New("write failed")}
	fetcher := &fetcherStub{sub: &domain.ProviderSubscription{ID: "sub_123", Status: "active"}}
	r := NewReconciler(storeStub, fetcher, testLogger(), 0)

	err := r.HandleEvent(context.Background(), domain.BillingEvent{
		Type:                   domain.EventCheckoutCompleted,
		UserID:                 "user-1",
		PlanType:               domain.PlanPro,
		ExternalSubscriptionID: "sub_123",
		ExternalCustomerID:     "cus_9",
	})
	if err != nil {
		t.Fatalf("customer id write failure must not fail the event, got %v", err)
	}
	if len(storeStub.reconciled) != 1 {
		t.Fatalf("expected entitlement write to have committed")
	}
}

func TestHandleSubscriptionUpdatedMapsProviderStatus(t *testing.T) {
	tests := []struct {
		providerStatus string
		want           domain.SubscriptionStatus
	}{
		{providerStatus: "active", want: domain.SubscriptionActive},
		{providerStatus: "past_due", want: domain.SubscriptionActive},
		{providerStatus: "canceled", want: domain.SubscriptionCanceled},
		{providerStatus: "incomplete_expired", want: domain.SubscriptionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.providerStatus, func(t *testing.T) {
			storeStub := &reconcilerStoreStub{}
			r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

			err := r.HandleEvent(context.Background(), domain.BillingEvent{
				Type:                   domain.EventSubscriptionUpdated,
				ExternalSubscriptionID: "sub_123",
				ProviderStatus:         tt.providerStatus,
			})
			if err != nil {
				t.Fatalf("HandleEvent returned error: %v", err)
			}
			if len(storeStub.reconciled) != 1 {
				t.Fatalf("expected 1 reconcile call, got %d", len(storeStub.reconciled))
			}
			if got := storeStub.reconciled[0].Status; got != tt.want {
				t.Fatalf("expected status %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHandleSubscriptionUpdatedReplayIsIdempotent(t *testing.T) {
	storeStub := &reconcilerStoreStub{}
	r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

	event := domain.BillingEvent{
		Type:                   domain.EventSubscriptionUpdated,
		ExternalSubscriptionID: "sub_123",
		UserID:                 "user-1",
		PlanType:               domain.PlanStarter,
		ProviderStatus:         "active",
		PeriodStart:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:              time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	for i := 0; i < 3; i++ {
		if err := r.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("replay %d returned error: %v", i, err)
		}
	}

	// Every replay writes the same absolute state; nothing accumulates.
	if len(storeStub.reconciled) != 3 {
		t.Fatalf("expected 3 identical writes, got %d", len(storeStub.reconciled))
	}
	for _, sub := range storeStub.reconciled {
		if sub.PlanType != domain.PlanStarter || sub.Status != domain.SubscriptionActive {
			t.Fatalf("replayed write diverged: %+v", sub)
		}
		if !sub.CurrentPeriodEnd.Equal(event.PeriodEnd) {
			t.Fatalf("expected period end %v, got %v", event.PeriodEnd, sub.CurrentPeriodEnd)
		}
	}
}

func TestHandleSubscriptionUpdatedUnknownSubscriptionIsMalformed(t *testing.T) {
	storeStub := &reconcilerStoreStub{reconcileErr: store.ErrSubscriptionNotFound}
	r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

	err := r.HandleEvent(context.Background(), domain.BillingEvent{
		Type:                   domain.EventSubscriptionUpdated,
		ExternalSubscriptionID: "sub_unknown",
		ProviderStatus:         "active",
	})
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent for unknown subscription, got %v", err)
	}
}

func TestHandleSubscriptionDeleted(t *testing.T) {
	t.Run("by external id", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		event := domain.BillingEvent{
			Type:                   domain.EventSubscriptionDeleted,
			ExternalSubscriptionID: "sub_123",
		}
		if err := r.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("HandleEvent returned error: %v", err)
		}
		// Re-delivery of the terminal event stays a no-op.
		if err := r.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("replayed deletion returned error: %v", err)
		}
		if len(storeStub.revertedSubs) != 2 || storeStub.revertedSubs[0] != "sub_123" {
			t.Fatalf("unexpected revert calls: %v", storeStub.revertedSubs)
		}
	})

	t.Run("falls back to user id", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		err := r.HandleEvent(context.Background(), domain.BillingEvent{
			Type:   domain.EventSubscriptionDeleted,
			UserID: "user-1",
		})
		if err != nil {
			t.Fatalf("HandleEvent returned error: %v", err)
		}
		if len(storeStub.revertedUsers) != 1 || storeStub.revertedUsers[0] != "user-1" {
			t.Fatalf("unexpected user revert calls: %v", storeStub.revertedUsers)
		}
	})

	t.Run("starts a fresh free period", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		err := r.HandleEvent(context.Background(), domain.BillingEvent{
			Type:                   domain.EventSubscriptionDeleted,
			ExternalSubscriptionID: "sub_123",
		})
		if err != nil {
			t.Fatalf("HandleEvent returned error: %v", err)
		}
		want := time.Now().Add(30 * 24 * time.Hour)
		if diff := storeStub.revertPeriodEnd.Sub(want); diff < -time.Minute || diff > time.Minute {
			t.Fatalf("expected free period to end ~30 days out, got %v", storeStub.revertPeriodEnd)
		}
	})

	t.Run("without any id is malformed", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		err := r.HandleEvent(context.Background(), domain.BillingEvent{Type: domain.EventSubscriptionDeleted})
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent, got %v", err)
		}
	})
}

func TestHandlePaymentEvents(t *testing.T) {
	t.Run("failure stamps past due without revoking", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		err := r.HandleEvent(context.Background(), domain.BillingEvent{
			Type:                   domain.EventPaymentFailed,
			ExternalSubscriptionID: "sub_123",
		})
		if err != nil {
			t.Fatalf("HandleEvent returned error: %v", err)
		}
		if len(storeStub.paymentsPastDue) != 1 || storeStub.paymentsPastDue[0] != "sub_123" {
			t.Fatalf("expected past-due stamp for sub_123, got %v", storeStub.paymentsPastDue)
		}
		if len(storeStub.revertedSubs) != 0 && len(storeStub.revertedUsers) != 0 {
			t.Fatalf("payment failure must not revoke access")
		}
	})

	t.Run("success clears past due", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		err := r.HandleEvent(context.Background(), domain.BillingEvent{
			Type:                   domain.EventPaymentSucceeded,
			ExternalSubscriptionID: "sub_123",
		})
		if err != nil {
			t.Fatalf("HandleEvent returned error: %v", err)
		}
		if len(storeStub.paymentsOK) != 1 {
			t.Fatalf("expected payment success recorded, got %v", storeStub.paymentsOK)
		}
	})

	t.Run("invoice without subscription is ignored", func(t *testing.T) {
		storeStub := &reconcilerStoreStub{}
		r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

		if err := r.HandleEvent(context.Background(), domain.BillingEvent{Type: domain.EventPaymentFailed}); err != nil {
			t.Fatalf("HandleEvent returned error: %v", err)
		}
		if len(storeStub.paymentsPastDue) != 0 {
			t.Fatalf("expected no past-due stamp, got %v", storeStub.paymentsPastDue)
		}
	})
}

func TestHandleEventIgnoresUnknownType(t *testing.T) {
	storeStub := &reconcilerStoreStub{}
	r := NewReconciler(storeStub, &fetcherStub{}, testLogger(), 0)

	if err := r.HandleEvent(context.Background(), domain.BillingEvent{Type: "customer.created"}); err != nil {
		t.Fatalf("unknown event type must be ignored, got %v", err)
	}
	if len(storeStub.reconciled) != 0 {
		t.Fatalf("unknown event must not write")
	}
}
