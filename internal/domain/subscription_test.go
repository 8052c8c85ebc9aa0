package domain

import "testing"

func TestStatusFromProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     SubscriptionStatus
	}{
		{provider: "active", want: SubscriptionActive},
		{provider: "trialing", want: SubscriptionActive},
		// past_due and unpaid retain access; revocation happens after the
		// payment grace period elapses, not on the first failed invoice.
		{provider: "past_due", want: SubscriptionActive},
		{provider: "unpaid", want: SubscriptionActive},
		{provider: "canceled", want: SubscriptionCanceled},
		{provider: "incomplete", want: SubscriptionExpired},
		{provider: "incomplete_expired", want: SubscriptionExpired},
		{provider: "", want: SubscriptionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			got := StatusFromProvider(tt.provider)
			if got != tt.want {
				t.Fatalf("StatusFromProvider(%q): expected %q, got %q", tt.provider, tt.want, got)
			}
		})
	}
}

func TestSubscriptionIsPaid(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{name: "active pro is paid", sub: Subscription{PlanType: PlanPro, Status: SubscriptionActive}, want: true},
		{name: "active starter is paid", sub: Subscription{PlanType: PlanStarter, Status: SubscriptionActive}, want: true},
		{name: "active free is not paid", sub: Subscription{PlanType: PlanFree, Status: SubscriptionActive}, want: false},
		{name: "expired pro is not paid", sub: Subscription{PlanType: PlanPro, Status: SubscriptionExpired}, want: false},
		{name: "canceled starter is not paid", sub: Subscription{PlanType: PlanStarter, Status: SubscriptionCanceled}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.IsPaid(); got != tt.want {
				t.Fatalf("expected IsPaid=%t, got %t", tt.want, got)
			}
		})
	}
}
