package domain

import (
	"errors"
	"testing"
)

func TestLimitsForCatalogValues(t *testing.T) {
	tests := []struct {
		plan PlanType
		want PlanLimits
	}{
		{plan: PlanFree, want: PlanLimits{UsageLimit: 5, MaxTagsPerItem: 5, MaxWordsPerItem: 150, MaxBatchImages: 1}},
		{plan: PlanStarter, want: PlanLimits{UsageLimit: 50, MaxTagsPerItem: 10, MaxWordsPerItem: 300, MaxBatchImages: 2}},
		{plan: PlanPro, want: PlanLimits{UsageLimit: 200, MaxTagsPerItem: 15, MaxWordsPerItem: 500, MaxBatchImages: 10}},
	}

	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			got, err := LimitsFor(tt.plan)
			if err != nil {
				t.Fatalf("LimitsFor(%q) returned error: %v", tt.plan, err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestLimitsForRejectsUnknownPlan(t *testing.T) {
	_, err := LimitsFor(PlanType("enterprise"))
	if !errors.Is(err, ErrUnknownPlanType) {
		t.Fatalf("expected ErrUnknownPlanType, got %v", err)
	}
}

func TestValidPlanType(t *testing.T) {
	tests := []struct {
		plan PlanType
		want bool
	}{
		{plan: PlanFree, want: true},
		{plan: PlanStarter, want: true},
		{plan: PlanPro, want: true},
		{plan: PlanType(""), want: false},
		{plan: PlanType("Pro"), want: false},
	}

	for _, tt := range tests {
		if got := ValidPlanType(tt.plan); got != tt.want {
			t.Fatalf("ValidPlanType(%q): expected %t, got %t", tt.plan, tt.want, got)
		}
	}
}
