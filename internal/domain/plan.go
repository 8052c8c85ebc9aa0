/**
 * @description
 * This file defines the static plan catalog for the entitlement service.
 * It maps each plan tier to its usage quota and per-item generation limits.
 * The catalog is the single source of truth for what a tier allows; callers
 * must never re-derive a tier from usage_limit values or other numbers.
 */
package domain

import (
	"errors"
	"fmt"
)

// PlanType identifies a subscription tier.
type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanStarter PlanType = "starter"
	PlanPro     PlanType = "pro"
)

// ErrUnknownPlanType is returned for a plan value outside the closed tier set.
// Hitting it means a programming error, not bad user input.
var ErrUnknownPlanType = errors.New("unknown plan type")

// PlanLimits holds the entitlements granted by a plan tier.
type PlanLimits struct {
	UsageLimit      int `json:"usage_limit"`
	MaxTagsPerItem  int `json:"max_tags_per_item"`
	MaxWordsPerItem int `json:"max_words_per_item"`
	MaxBatchImages  int `json:"max_batch_images"`
}

// planCatalog maps subscription tiers to their limits. The mapping is fixed.
var planCatalog = map[PlanType]PlanLimits{
	PlanFree: {
		UsageLimit:      5,
		MaxTagsPerItem:  5,
		MaxWordsPerItem: 150,
		MaxBatchImages:  1,
	},
	PlanStarter: {
		UsageLimit:      50,
		MaxTagsPerItem:  10,
		MaxWordsPerItem: 300,
		MaxBatchImages:  2,
	},
	PlanPro: {
		UsageLimit:      200,
		MaxTagsPerItem:  15,
		MaxWordsPerItem: 500,
		MaxBatchImages:  10,
	},
}

// LimitsFor returns the catalog entry for a plan tier.
func LimitsFor(plan PlanType) (PlanLimits, error) {
	limits, ok := planCatalog[plan]
	if !ok {
		return PlanLimits{}, fmt.Errorf("%w: %q", ErrUnknownPlanType, plan)
	}
	return limits, nil
}

// ValidPlanType reports whether the given value is one of the known tiers.
func ValidPlanType(plan PlanType) bool {
	_, ok := planCatalog[plan]
	return ok
}
