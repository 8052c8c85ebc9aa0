/**
 * @description
 * This file defines the user entitlement record and the derived entitlement
 * status DTO returned to the generation front-end.
 */
package domain

import "time"

// User represents a user's entitlement record in the database.
// usage_limit is always derived from the plan catalog; it is never set
// independently.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	IsPremium          bool      `json:"is_premium"`
	UsageCount         int       `json:"usage_count"`
	UsageLimit         int       `json:"usage_limit"`
	ExternalCustomerID *string   `json:"stripe_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EntitlementStatus is the derived view of what a user may do right now.
// Plan identity comes from the authoritative subscription row, never from
// numeric thresholds.
type EntitlementStatus struct {
	Plan              PlanType   `json:"plan"`
	IsPremium         bool       `json:"is_premium"`
	UsageCount        int        `json:"usage_count"`
	UsageLimit        int        `json:"usage_limit"`
	UsageRemaining    int        `json:"usage_remaining"`
	Limits            PlanLimits `json:"limits"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}
