/**
 * @description
 * Operator-facing report DTOs: the sweep result summary and the read-only
 * subscription health snapshot.
 */
package domain

import "time"

// SweepReport summarizes one run of the expiry sweeper.
type SweepReport struct {
	Skipped          bool      `json:"skipped"`
	ExpiredProcessed int       `json:"expired_processed"`
	ExpiredErrored   int       `json:"expired_errored"`
	RepairedUsers    int       `json:"repaired_users"`
	RepairErrored    int       `json:"repair_errored"`
	CoveredUsers     int       `json:"covered_users"`
	CoverageErrored  int       `json:"coverage_errored"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// HealthReport is the diagnostic aggregation consumed by operators.
type HealthReport struct {
	OverdueSubscriptions int              `json:"overdue_subscriptions"`
	InconsistentUsers    int              `json:"inconsistent_users"`
	ExpiringWithin7Days  int              `json:"expiring_within_7_days"`
	ActiveByPlan         map[PlanType]int `json:"active_by_plan"`
	GeneratedAt          time.Time        `json:"generated_at"`
}
