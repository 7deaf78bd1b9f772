package model

import "time"

// PlanFree is the plan whose counters are always consumed first.
const PlanFree = "FREE"

// SubscriptionLimit holds the quota counters of one plan for an organization.
type SubscriptionLimit struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	PlanName       string    `json:"plan_name" db:"plan_name"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	DeployLimit    int       `json:"deploy_limit" db:"deploy_limit"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the billing period ended before now.
func (l *SubscriptionLimit) Expired(now time.Time) bool {
	return l.PeriodEnd.Before(now)
}

// QuotaCharge records which plan paid for a deployment. One row exists per
// deployment id, which makes deduction idempotent across redeliveries.
type QuotaCharge struct {
	DeploymentID   string    `json:"deployment_id" db:"deployment_id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	LimitID        string    `json:"limit_id" db:"limit_id"`
	PlanName       string    `json:"plan_name" db:"plan_name"`
	ChargedAt      time.Time `json:"charged_at" db:"charged_at"`
	// Replayed is set when the charge already existed and nothing was deducted.
	Replayed bool `json:"replayed" db:"-"`
}
