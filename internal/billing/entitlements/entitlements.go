// Package entitlements answers feature-access questions from a tenant's
// last-synchronized subscription snapshot. Everything here is a pure
// function: no I/O, no provider calls, bounded staleness accepted so a
// request is never blocked on an external call.
package entitlements

import (
	"time"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// Feature constants represent gated features in the application.
const (
	FeatureTimeTracking   = "time_tracking"
	FeatureInvoicing      = "invoicing"
	FeatureReports        = "reports"
	FeatureKanban         = "kanban"
	FeatureAPIAccess      = "api_access"
	FeatureProjectBudgets = "project_budgets"
	FeatureCustomBranding = "custom_branding"
	FeatureAuditLog       = "audit_log"
	FeatureSSO            = "sso"
)

// AllFeatures returns every gated feature, in gate order.
func AllFeatures() []string {
	return []string{
		FeatureTimeTracking,
		FeatureReports,
		FeatureInvoicing,
		FeatureKanban,
		FeatureAPIAccess,
		FeatureProjectBudgets,
		FeatureCustomBranding,
		FeatureAuditLog,
		FeatureSSO,
	}
}

// planRank orders plans for PlanAtLeast comparisons.
var planRank = map[registry.Plan]int{
	registry.PlanFree:       0,
	registry.PlanSingleUser: 1,
	registry.PlanTeam:       2,
	registry.PlanEnterprise: 3,
}

// featureMinPlan is the static allow-list: the lowest plan that unlocks
// each feature.
var featureMinPlan = map[string]registry.Plan{
	FeatureTimeTracking:   registry.PlanFree,
	FeatureReports:        registry.PlanFree,
	FeatureInvoicing:      registry.PlanSingleUser,
	FeatureKanban:         registry.PlanSingleUser,
	FeatureAPIAccess:      registry.PlanTeam,
	FeatureProjectBudgets: registry.PlanTeam,
	FeatureCustomBranding: registry.PlanEnterprise,
	FeatureAuditLog:       registry.PlanEnterprise,
	FeatureSSO:            registry.PlanEnterprise,
}

// planSeatLimits defines the maximum active memberships per plan.
// A value of 0 means unlimited.
var planSeatLimits = map[registry.Plan]int{
	registry.PlanFree:       1,
	registry.PlanSingleUser: 1,
	registry.PlanTeam:       50,
	registry.PlanEnterprise: 0,
}

// HasActiveSubscription reports whether the tenant's subscription grants
// paid features right now. Grace states (past_due) keep features with a
// warning; terminal states do not.
func HasActiveSubscription(t *registry.Tenant) bool {
	if t == nil {
		return false
	}
	switch t.SubscriptionStatus {
	case registry.SubStatusActive, registry.SubStatusTrialing, registry.SubStatusPastDue:
		return true
	default:
		return false
	}
}

// HasBillingIssue reports whether a payment failure has been observed and
// not yet recovered.
func HasBillingIssue(t *registry.Tenant) bool {
	return t != nil && t.BillingIssueSince != nil
}

// IsOnTrial reports whether the tenant is inside its trial window.
func IsOnTrial(t *registry.Tenant) bool {
	return IsOnTrialAt(t, time.Now().UTC())
}

// IsOnTrialAt is IsOnTrial evaluated at a fixed instant.
func IsOnTrialAt(t *registry.Tenant, now time.Time) bool {
	if t == nil {
		return false
	}
	if t.SubscriptionStatus != registry.SubStatusTrialing {
		return false
	}
	return t.TrialEndsAt == nil || t.TrialEndsAt.After(now)
}

// TrialDaysRemaining returns whole days left in the trial, zero once the
// trial has ended or if the tenant is not trialing.
func TrialDaysRemaining(t *registry.Tenant) int {
	return TrialDaysRemainingAt(t, time.Now().UTC())
}

// TrialDaysRemainingAt is TrialDaysRemaining evaluated at a fixed instant.
func TrialDaysRemainingAt(t *registry.Tenant, now time.Time) int {
	if t == nil || t.TrialEndsAt == nil || t.SubscriptionStatus != registry.SubStatusTrialing {
		return 0
	}
	remaining := t.TrialEndsAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// PlanAtLeast reports whether the tenant's plan ranks at or above minPlan.
func PlanAtLeast(t *registry.Tenant, minPlan registry.Plan) bool {
	if t == nil {
		return false
	}
	rank, ok := planRank[t.Plan]
	minRank, minOK := planRank[minPlan]
	if !ok || !minOK {
		return false
	}
	return rank >= minRank
}

// FeatureAllowed reports whether the named feature is available to the
// tenant. Unknown features fail closed. Paid features additionally require
// an active subscription, except on the free plan where no subscription
// exists.
func FeatureAllowed(t *registry.Tenant, feature string) bool {
	if t == nil {
		return false
	}
	minPlan, ok := featureMinPlan[feature]
	if !ok {
		return false
	}
	if !PlanAtLeast(t, minPlan) {
		return false
	}
	if minPlan == registry.PlanFree {
		return true
	}
	return HasActiveSubscription(t)
}

// SeatLimit returns the maximum active memberships allowed on the plan.
// Zero means unlimited.
func SeatLimit(plan registry.Plan) int {
	return planSeatLimits[plan]
}
