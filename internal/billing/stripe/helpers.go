package stripe

import (
	"strings"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// MapSubscriptionStatus converts a provider subscription status string to
// the internal SubscriptionStatus. Unknown statuses fail closed.
func MapSubscriptionStatus(status string) registry.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return registry.SubStatusActive
	case "trialing":
		return registry.SubStatusTrialing
	case "past_due":
		return registry.SubStatusPastDue
	case "unpaid":
		return registry.SubStatusUnpaid
	case "canceled":
		return registry.SubStatusCanceled
	case "incomplete":
		return registry.SubStatusIncomplete
	case "incomplete_expired":
		return registry.SubStatusIncompleteExpired
	default:
		// Fail closed: unknown status should not grant paid features.
		return registry.SubStatusIncompleteExpired
	}
}

// BillingIssueStatus reports whether the status represents an unrecovered
// payment failure.
func BillingIssueStatus(status registry.SubscriptionStatus) bool {
	return status == registry.SubStatusPastDue || status == registry.SubStatusUnpaid
}

// IsSafeStripeID validates that a provider ID (cus_..., sub_..., evt_...)
// is safe for use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// DerivePlan extracts a plan from event or price metadata, falling back to
// the tenant's current plan. Price metadata is the authoritative mapping
// from provider price objects to application plans.
func DerivePlan(metadata map[string]string, fallback registry.Plan) registry.Plan {
	if metadata != nil {
		if v := registry.Plan(strings.ToLower(strings.TrimSpace(metadata["plan"]))); v.Valid() {
			return v
		}
	}
	return fallback
}
