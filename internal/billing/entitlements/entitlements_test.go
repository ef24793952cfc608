package entitlements

import (
	"testing"
	"time"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

func tenantWith(plan registry.Plan, status registry.SubscriptionStatus) *registry.Tenant {
	return &registry.Tenant{
		ID:                 "t-TEST",
		Plan:               plan,
		SubscriptionStatus: status,
	}
}

func TestHasActiveSubscription(t *testing.T) {
	tests := []struct {
		status registry.SubscriptionStatus
		want   bool
	}{
		{registry.SubStatusActive, true},
		{registry.SubStatusTrialing, true},
		{registry.SubStatusPastDue, true}, // grace: features stay on while dunning runs
		{registry.SubStatusUnpaid, false},
		{registry.SubStatusCanceled, false},
		{registry.SubStatusIncomplete, false},
		{registry.SubStatusIncompleteExpired, false},
		{registry.SubStatusNone, false},
	}
	for _, tt := range tests {
		got := HasActiveSubscription(tenantWith(registry.PlanTeam, tt.status))
		if got != tt.want {
			t.Errorf("HasActiveSubscription(%q)=%v, want=%v", tt.status, got, tt.want)
		}
	}
}

func TestFeatureAllowed(t *testing.T) {
	tests := []struct {
		name    string
		plan    registry.Plan
		status  registry.SubscriptionStatus
		feature string
		want    bool
	}{
		{"free tier feature without subscription", registry.PlanFree, registry.SubStatusNone, FeatureTimeTracking, true},
		{"free plan cannot invoice", registry.PlanFree, registry.SubStatusNone, FeatureInvoicing, false},
		{"paid feature with active sub", registry.PlanSingleUser, registry.SubStatusActive, FeatureInvoicing, true},
		{"paid feature with lapsed sub", registry.PlanSingleUser, registry.SubStatusUnpaid, FeatureInvoicing, false},
		{"past_due keeps features during grace", registry.PlanTeam, registry.SubStatusPastDue, FeatureAPIAccess, true},
		{"plan too low for feature", registry.PlanSingleUser, registry.SubStatusActive, FeatureAPIAccess, false},
		{"enterprise gets sso", registry.PlanEnterprise, registry.SubStatusActive, FeatureSSO, true},
		{"team does not get sso", registry.PlanTeam, registry.SubStatusActive, FeatureSSO, false},
		{"unknown feature fails closed", registry.PlanEnterprise, registry.SubStatusActive, "teleportation", false},
		{"free features survive canceled sub", registry.PlanTeam, registry.SubStatusCanceled, FeatureReports, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FeatureAllowed(tenantWith(tt.plan, tt.status), tt.feature)
			if got != tt.want {
				t.Errorf("FeatureAllowed(%q/%q, %q)=%v, want=%v", tt.plan, tt.status, tt.feature, got, tt.want)
			}
		})
	}
}

func TestTrialDaysRemaining(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tenant := tenantWith(registry.PlanTeam, registry.SubStatusTrialing)
	end := now.Add(36 * time.Hour)
	tenant.TrialEndsAt = &end

	if !IsOnTrialAt(tenant, now) {
		t.Fatal("expected tenant on trial")
	}
	// 1.5 days remaining rounds up to 2.
	if got := TrialDaysRemainingAt(tenant, now); got != 2 {
		t.Errorf("TrialDaysRemainingAt=%d, want=2", got)
	}

	expired := now.Add(-time.Hour)
	tenant.TrialEndsAt = &expired
	if IsOnTrialAt(tenant, now) {
		t.Error("trial should be over once trial_ends_at passes")
	}
	if got := TrialDaysRemainingAt(tenant, now); got != 0 {
		t.Errorf("TrialDaysRemainingAt after expiry=%d, want=0", got)
	}

	tenant.TrialEndsAt = &end
	tenant.SubscriptionStatus = registry.SubStatusActive
	if IsOnTrialAt(tenant, now) || TrialDaysRemainingAt(tenant, now) != 0 {
		t.Error("non-trialing status must not count as on trial")
	}
}

func TestHasBillingIssue(t *testing.T) {
	tenant := tenantWith(registry.PlanTeam, registry.SubStatusActive)
	if HasBillingIssue(tenant) {
		t.Error("healthy tenant reported a billing issue")
	}
	since := time.Now().UTC()
	tenant.BillingIssueSince = &since
	if !HasBillingIssue(tenant) {
		t.Error("billing_issue_since set but not reported")
	}
}

func TestPlanAtLeast(t *testing.T) {
	tenant := tenantWith(registry.PlanTeam, registry.SubStatusActive)
	if !PlanAtLeast(tenant, registry.PlanSingleUser) {
		t.Error("team should rank above single_user")
	}
	if PlanAtLeast(tenant, registry.PlanEnterprise) {
		t.Error("team should not rank above enterprise")
	}
}

func TestSeatLimit(t *testing.T) {
	tests := []struct {
		plan registry.Plan
		want int
	}{
		{registry.PlanFree, 1},
		{registry.PlanSingleUser, 1},
		{registry.PlanTeam, 50},
		{registry.PlanEnterprise, 0},
	}
	for _, tt := range tests {
		if got := SeatLimit(tt.plan); got != tt.want {
			t.Errorf("SeatLimit(%q)=%d, want=%d", tt.plan, got, tt.want)
		}
	}
}
