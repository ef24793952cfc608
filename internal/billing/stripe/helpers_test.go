package stripe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		in   string
		want registry.SubscriptionStatus
	}{
		{"active", registry.SubStatusActive},
		{"trialing", registry.SubStatusTrialing},
		{"past_due", registry.SubStatusPastDue},
		{"unpaid", registry.SubStatusUnpaid},
		{"canceled", registry.SubStatusCanceled},
		{"incomplete", registry.SubStatusIncomplete},
		{"incomplete_expired", registry.SubStatusIncompleteExpired},
		{" Active ", registry.SubStatusActive},
		{"paused", registry.SubStatusIncompleteExpired}, // unknown fails closed
		{"", registry.SubStatusIncompleteExpired},
	}
	for _, tt := range tests {
		if got := MapSubscriptionStatus(tt.in); got != tt.want {
			t.Errorf("MapSubscriptionStatus(%q)=%q, want=%q", tt.in, got, tt.want)
		}
	}
}

func TestIsSafeStripeID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"cus_NffrFeUfNV2Hib", true},
		{"sub_1MowQVLkdIwHu7ix", true},
		{"evt_1-with-dash", true},
		{"ab", false},
		{"", false},
		{"cus_123; DROP TABLE tenants", false},
		{"cus_<script>", false},
	}
	for _, tt := range tests {
		if got := IsSafeStripeID(tt.id); got != tt.want {
			t.Errorf("IsSafeStripeID(%q)=%v, want=%v", tt.id, got, tt.want)
		}
	}
}

func TestDerivePlan(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		fallback registry.Plan
		want     registry.Plan
	}{
		{"explicit plan", map[string]string{"plan": "team"}, registry.PlanFree, registry.PlanTeam},
		{"case folded", map[string]string{"plan": " Enterprise "}, registry.PlanFree, registry.PlanEnterprise},
		{"unknown plan keeps fallback", map[string]string{"plan": "platinum"}, registry.PlanTeam, registry.PlanTeam},
		{"missing key keeps fallback", map[string]string{}, registry.PlanSingleUser, registry.PlanSingleUser},
		{"nil metadata keeps fallback", nil, registry.PlanFree, registry.PlanFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePlan(tt.metadata, tt.fallback); got != tt.want {
				t.Errorf("DerivePlan=%q, want=%q", got, tt.want)
			}
		})
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindUnavailable},
		{"resource missing", &stripelib.Error{Code: stripelib.ErrorCodeResourceMissing, HTTPStatusCode: 404}, KindNotFound},
		{"card declined", &stripelib.Error{Code: stripelib.ErrorCodeCardDeclined, HTTPStatusCode: 402}, KindRejected},
		{"server error", &stripelib.Error{HTTPStatusCode: 500}, KindUnavailable},
		{"transport", errors.New("connection refused"), KindUnavailable},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError("gateway.Test", tt.err)
			if got.Kind != tt.want {
				t.Errorf("translateError kind=%q, want=%q", got.Kind, tt.want)
			}
			if !IsKind(got, tt.want) {
				t.Error("IsKind disagrees with the translated kind")
			}
		})
	}
	if translateError("gateway.Test", nil) != nil {
		t.Error("nil error must translate to nil")
	}
}

func TestIsKindRejectsOtherErrors(t *testing.T) {
	if IsKind(errors.New("plain"), KindTimeout) {
		t.Error("plain errors are never gateway kinds")
	}
	err := newError("gateway.Op", KindNoSubscription, "tenant has no remote subscription")
	if !IsKind(err, KindNoSubscription) || IsKind(err, KindTimeout) {
		t.Error("kind matching is exact")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !IsKind(wrapped, KindNoSubscription) {
		t.Error("IsKind must see through wrapping")
	}
}
