package stripe

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

const (
	// DefaultBillingIssueGrace is how long a tenant may stay past_due
	// before being demoted to unpaid locally, even if the provider never
	// sends the corresponding status transition.
	DefaultBillingIssueGrace = 14 * 24 * time.Hour

	// DefaultEnforcerInterval is how often the enforcer scans.
	DefaultEnforcerInterval = time.Hour
)

// BillingIssueEnforcer periodically demotes tenants whose billing issue
// has outlived the grace window. It is a local safety net: the provider's
// own dunning flow normally emits the unpaid transition first, and the
// demotion here is overwritten by any later authoritative webhook.
type BillingIssueEnforcer struct {
	registry *registry.Registry
	grace    time.Duration
	interval time.Duration
}

// NewBillingIssueEnforcer creates an enforcer. Non-positive grace or
// interval select the defaults.
func NewBillingIssueEnforcer(reg *registry.Registry, grace, interval time.Duration) *BillingIssueEnforcer {
	if grace <= 0 {
		grace = DefaultBillingIssueGrace
	}
	if interval <= 0 {
		interval = DefaultEnforcerInterval
	}
	return &BillingIssueEnforcer{
		registry: reg,
		grace:    grace,
		interval: interval,
	}
}

// Run scans on a ticker until the context is canceled.
func (e *BillingIssueEnforcer) Run(ctx context.Context) {
	log.Info().
		Dur("grace", e.grace).
		Dur("interval", e.interval).
		Msg("Billing issue enforcer started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.sweep()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Billing issue enforcer stopped")
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *BillingIssueEnforcer) sweep() {
	cutoff := time.Now().UTC().Add(-e.grace)
	tenants, err := e.registry.ListTenantsWithBillingIssueSince(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Billing issue sweep failed to list tenants")
		return
	}

	for _, t := range tenants {
		if t.SubscriptionStatus != registry.SubStatusPastDue {
			continue
		}
		t.SubscriptionStatus = registry.SubStatusUnpaid
		if err := e.registry.UpdateTenant(t); err != nil {
			log.Error().Err(err).
				Str("tenant_id", t.ID).
				Msg("Failed to demote tenant with aged billing issue")
			continue
		}
		log.Warn().
			Str("tenant_id", t.ID).
			Time("billing_issue_since", *t.BillingIssueSince).
			Msg("Tenant demoted to unpaid after billing issue grace expired")
	}
}
