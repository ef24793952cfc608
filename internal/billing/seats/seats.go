// Package seats keeps a tenant's remote seat quantity converged with its
// active membership count.
package seats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/bmetrics"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/entitlements"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/stripe"
)

// DefaultSweepInterval is how often the reconciliation sweep runs.
const DefaultSweepInterval = 6 * time.Hour

// ErrSeatLimitReached reports that adding members would exceed the plan's
// seat ceiling.
var ErrSeatLimitReached = errors.New("seat limit reached for plan")

// Gateway is the slice of the provider client the engine needs.
type Gateway interface {
	Configured() bool
	UpdateSeatQuantity(ctx context.Context, t *registry.Tenant, newQuantity int, prorate bool) (stripe.SeatChange, error)
}

// Engine synchronizes seat quantities. Event-driven syncs fire on
// membership churn; the periodic sweep repairs any drift those syncs
// missed (crashes, provider-side edits, webhook gaps).
type Engine struct {
	registry *registry.Registry
	gateway  Gateway
	prorate  bool
	interval time.Duration

	sweeping atomic.Bool
}

// New creates a seat engine. A non-positive interval selects
// DefaultSweepInterval.
func New(reg *registry.Registry, gw Gateway, prorate bool, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Engine{
		registry: reg,
		gateway:  gw,
		prorate:  prorate,
		interval: interval,
	}
}

// ShouldSync reports whether the tenant participates in seat metering:
// a seat-metered plan with a live remote subscription.
func ShouldSync(t *registry.Tenant) bool {
	return t != nil &&
		t.Plan.SeatMetered() &&
		t.StripeSubscriptionID != "" &&
		t.SubscriptionStatus.Remote()
}

// DesiredQuantity computes the seat quantity a tenant should be billed
// for: its active membership count, floored at one.
func (e *Engine) DesiredQuantity(tenantID string) (int, error) {
	count, err := e.registry.CountActiveMemberships(tenantID)
	if err != nil {
		return 0, fmt.Errorf("count active memberships: %w", err)
	}
	if count < 1 {
		count = 1
	}
	return count, nil
}

// Sync pushes the tenant's seat quantity to the provider. explicit, when
// non-nil, overrides the computed membership count (used by admin
// corrections). Tenants outside seat metering are skipped silently so
// callers can invoke Sync unconditionally on membership churn.
func (e *Engine) Sync(ctx context.Context, tenantID string, explicit *int) error {
	return e.sync(ctx, tenantID, explicit, "membership")
}

func (e *Engine) sync(ctx context.Context, tenantID string, explicit *int, trigger string) error {
	t, err := e.registry.GetTenant(tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	if !ShouldSync(t) {
		return nil
	}
	if !e.gateway.Configured() {
		bmetrics.SeatSyncs.WithLabelValues(trigger, "skipped").Inc()
		return nil
	}

	desired := 0
	if explicit != nil {
		desired = *explicit
		if desired < 1 {
			desired = 1
		}
	} else {
		if desired, err = e.DesiredQuantity(tenantID); err != nil {
			return err
		}
	}

	// Membership-driven syncs trust the local record and skip the provider
	// round trip when nothing changed. The sweep always reads the remote
	// quantity, so it still catches provider-side drift.
	if trigger != "sweep" && desired == t.SeatQuantity {
		bmetrics.SeatSyncs.WithLabelValues(trigger, "noop").Inc()
		return nil
	}

	change, err := e.gateway.UpdateSeatQuantity(ctx, t, desired, e.prorate)
	if err != nil {
		bmetrics.SeatSyncs.WithLabelValues(trigger, "error").Inc()
		return fmt.Errorf("update seat quantity: %w", err)
	}
	bmetrics.SeatSyncs.WithLabelValues(trigger, "ok").Inc()
	if trigger == "sweep" && change.OldQuantity != change.NewQuantity {
		bmetrics.SeatDriftRepaired.Inc()
		log.Warn().
			Str("tenant_id", tenantID).
			Int("remote_quantity", change.OldQuantity).
			Int("desired_quantity", change.NewQuantity).
			Msg("Seat drift repaired by sweep")
	}
	return nil
}

// CheckSeatLimit reports whether the tenant can add the given number of
// members under its plan's seat ceiling. A zero ceiling means unlimited.
func (e *Engine) CheckSeatLimit(t *registry.Tenant, additional int) error {
	limit := entitlements.SeatLimit(t.Plan)
	if limit == 0 {
		return nil
	}
	count, err := e.registry.CountActiveMemberships(t.ID)
	if err != nil {
		return fmt.Errorf("count active memberships: %w", err)
	}
	if count+additional > limit {
		return fmt.Errorf("%w: %d of %d seats used", ErrSeatLimitReached, count, limit)
	}
	return nil
}

// Sweep reconciles every seat-metered tenant and returns how many were
// examined. Overlapping sweeps are skipped rather than queued.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		log.Debug().Msg("Seat sweep already running, skipping")
		return 0, nil
	}
	defer e.sweeping.Store(false)

	tenants, err := e.registry.ListSeatMeteredTenants()
	if err != nil {
		return 0, fmt.Errorf("list seat-metered tenants: %w", err)
	}

	examined := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			return examined, ctx.Err()
		}
		examined++
		if err := e.sync(ctx, t.ID, nil, "sweep"); err != nil {
			log.Error().Err(err).
				Str("tenant_id", t.ID).
				Msg("Seat sweep failed for tenant")
		}
	}
	log.Info().Int("tenants", examined).Msg("Seat reconciliation sweep complete")
	return examined, nil
}

// Run sweeps on a ticker until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.interval).Msg("Seat reconciliation sweep started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Seat reconciliation sweep stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Seat reconciliation sweep failed")
			}
		}
	}
}
