package seats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/stripe"
)

type fakeGateway struct {
	configured bool
	remote     map[string]int // tenant ID -> provider-side quantity
	calls      int
	err        error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{configured: true, remote: map[string]int{}}
}

func (f *fakeGateway) Configured() bool { return f.configured }

func (f *fakeGateway) UpdateSeatQuantity(ctx context.Context, t *registry.Tenant, newQuantity int, prorate bool) (stripe.SeatChange, error) {
	f.calls++
	if f.err != nil {
		return stripe.SeatChange{}, f.err
	}
	old, ok := f.remote[t.ID]
	if !ok {
		old = t.SeatQuantity
	}
	f.remote[t.ID] = newQuantity
	t.SeatQuantity = newQuantity
	return stripe.SeatChange{OldQuantity: old, NewQuantity: newQuantity}, nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func createTeamTenant(t *testing.T, reg *registry.Registry, activeMembers int) *registry.Tenant {
	t.Helper()
	tenant := &registry.Tenant{
		Name:                 "Acme Consulting",
		ContactEmail:         "billing@acme.test",
		Plan:                 registry.PlanTeam,
		StripeCustomerID:     "cus_seat1",
		StripeSubscriptionID: "sub_seat1",
		SubscriptionStatus:   registry.SubStatusActive,
	}
	if err := reg.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	for i := 0; i < activeMembers; i++ {
		m := &registry.Membership{
			TenantID:  tenant.ID,
			UserEmail: fmt.Sprintf("user%d@acme.test", i),
			Status:    registry.MembershipActive,
		}
		if err := reg.CreateMembership(m); err != nil {
			t.Fatalf("CreateMembership: %v", err)
		}
	}
	return tenant
}

func TestShouldSync(t *testing.T) {
	base := &registry.Tenant{
		Plan:                 registry.PlanTeam,
		StripeSubscriptionID: "sub_1",
		SubscriptionStatus:   registry.SubStatusActive,
	}
	if !ShouldSync(base) {
		t.Error("subscribed team tenant should sync")
	}

	free := *base
	free.Plan = registry.PlanFree
	if ShouldSync(&free) {
		t.Error("free plan never syncs")
	}

	single := *base
	single.Plan = registry.PlanSingleUser
	if ShouldSync(&single) {
		t.Error("single_user is flat-priced, no seat metering")
	}

	noSub := *base
	noSub.StripeSubscriptionID = ""
	if ShouldSync(&noSub) {
		t.Error("tenant without remote subscription cannot sync")
	}

	none := *base
	none.SubscriptionStatus = registry.SubStatusNone
	if ShouldSync(&none) {
		t.Error("local-only status has nothing to sync against")
	}
	if ShouldSync(nil) {
		t.Error("nil tenant")
	}
}

func TestSyncPushesActiveMembershipCount(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	engine := New(reg, gw, true, 0)
	tenant := createTeamTenant(t, reg, 4)

	if err := engine.Sync(context.Background(), tenant.ID, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if gw.remote[tenant.ID] != 4 {
		t.Fatalf("remote quantity=%d, want=4", gw.remote[tenant.ID])
	}
}

func TestSyncExplicitOverrideAndFloor(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	engine := New(reg, gw, true, 0)
	tenant := createTeamTenant(t, reg, 4)

	override := 10
	if err := engine.Sync(context.Background(), tenant.ID, &override); err != nil {
		t.Fatalf("Sync override: %v", err)
	}
	if gw.remote[tenant.ID] != 10 {
		t.Fatalf("remote quantity=%d, want explicit 10", gw.remote[tenant.ID])
	}

	zero := 0
	if err := engine.Sync(context.Background(), tenant.ID, &zero); err != nil {
		t.Fatalf("Sync floor: %v", err)
	}
	if gw.remote[tenant.ID] != 1 {
		t.Fatalf("remote quantity=%d, want floored to 1", gw.remote[tenant.ID])
	}
}

func TestSyncSkipsProviderWhenAlreadyConverged(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	engine := New(reg, gw, true, 0)
	tenant := createTeamTenant(t, reg, 3)
	tenant.SeatQuantity = 3
	if err := reg.UpdateTenant(tenant); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}

	if err := engine.Sync(context.Background(), tenant.ID, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway called %d times with local quantity already converged", gw.calls)
	}

	// The sweep still goes to the provider: local agreement says nothing
	// about remote drift.
	gw.remote[tenant.ID] = 9
	if _, err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("sweep made %d gateway calls, want 1", gw.calls)
	}
	if gw.remote[tenant.ID] != 3 {
		t.Fatalf("remote quantity=%d, want converged to 3", gw.remote[tenant.ID])
	}
}

func TestSyncSkipsNonMeteredTenants(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	engine := New(reg, gw, true, 0)

	tenant := &registry.Tenant{Name: "Solo", ContactEmail: "s@s.test", Plan: registry.PlanSingleUser}
	if err := reg.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	if err := engine.Sync(context.Background(), tenant.ID, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway called %d times for a non-metered tenant", gw.calls)
	}
}

func TestSyncUnconfiguredGatewayIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	gw.configured = false
	engine := New(reg, gw, true, 0)
	tenant := createTeamTenant(t, reg, 2)

	if err := engine.Sync(context.Background(), tenant.ID, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if gw.calls != 0 {
		t.Fatal("unconfigured gateway must not be called")
	}
}

func TestCheckSeatLimit(t *testing.T) {
	reg := newTestRegistry(t)
	engine := New(reg, newFakeGateway(), true, 0)
	tenant := createTeamTenant(t, reg, 49)

	if err := engine.CheckSeatLimit(tenant, 1); err != nil {
		t.Fatalf("CheckSeatLimit at 49/50: %v", err)
	}
	if err := engine.CheckSeatLimit(tenant, 2); !errors.Is(err, ErrSeatLimitReached) {
		t.Fatalf("CheckSeatLimit over cap err=%v, want ErrSeatLimitReached", err)
	}

	tenant.Plan = registry.PlanEnterprise
	if err := engine.CheckSeatLimit(tenant, 1000); err != nil {
		t.Fatalf("enterprise is unlimited: %v", err)
	}
}

func TestSweepConvergesDriftedTenants(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	engine := New(reg, gw, false, 0)

	drifted := createTeamTenant(t, reg, 3)
	gw.remote[drifted.ID] = 7 // provider disagrees with membership count

	examined, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if examined != 1 {
		t.Fatalf("examined=%d, want=1", examined)
	}
	if gw.remote[drifted.ID] != 3 {
		t.Fatalf("remote quantity=%d, want converged to 3", gw.remote[drifted.ID])
	}
}

func TestSweepContinuesPastFailingTenant(t *testing.T) {
	reg := newTestRegistry(t)
	gw := newFakeGateway()
	gw.err = errors.New("provider down")
	engine := New(reg, gw, false, 0)

	createTeamTenant(t, reg, 2)

	examined, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep should not fail outright: %v", err)
	}
	if examined != 1 {
		t.Fatalf("examined=%d, want=1", examined)
	}
}
