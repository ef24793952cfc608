package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/promo"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// newTestServer wires a full server against a throwaway registry. The
// provider gateway is left unconfigured, so outbound calls fail fast
// with a not-configured error.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &Config{
		DataDir:     t.TempDir(),
		BindAddress: "127.0.0.1",
		Port:        8087,
		PlanPrices: map[registry.Plan]string{
			registry.PlanSingleUser: "price_single_x",
			registry.PlanTeam:       "price_team_x",
		},
		TrialDays:          14,
		GatewayCallTimeout: time.Second,
		WebhookMaxRetries:  3,
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.registry.Close() })
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func createTenantViaAPI(t *testing.T, h http.Handler, plan string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/tenants", map[string]string{
		"name":          "Acme Consulting",
		"contact_email": "billing@acme.test",
		"plan":          plan,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tenant: status=%d body=%s", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["id"].(string)
	if id == "" {
		t.Fatal("create tenant: no id in response")
	}
	return id
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.routes(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestTenantLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()

	id := createTenantViaAPI(t, h, "team")

	rec := doJSON(t, h, http.MethodGet, "/api/tenants/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get tenant: status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["plan"] != "team" {
		t.Errorf("plan=%v", body["plan"])
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tenants/t-does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown tenant: status=%d", rec.Code)
	}
}

func TestListTenantsAndStats(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	createTenantViaAPI(t, h, "team")
	createTenantViaAPI(t, h, "free")

	rec := doJSON(t, h, http.MethodGet, "/api/tenants", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status=%d", rec.Code)
	}
	tenants, _ := decodeBody(t, rec)["tenants"].([]any)
	if len(tenants) != 2 {
		t.Errorf("listed %d tenants, want 2", len(tenants))
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tenants?plan=team", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list: status=%d", rec.Code)
	}
	tenants, _ = decodeBody(t, rec)["tenants"].([]any)
	if len(tenants) != 1 {
		t.Errorf("listed %d team tenants, want 1", len(tenants))
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tenants?plan=platinum", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad filter: status=%d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status=%d", rec.Code)
	}
	counts, _ := decodeBody(t, rec)["tenants_by_plan"].(map[string]any)
	if counts["team"] != float64(1) || counts["free"] != float64(1) {
		t.Errorf("tenants_by_plan=%v", counts)
	}
}

func TestDeleteTenant(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "free")

	// A tenant with a live subscription cannot be deleted.
	tenant, err := srv.registry.GetTenant(id)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	tenant.StripeSubscriptionID = "sub_live"
	if err := srv.registry.UpdateTenant(tenant); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	rec := doJSON(t, h, http.MethodDelete, "/api/tenants/"+id, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete with subscription: status=%d", rec.Code)
	}

	tenant.StripeSubscriptionID = ""
	if err := srv.registry.UpdateTenant(tenant); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/tenants/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet, "/api/tenants/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status=%d", rec.Code)
	}
}

func TestListMembers(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "team")

	for _, email := range []string{"a@acme.test", "b@acme.test"} {
		rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/members", map[string]string{"user_email": email})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create member %s: status=%d", email, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/api/tenants/"+id+"/members", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list members: status=%d", rec.Code)
	}
	members, _ := decodeBody(t, rec)["members"].([]any)
	if len(members) != 2 {
		t.Errorf("listed %d members, want 2", len(members))
	}
}

func TestCreateTenantValidation(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/tenants", map[string]string{"name": "No Email"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing email: status=%d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/tenants", map[string]string{
		"name": "Bad Plan", "contact_email": "x@x.test", "plan": "platinum",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown plan: status=%d", rec.Code)
	}
}

func TestEntitlementsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "free")

	rec := doJSON(t, h, http.MethodGet, "/api/tenants/"+id+"/entitlements", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["plan"] != "free" {
		t.Errorf("plan=%v", body["plan"])
	}
	features, ok := body["features"].(map[string]any)
	if !ok || len(features) == 0 {
		t.Fatalf("features=%v", body["features"])
	}
	if features["time_tracking"] != true {
		t.Errorf("time_tracking=%v, want allowed on every plan", features["time_tracking"])
	}
}

func TestCheckoutWithoutProviderReturns503(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "free")

	rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/checkout", map[string]any{
		"plan": "team", "success_url": "https://app.test/ok", "cancel_url": "https://app.test/no",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCheckoutRejectsUnpurchasablePlan(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "free")

	rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/checkout", map[string]any{"plan": "free"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCreateSubscriptionConflict(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "team")

	tenant, err := srv.registry.GetTenant(id)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	tenant.StripeSubscriptionID = "sub_existing"
	if err := srv.registry.UpdateTenant(tenant); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/subscription", map[string]any{"plan": "team"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMemberCreationEnforcesSeatLimit(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "free")

	rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/members", map[string]string{
		"user_email": "first@acme.test", "role": "owner",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first member: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// The free plan seats exactly one active member.
	rec = doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/members", map[string]string{
		"user_email": "second@acme.test", "role": "member",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second member: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMemberStatusUpdateSyncsAndGates(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "free")

	rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/members", map[string]string{
		"user_email": "first@acme.test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create member: status=%d", rec.Code)
	}
	memberID, _ := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPatch, "/api/tenants/"+id+"/members/"+memberID, map[string]string{
		"status": "removed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("remove member: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Re-activating the removed member fits back inside the limit.
	rec = doJSON(t, h, http.MethodPatch, "/api/tenants/"+id+"/members/"+memberID, map[string]string{
		"status": "active",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reactivate member: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

// stubCouponGateway stands in for the provider so redemption flows can
// complete without provider credentials.
type stubCouponGateway struct{}

func (stubCouponGateway) EnsureCoupon(ctx context.Context, p *registry.PromoCode) (string, error) {
	return "coup_stub", nil
}

func TestPromoCodeEndToEndOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.promos = promo.New(srv.registry, stubCouponGateway{})
	h := srv.routes()
	id := createTenantViaAPI(t, h, "team")

	rec := doJSON(t, h, http.MethodPost, "/api/promo-codes", map[string]any{
		"code": "WELCOME10", "discount_type": "percent", "discount_value": 10, "duration": "once",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/promo", map[string]string{
		"code": "welcome10", "redeemed_by": "owner@acme.test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("apply: status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != "WELCOME10" {
		t.Errorf("code=%v", body["code"])
	}

	rec = doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/promo", map[string]string{"code": "WELCOME10"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second apply: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestApplyUnknownPromoRejected(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "team")

	rec := doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/promo", map[string]string{"code": "NOPE"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestApplyPromoWithoutProviderUnavailable(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	id := createTenantViaAPI(t, h, "team")

	rec := doJSON(t, h, http.MethodPost, "/api/promo-codes", map[string]any{
		"code": "WELCOME10", "discount_type": "percent", "discount_value": 10, "duration": "once",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// A valid code still cannot be applied when no provider is
	// configured: the coupon has nowhere to live.
	rec = doJSON(t, h, http.MethodPost, "/api/tenants/"+id+"/promo", map[string]string{"code": "WELCOME10"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	code, _ := srv.registry.GetPromoCode("WELCOME10")
	if code.TimesRedeemed != 0 {
		t.Fatalf("times_redeemed=%d, want 0 when provisioning fails", code.TimesRedeemed)
	}
}
