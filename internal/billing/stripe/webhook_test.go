package stripe

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

const testWebhookSecret = "whsec_test_secret"

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func newTestWebhookHandler(t *testing.T) (*WebhookHandler, *registry.Registry) {
	t.Helper()
	reg := newTestRegistry(t)
	return NewWebhookHandler(testWebhookSecret, NewProcessor(reg, 3)), reg
}

func TestWebhookStoresAndProcessesEvent(t *testing.T) {
	handler, reg := newTestWebhookHandler(t)
	tenant := createBilledTenant(t, reg)

	eventJSON := `{"id":"evt_ok_1","object":"event","type":"customer.subscription.updated",
		"data":{"object":{"id":"sub_acme1","customer":"cus_acme1","status":"past_due",
		"items":{"data":[{"quantity":3,"price":{"id":"price_team"}}]}}}}`

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, eventJSON))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200, body=%q", rec.Code, rec.Body.String())
	}

	stored, err := reg.GetWebhookEventByProviderID("evt_ok_1")
	if err != nil || stored == nil {
		t.Fatalf("event not stored: %v", err)
	}
	if stored.Status != registry.EventProcessed {
		t.Fatalf("event status=%q, want processed", stored.Status)
	}

	got, _ := reg.GetTenant(tenant.ID)
	if got.SubscriptionStatus != registry.SubStatusPastDue {
		t.Errorf("tenant status=%q, want past_due", got.SubscriptionStatus)
	}
	if got.BillingIssueSince == nil {
		t.Error("past_due transition should stamp billing_issue_since")
	}
}

func TestWebhookDuplicateDeliveryDoesNotReprocess(t *testing.T) {
	handler, reg := newTestWebhookHandler(t)
	tenant := createBilledTenant(t, reg)

	eventJSON := `{"id":"evt_dup_1","object":"event","type":"customer.subscription.updated",
		"data":{"object":{"id":"sub_acme1","customer":"cus_acme1","status":"active",
		"items":{"data":[{"quantity":7,"price":{"id":"price_team"}}]}}}}`

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, signedWebhookRequest(t, testWebhookSecret, eventJSON))
	if rec1.Code != http.StatusOK {
		t.Fatalf("first delivery status=%d", rec1.Code)
	}

	// Mutate out-of-band; the duplicate must not re-apply the patch.
	got, _ := reg.GetTenant(tenant.ID)
	got.SeatQuantity = 2
	if err := reg.UpdateTenant(got); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, signedWebhookRequest(t, testWebhookSecret, eventJSON))
	if rec2.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status=%d, want=200", rec2.Code)
	}
	got, _ = reg.GetTenant(tenant.ID)
	if got.SeatQuantity != 2 {
		t.Errorf("duplicate delivery re-applied patch, seat_quantity=%d", got.SeatQuantity)
	}
}

func TestWebhookAcknowledgesStoredEventEvenWhenProcessingFails(t *testing.T) {
	handler, reg := newTestWebhookHandler(t)

	// data.object decodes as the envelope fallback and then fails typed
	// decoding, so interpretation fails while the store insert succeeded.
	eventJSON := `{"id":"evt_bad_obj","object":"event","type":"customer.subscription.updated",
		"data":{"object":{"id":12345}}}`

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, eventJSON))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want=200 once the event row is durable", rec.Code)
	}

	stored, _ := reg.GetWebhookEventByProviderID("evt_bad_obj")
	if stored == nil {
		t.Fatal("event not stored")
	}
	if stored.Status != registry.EventFailedRetryable {
		t.Fatalf("event status=%q, want failed_retryable", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("retry_count=%d, want=1", stored.RetryCount)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler, reg := newTestWebhookHandler(t)

	eventJSON := `{"id":"evt_forged","object":"event","type":"invoice.paid","data":{"object":{}}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong_secret", eventJSON))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want=400", rec.Code)
	}

	if stored, _ := reg.GetWebhookEventByProviderID("evt_forged"); stored != nil {
		t.Fatal("unverified event must not be stored")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want=400", rec.Code)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	handler, _ := newTestWebhookHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want=405", rec.Code)
	}
}

func TestWebhookWithoutSecretIsUnavailable(t *testing.T) {
	reg := newTestRegistry(t)
	handler := NewWebhookHandler("", NewProcessor(reg, 3))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, `{}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want=503", rec.Code)
	}
}
