package stripe

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/bmetrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler receives payment provider webhook deliveries.
//
// The delivery contract is store-then-ack: once the event row is durably
// inserted the handler responds 200, regardless of whether interpretation
// succeeds. A failed interpretation is recorded on the event row and
// retried by the pending-event pass, so the provider never redelivers an
// event we already hold.
type WebhookHandler struct {
	secret    string
	processor *Processor
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a webhook HTTP handler.
func NewWebhookHandler(secret string, processor *Processor) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		processor: processor,
	}
}

// ServeHTTP verifies the provider signature, stores the event, and
// interprets it inline.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	defer func() {
		bmetrics.WebhookProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		bmetrics.WebhookEventsReceived.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		bmetrics.WebhookEventsReceived.WithLabelValues("bad_signature").Inc()
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		bmetrics.WebhookEventsReceived.WithLabelValues("bad_signature").Inc()
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid signature"})
		return
	}
	eventType = string(event.Type)

	row, created, err := h.processor.registry.InsertWebhookEvent(event.ID, eventType, payload)
	if err != nil {
		// Without a durable row we cannot guarantee the event survives a
		// crash, so ask the provider to redeliver.
		bmetrics.WebhookEventsReceived.WithLabelValues("store_error").Inc()
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook event store insert failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "event store unavailable"})
		return
	}
	if !created {
		bmetrics.WebhookEventsReceived.WithLabelValues("duplicate").Inc()
		log.Debug().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Duplicate webhook delivery acknowledged")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}
	bmetrics.WebhookEventsReceived.WithLabelValues("accepted").Inc()

	if err := h.processor.Process(r.Context(), row); err != nil {
		// The row carries the retry bookkeeping; the pending pass will
		// pick it up. Acknowledge so the provider does not redeliver.
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook event stored but interpretation failed")
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.stripe: encode webhook response")
	}
}
