package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/bmetrics"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// DefaultMaxRetries is the retry ceiling for failed event interpretation.
const DefaultMaxRetries = 3

// DefaultStalledAfter is how long an event may sit in a non-terminal state
// before the pending pass reclaims it. A crash between storing an event and
// settling it leaves the row in received or processing; without reclamation
// it would never be looked at again.
const DefaultStalledAfter = 15 * time.Minute

// Processor interprets stored webhook events and applies their effects to
// tenant records. Interpretation is idempotent: replaying any event, in
// any order, converges on the same tenant state, because every handler
// applies absolute values rather than deltas. Events for the same tenant
// are serialized through a per-tenant lock.
type Processor struct {
	registry     *registry.Registry
	maxRetries   int
	stalledAfter time.Duration

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// NewProcessor creates an event processor. maxRetries <= 0 selects
// DefaultMaxRetries.
func NewProcessor(reg *registry.Registry, maxRetries int) *Processor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Processor{
		registry:     reg,
		maxRetries:   maxRetries,
		stalledAfter: DefaultStalledAfter,
		tenantLocks:  make(map[string]*sync.Mutex),
	}
}

func (p *Processor) lockTenant(tenantID string) func() {
	p.mu.Lock()
	lock, ok := p.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		p.tenantLocks[tenantID] = lock
	}
	p.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Process interprets one stored event. Events already in a terminal state
// are skipped. A returned error means the event was marked for retry (or
// parked permanently once the ceiling is reached), never that tenant state
// was left half-applied.
func (p *Processor) Process(ctx context.Context, ev *registry.WebhookEvent) error {
	if ev.Status.Terminal() {
		return nil
	}

	tenantID, note, err := p.interpret(ctx, ev)
	if err != nil {
		bmetrics.WebhookEventsProcessed.WithLabelValues(ev.EventType, "failed").Inc()
		if markErr := p.registry.MarkEventFailed(ev.ID, err, p.maxRetries); markErr != nil {
			log.Error().Err(markErr).
				Str("event_id", ev.ProviderEventID).
				Msg("Failed to record event processing failure")
		}
		return fmt.Errorf("interpret %s %s: %w", ev.EventType, ev.ProviderEventID, err)
	}

	if tenantID != "" {
		if markErr := p.registry.MarkEventProcessing(ev.ID, tenantID); markErr != nil {
			log.Warn().Err(markErr).
				Str("event_id", ev.ProviderEventID).
				Msg("Failed to record event tenant attribution")
		}
	}
	if err := p.registry.MarkEventProcessed(ev.ID, note); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	result := "processed"
	if note != "" {
		result = "ignored"
	}
	bmetrics.WebhookEventsProcessed.WithLabelValues(ev.EventType, result).Inc()
	log.Info().
		Str("event_id", ev.ProviderEventID).
		Str("type", ev.EventType).
		Str("tenant_id", tenantID).
		Str("note", note).
		Msg("Webhook event processed")
	return nil
}

// ProcessPending retries every event parked in the retryable state, reclaims
// events stranded in a non-terminal state past the stall window, and returns
// how many reached a terminal state this pass.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	events, err := p.registry.ListRetryableEvents(p.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("list retryable events: %w", err)
	}
	stalled, err := p.registry.ListStalledEvents(time.Now().UTC().Add(-p.stalledAfter))
	if err != nil {
		return 0, fmt.Errorf("list stalled events: %w", err)
	}
	for _, ev := range stalled {
		log.Warn().
			Str("event_id", ev.ProviderEventID).
			Str("status", string(ev.Status)).
			Time("last_transition", ev.UpdatedAt).
			Msg("Reclaiming stalled webhook event")
	}
	events = append(events, stalled...)

	settled := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if err := p.Process(ctx, ev); err != nil {
			log.Warn().Err(err).
				Str("event_id", ev.ProviderEventID).
				Int("retry_count", ev.RetryCount).
				Msg("Pending webhook event retry failed")
			continue
		}
		settled++
	}
	if len(events) > 0 {
		log.Info().
			Int("attempted", len(events)).
			Int("settled", settled).
			Msg("Pending webhook event pass complete")
	}
	return settled, nil
}

// interpret dispatches on event type. It returns the tenant the event was
// attributed to (empty if unresolvable) and a note for events that were
// deliberately skipped. An error marks the event for retry.
func (p *Processor) interpret(ctx context.Context, ev *registry.WebhookEvent) (tenantID, note string, err error) {
	switch ev.EventType {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ev)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ev)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ev)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ev)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoicePaid(ev)
	default:
		return "", "ignored unhandled event type", nil
	}
}

// resolveTenant maps a provider event to a tenant, trying the explicit
// tenant_id metadata first, then the subscription ID, then the customer
// ID. A nil tenant with nil error means the event is unresolvable and
// should be recorded, not retried.
func (p *Processor) resolveTenant(metadata map[string]string, customerID, subscriptionID string) (*registry.Tenant, error) {
	if id := strings.TrimSpace(metadata["tenant_id"]); id != "" {
		t, err := p.registry.GetTenant(id)
		if err != nil {
			return nil, fmt.Errorf("lookup tenant %s: %w", id, err)
		}
		if t != nil {
			return t, nil
		}
	}
	if IsSafeStripeID(subscriptionID) {
		t, err := p.registry.GetTenantByStripeSubscriptionID(subscriptionID)
		if err != nil {
			return nil, fmt.Errorf("lookup tenant by subscription %s: %w", subscriptionID, err)
		}
		if t != nil {
			return t, nil
		}
	}
	if IsSafeStripeID(customerID) {
		t, err := p.registry.GetTenantByStripeCustomerID(customerID)
		if err != nil {
			return nil, fmt.Errorf("lookup tenant by customer %s: %w", customerID, err)
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// eventObject extracts data.object from a stored event envelope. Payloads
// that are already a bare object pass through unchanged.
func eventObject(payload []byte) []byte {
	var envelope struct {
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Data.Object) > 0 {
		return envelope.Data.Object
	}
	return payload
}

// checkoutSessionEvent is the minimal shape of a checkout.session object.
type checkoutSessionEvent struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (p *Processor) handleCheckoutCompleted(ev *registry.WebhookEvent) (string, string, error) {
	var session checkoutSessionEvent
	if err := json.Unmarshal(eventObject(ev.Payload), &session); err != nil {
		return "", "", fmt.Errorf("decode checkout.session: %w", err)
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return "", "ignored non-subscription checkout", nil
	}

	t, err := p.resolveTenant(session.Metadata, session.Customer, session.Subscription)
	if err != nil {
		return "", "", err
	}
	if t == nil {
		return "", "no tenant matches checkout session", nil
	}

	unlock := p.lockTenant(t.ID)
	defer unlock()
	if t, err = p.registry.GetTenant(t.ID); err != nil || t == nil {
		return "", "", fmt.Errorf("reload tenant: %w", err)
	}

	if session.Customer != "" {
		t.StripeCustomerID = session.Customer
	}
	if session.Subscription != "" {
		t.StripeSubscriptionID = session.Subscription
	}
	if err := p.registry.UpdateTenant(t); err != nil {
		return "", "", fmt.Errorf("persist tenant: %w", err)
	}
	return t.ID, "", nil
}

// subscriptionEvent is the minimal shape of a customer.subscription object.
type subscriptionEvent struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CancelAt          int64  `json:"cancel_at"`
	TrialEnd          int64  `json:"trial_end"`
	EndedAt           int64  `json:"ended_at"`
	Items             struct {
		Data []struct {
			Quantity         int64 `json:"quantity"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s *subscriptionEvent) firstPriceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

func (s *subscriptionEvent) firstPriceMetadata() map[string]string {
	for _, item := range s.Items.Data {
		if len(item.Price.Metadata) > 0 {
			return item.Price.Metadata
		}
	}
	return nil
}

func (p *Processor) handleSubscriptionChanged(ev *registry.WebhookEvent) (string, string, error) {
	var sub subscriptionEvent
	if err := json.Unmarshal(eventObject(ev.Payload), &sub); err != nil {
		return "", "", fmt.Errorf("decode subscription: %w", err)
	}

	t, err := p.resolveTenant(sub.Metadata, sub.Customer, sub.ID)
	if err != nil {
		return "", "", err
	}
	if t == nil {
		return "", "no tenant matches subscription", nil
	}

	unlock := p.lockTenant(t.ID)
	defer unlock()
	if t, err = p.registry.GetTenant(t.ID); err != nil || t == nil {
		return "", "", fmt.Errorf("reload tenant: %w", err)
	}

	status := MapSubscriptionStatus(sub.Status)
	t.StripeSubscriptionID = sub.ID
	if sub.Customer != "" {
		t.StripeCustomerID = sub.Customer
	}
	if priceID := sub.firstPriceID(); priceID != "" {
		t.StripePriceID = priceID
	}
	t.Plan = DerivePlan(mergeMetadata(sub.Metadata, sub.firstPriceMetadata()), t.Plan)
	t.SubscriptionStatus = status

	for _, item := range sub.Items.Data {
		if item.Quantity > 0 {
			t.SeatQuantity = int(item.Quantity)
		}
		if item.CurrentPeriodEnd > 0 {
			ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			t.NextBillingAt = &ts
		}
		break
	}
	if sub.TrialEnd > 0 {
		ts := time.Unix(sub.TrialEnd, 0).UTC()
		t.TrialEndsAt = &ts
	}
	switch {
	case sub.EndedAt > 0:
		ts := time.Unix(sub.EndedAt, 0).UTC()
		t.SubscriptionEndsAt = &ts
	case sub.CancelAtPeriodEnd && sub.CancelAt > 0:
		ts := time.Unix(sub.CancelAt, 0).UTC()
		t.SubscriptionEndsAt = &ts
	case !sub.CancelAtPeriodEnd:
		t.SubscriptionEndsAt = nil
	}

	// billing_issue_since is first-observed: set once when trouble starts,
	// cleared whenever the subscription is healthy again. This keeps the
	// field stable under out-of-order delivery.
	if BillingIssueStatus(status) {
		if t.BillingIssueSince == nil {
			now := time.Now().UTC()
			t.BillingIssueSince = &now
		}
	} else {
		t.BillingIssueSince = nil
	}

	if err := p.registry.UpdateTenant(t); err != nil {
		return "", "", fmt.Errorf("persist tenant: %w", err)
	}
	return t.ID, "", nil
}

func (p *Processor) handleSubscriptionDeleted(ev *registry.WebhookEvent) (string, string, error) {
	var sub subscriptionEvent
	if err := json.Unmarshal(eventObject(ev.Payload), &sub); err != nil {
		return "", "", fmt.Errorf("decode subscription: %w", err)
	}

	t, err := p.resolveTenant(sub.Metadata, sub.Customer, sub.ID)
	if err != nil {
		return "", "", err
	}
	if t == nil {
		return "", "no tenant matches subscription", nil
	}

	unlock := p.lockTenant(t.ID)
	defer unlock()
	if t, err = p.registry.GetTenant(t.ID); err != nil || t == nil {
		return "", "", fmt.Errorf("reload tenant: %w", err)
	}

	t.SubscriptionStatus = registry.SubStatusCanceled
	t.BillingIssueSince = nil
	ended := time.Now().UTC()
	if sub.EndedAt > 0 {
		ended = time.Unix(sub.EndedAt, 0).UTC()
	}
	t.SubscriptionEndsAt = &ended

	if err := p.registry.UpdateTenant(t); err != nil {
		return "", "", fmt.Errorf("persist tenant: %w", err)
	}
	return t.ID, "", nil
}

// invoiceEvent is the minimal shape of an invoice object. Newer provider
// API versions move the subscription reference under parent, so both
// locations are decoded.
type invoiceEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Metadata map[string]string `json:"metadata"`
}

func (i *invoiceEvent) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

func (p *Processor) handleInvoicePaymentFailed(ev *registry.WebhookEvent) (string, string, error) {
	var inv invoiceEvent
	if err := json.Unmarshal(eventObject(ev.Payload), &inv); err != nil {
		return "", "", fmt.Errorf("decode invoice: %w", err)
	}

	t, err := p.resolveTenant(inv.Metadata, inv.Customer, inv.subscriptionID())
	if err != nil {
		return "", "", err
	}
	if t == nil {
		return "", "no tenant matches invoice", nil
	}

	unlock := p.lockTenant(t.ID)
	defer unlock()
	if t, err = p.registry.GetTenant(t.ID); err != nil || t == nil {
		return "", "", fmt.Errorf("reload tenant: %w", err)
	}

	changed := false
	if t.BillingIssueSince == nil {
		now := time.Now().UTC()
		t.BillingIssueSince = &now
		changed = true
	}
	// A billing issue is only coherent alongside a delinquent status; a
	// tenant the provider still bills moves to past_due so the grace
	// enforcer and entitlement checks see the issue.
	if t.SubscriptionStatus == registry.SubStatusActive || t.SubscriptionStatus == registry.SubStatusTrialing {
		t.SubscriptionStatus = registry.SubStatusPastDue
		changed = true
	}
	if changed {
		if err := p.registry.UpdateTenant(t); err != nil {
			return "", "", fmt.Errorf("persist tenant: %w", err)
		}
	}
	return t.ID, "", nil
}

func (p *Processor) handleInvoicePaid(ev *registry.WebhookEvent) (string, string, error) {
	var inv invoiceEvent
	if err := json.Unmarshal(eventObject(ev.Payload), &inv); err != nil {
		return "", "", fmt.Errorf("decode invoice: %w", err)
	}

	t, err := p.resolveTenant(inv.Metadata, inv.Customer, inv.subscriptionID())
	if err != nil {
		return "", "", err
	}
	if t == nil {
		return "", "no tenant matches invoice", nil
	}

	unlock := p.lockTenant(t.ID)
	defer unlock()
	if t, err = p.registry.GetTenant(t.ID); err != nil || t == nil {
		return "", "", fmt.Errorf("reload tenant: %w", err)
	}

	changed := false
	if t.BillingIssueSince != nil {
		t.BillingIssueSince = nil
		changed = true
	}
	if t.SubscriptionStatus == registry.SubStatusPastDue || t.SubscriptionStatus == registry.SubStatusUnpaid {
		t.SubscriptionStatus = registry.SubStatusActive
		changed = true
	}
	if changed {
		if err := p.registry.UpdateTenant(t); err != nil {
			return "", "", fmt.Errorf("persist tenant: %w", err)
		}
	}
	return t.ID, "", nil
}

func mergeMetadata(primary, secondary map[string]string) map[string]string {
	if len(secondary) == 0 {
		return primary
	}
	merged := make(map[string]string, len(primary)+len(secondary))
	for k, v := range secondary {
		merged[k] = v
	}
	for k, v := range primary {
		merged[k] = v
	}
	return merged
}
