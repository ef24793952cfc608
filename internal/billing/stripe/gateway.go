// Package stripe is the only package allowed to talk to the payment
// provider. Everything else depends on it through small interfaces.
package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/coupon"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// DefaultCallTimeout bounds every provider call. There is no retry inside
// the gateway; retries belong to the webhook processor (event level) and
// the reconciliation sweep (seat level).
const DefaultCallTimeout = 15 * time.Second

// GatewayConfig configures the provider client.
type GatewayConfig struct {
	APIKey      string
	CallTimeout time.Duration
}

// Gateway wraps all outbound provider calls. Write operations that change
// local state persist to the tenant record in the same call, so a failure
// between remote mutation and local persistence is the narrowest possible
// window and is logged as a reconciliation candidate.
type Gateway struct {
	reg     *registry.Registry
	apiKey  string
	timeout time.Duration

	// Provider bindings, injectable for tests.
	newCustomer        func(*stripelib.CustomerParams) (*stripelib.Customer, error)
	newSubscription    func(*stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	getSubscription    func(string, *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	updateSubscription func(string, *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	cancelSubscription func(string, *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)
	newCheckoutSession func(*stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	newPortalSession   func(*stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
	newRefund          func(*stripelib.RefundParams) (*stripelib.Refund, error)
	newCoupon          func(*stripelib.CouponParams) (*stripelib.Coupon, error)
	listInvoices       func(*stripelib.InvoiceListParams) ([]*stripelib.Invoice, error)
	listRefunds        func(*stripelib.RefundListParams) ([]*stripelib.Refund, error)
}

// NewGateway creates a Gateway backed by the real provider SDK.
func NewGateway(reg *registry.Registry, cfg GatewayConfig) *Gateway {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey != "" {
		stripelib.Key = apiKey
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Gateway{
		reg:                reg,
		apiKey:             apiKey,
		timeout:            timeout,
		newCustomer:        customer.New,
		newSubscription:    subscription.New,
		getSubscription:    subscription.Get,
		updateSubscription: subscription.Update,
		cancelSubscription: subscription.Cancel,
		newCheckoutSession: checkoutsession.New,
		newPortalSession:   portalsession.New,
		newRefund:          refund.New,
		newCoupon:          coupon.New,
		listInvoices: func(params *stripelib.InvoiceListParams) ([]*stripelib.Invoice, error) {
			iter := invoice.List(params)
			var out []*stripelib.Invoice
			for iter.Next() {
				out = append(out, iter.Invoice())
			}
			return out, iter.Err()
		},
		listRefunds: func(params *stripelib.RefundListParams) ([]*stripelib.Refund, error) {
			iter := refund.List(params)
			var out []*stripelib.Refund
			for iter.Next() {
				out = append(out, iter.Refund())
			}
			return out, iter.Err()
		},
	}
}

// Configured reports whether provider credentials are present.
func (g *Gateway) Configured() bool {
	return g.apiKey != ""
}

func (g *Gateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) checkConfigured(op string) *Error {
	if !g.Configured() {
		return newError(op, KindNotConfigured, "payment provider credentials not configured")
	}
	return nil
}

func requireSubscription(op string, t *registry.Tenant) *Error {
	if t == nil || strings.TrimSpace(t.StripeSubscriptionID) == "" {
		return newError(op, KindNoSubscription, "tenant has no remote subscription")
	}
	return nil
}

// tenantMetadata tags every remote object with the tenant's identity so a
// provider-side object can always be traced back to a tenant.
func tenantMetadata(t *registry.Tenant) map[string]string {
	return map[string]string{
		"tenant_id":   t.ID,
		"tenant_name": t.Name,
	}
}

// EnsureCustomer returns the tenant's provider customer ID, creating the
// remote customer on first use. The returned ID is persisted before this
// returns; a crash after remote creation but before persistence is the
// only inconsistency window, repaired by the reconciliation sweep.
func (g *Gateway) EnsureCustomer(ctx context.Context, t *registry.Tenant) (string, error) {
	const op = "gateway.EnsureCustomer"
	if err := g.checkConfigured(op); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(t.StripeCustomerID); id != "" {
		return id, nil
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.CustomerParams{
		Email:    stripelib.String(t.ContactEmail),
		Name:     stripelib.String(t.Name),
		Metadata: tenantMetadata(t),
	}
	params.Context = callCtx

	cust, err := g.newCustomer(params)
	observeCall(op, err)
	if err != nil {
		return "", translateError(op, err)
	}

	t.StripeCustomerID = cust.ID
	if persistErr := g.reg.UpdateTenant(t); persistErr != nil {
		log.Error().Err(persistErr).
			Str("tenant_id", t.ID).
			Str("customer_id", cust.ID).
			Msg("Remote customer created but local persist failed")
		return "", wrapPersist(op, persistErr)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("customer_id", cust.ID).
		Msg("Provider customer created")
	return cust.ID, nil
}

// SubscriptionCreation is the normalized result of CreateSubscription.
type SubscriptionCreation struct {
	SubscriptionID string
	ClientSecret   string
	Status         registry.SubscriptionStatus
}

// CreateSubscription creates a remote subscription in payment-pending mode
// and persists the returned identifiers onto the tenant. A non-empty
// couponID attaches the discount at creation.
func (g *Gateway) CreateSubscription(ctx context.Context, t *registry.Tenant, priceID string, quantity int, trialDays int, couponID string) (SubscriptionCreation, error) {
	const op = "gateway.CreateSubscription"
	if err := g.checkConfigured(op); err != nil {
		return SubscriptionCreation{}, err
	}

	customerID, err := g.EnsureCustomer(ctx, t)
	if err != nil {
		return SubscriptionCreation{}, err
	}
	if quantity < 1 {
		quantity = 1
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.SubscriptionParams{
		Customer: stripelib.String(customerID),
		Items: []*stripelib.SubscriptionItemsParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(int64(quantity)),
			},
		},
		PaymentBehavior: stripelib.String("default_incomplete"),
		Metadata:        tenantMetadata(t),
	}
	if trialDays > 0 {
		params.TrialPeriodDays = stripelib.Int64(int64(trialDays))
	}
	if couponID != "" {
		params.Discounts = []*stripelib.SubscriptionDiscountParams{
			{Coupon: stripelib.String(couponID)},
		}
	}
	params.Context = callCtx
	params.AddExpand("latest_invoice.confirmation_secret")

	sub, err := g.newSubscription(params)
	observeCall(op, err)
	if err != nil {
		return SubscriptionCreation{}, translateError(op, err)
	}

	clientSecret := ""
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		clientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	status := MapSubscriptionStatus(string(sub.Status))

	t.StripeSubscriptionID = sub.ID
	t.StripePriceID = priceID
	t.SeatQuantity = quantity
	t.SubscriptionStatus = status
	if sub.TrialEnd > 0 {
		ts := time.Unix(sub.TrialEnd, 0).UTC()
		t.TrialEndsAt = &ts
	}
	if end := firstItemPeriodEnd(sub); end != nil {
		t.NextBillingAt = end
	}
	if persistErr := g.reg.UpdateTenant(t); persistErr != nil {
		log.Error().Err(persistErr).
			Str("tenant_id", t.ID).
			Str("subscription_id", sub.ID).
			Msg("Remote subscription created but local persist failed")
		return SubscriptionCreation{}, wrapPersist(op, persistErr)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("subscription_id", sub.ID).
		Str("price_id", priceID).
		Int("quantity", quantity).
		Msg("Provider subscription created")

	return SubscriptionCreation{
		SubscriptionID: sub.ID,
		ClientSecret:   clientSecret,
		Status:         status,
	}, nil
}

// SeatChange reports the quantity delta applied by UpdateSeatQuantity.
type SeatChange struct {
	OldQuantity int
	NewQuantity int
}

// UpdateSeatQuantity sets the remote subscription's seat quantity and
// persists it locally. The current remote quantity is read first to report
// an accurate delta; the read-then-write race window is accepted, the
// periodic sweep corrects any drift.
func (g *Gateway) UpdateSeatQuantity(ctx context.Context, t *registry.Tenant, newQuantity int, prorate bool) (SeatChange, error) {
	const op = "gateway.UpdateSeatQuantity"
	if err := g.checkConfigured(op); err != nil {
		return SeatChange{}, err
	}
	if err := requireSubscription(op, t); err != nil {
		return SeatChange{}, err
	}
	if newQuantity < 1 {
		newQuantity = 1
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	getParams := &stripelib.SubscriptionParams{}
	getParams.Context = callCtx
	sub, err := g.getSubscription(t.StripeSubscriptionID, getParams)
	observeCall(op, err)
	if err != nil {
		return SeatChange{}, translateError(op, err)
	}
	item := firstSubscriptionItem(sub)
	if item == nil {
		return SeatChange{}, newError(op, KindRejected, "remote subscription has no items")
	}
	oldQuantity := int(item.Quantity)

	change := SeatChange{OldQuantity: oldQuantity, NewQuantity: newQuantity}
	if oldQuantity != newQuantity {
		prorationBehavior := "none"
		if prorate {
			prorationBehavior = "create_prorations"
		}
		updateParams := &stripelib.SubscriptionParams{
			Items: []*stripelib.SubscriptionItemsParams{
				{
					ID:       stripelib.String(item.ID),
					Quantity: stripelib.Int64(int64(newQuantity)),
				},
			},
			ProrationBehavior: stripelib.String(prorationBehavior),
		}
		updateParams.Context = callCtx
		_, updateErr := g.updateSubscription(t.StripeSubscriptionID, updateParams)
		observeCall(op, updateErr)
		if updateErr != nil {
			return SeatChange{}, translateError(op, updateErr)
		}
	}

	t.SeatQuantity = newQuantity
	if persistErr := g.reg.UpdateTenant(t); persistErr != nil {
		log.Error().Err(persistErr).
			Str("tenant_id", t.ID).
			Int("quantity", newQuantity).
			Msg("Remote seat quantity updated but local persist failed")
		return SeatChange{}, wrapPersist(op, persistErr)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("subscription_id", t.StripeSubscriptionID).
		Int("old_quantity", oldQuantity).
		Int("new_quantity", newQuantity).
		Msg("Seat quantity updated")
	return change, nil
}

// CancelSubscription cancels the tenant's subscription, either at period
// end (remote flag, features retained until then) or immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, t *registry.Tenant, atPeriodEnd bool) error {
	const op = "gateway.CancelSubscription"
	if err := g.checkConfigured(op); err != nil {
		return err
	}
	if err := requireSubscription(op, t); err != nil {
		return err
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	var sub *stripelib.Subscription
	var err error
	if atPeriodEnd {
		params := &stripelib.SubscriptionParams{
			CancelAtPeriodEnd: stripelib.Bool(true),
		}
		params.Context = callCtx
		sub, err = g.updateSubscription(t.StripeSubscriptionID, params)
	} else {
		params := &stripelib.SubscriptionCancelParams{}
		params.Context = callCtx
		sub, err = g.cancelSubscription(t.StripeSubscriptionID, params)
	}
	observeCall(op, err)
	if err != nil {
		return translateError(op, err)
	}

	if atPeriodEnd {
		t.SubscriptionEndsAt = firstItemPeriodEnd(sub)
	} else {
		t.SubscriptionStatus = registry.SubStatusCanceled
		now := time.Now().UTC()
		if sub.EndedAt > 0 {
			now = time.Unix(sub.EndedAt, 0).UTC()
		}
		t.SubscriptionEndsAt = &now
		t.BillingIssueSince = nil
	}
	if persistErr := g.reg.UpdateTenant(t); persistErr != nil {
		log.Error().Err(persistErr).
			Str("tenant_id", t.ID).
			Bool("at_period_end", atPeriodEnd).
			Msg("Remote subscription canceled but local persist failed")
		return wrapPersist(op, persistErr)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("subscription_id", t.StripeSubscriptionID).
		Bool("at_period_end", atPeriodEnd).
		Msg("Subscription canceled")
	return nil
}

// ReactivateSubscription clears a pending at-period-end cancellation.
func (g *Gateway) ReactivateSubscription(ctx context.Context, t *registry.Tenant) error {
	const op = "gateway.ReactivateSubscription"
	if err := g.checkConfigured(op); err != nil {
		return err
	}
	if err := requireSubscription(op, t); err != nil {
		return err
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.SubscriptionParams{
		CancelAtPeriodEnd: stripelib.Bool(false),
	}
	params.Context = callCtx
	sub, err := g.updateSubscription(t.StripeSubscriptionID, params)
	observeCall(op, err)
	if err != nil {
		return translateError(op, err)
	}

	t.SubscriptionStatus = MapSubscriptionStatus(string(sub.Status))
	t.SubscriptionEndsAt = nil
	if persistErr := g.reg.UpdateTenant(t); persistErr != nil {
		log.Error().Err(persistErr).
			Str("tenant_id", t.ID).
			Msg("Remote subscription reactivated but local persist failed")
		return wrapPersist(op, persistErr)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("subscription_id", t.StripeSubscriptionID).
		Msg("Subscription reactivated")
	return nil
}

// CheckoutSession is the normalized result of CreateCheckoutSession.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutParams describes a hosted checkout session request. CouponID,
// when set, attaches the discount to the session.
type CheckoutParams struct {
	PriceID    string
	Quantity   int
	TrialDays  int
	SuccessURL string
	CancelURL  string
	CouponID   string
}

// CreateCheckoutSession creates a hosted checkout session for a new
// subscription.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, t *registry.Tenant, p CheckoutParams) (CheckoutSession, error) {
	const op = "gateway.CreateCheckoutSession"
	if err := g.checkConfigured(op); err != nil {
		return CheckoutSession{}, err
	}
	quantity := p.Quantity
	if quantity < 1 {
		quantity = 1
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(p.SuccessURL),
		CancelURL:  stripelib.String(p.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(p.PriceID),
				Quantity: stripelib.Int64(int64(quantity)),
			},
		},
		Metadata: tenantMetadata(t),
	}
	if t.StripeCustomerID != "" {
		params.Customer = stripelib.String(t.StripeCustomerID)
	} else if t.ContactEmail != "" {
		params.CustomerEmail = stripelib.String(t.ContactEmail)
	}
	if p.TrialDays > 0 {
		params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripelib.Int64(int64(p.TrialDays)),
			Metadata:        tenantMetadata(t),
		}
	}
	if p.CouponID != "" {
		params.Discounts = []*stripelib.CheckoutSessionDiscountParams{
			{Coupon: stripelib.String(p.CouponID)},
		}
	}
	params.Context = callCtx

	session, err := g.newCheckoutSession(params)
	observeCall(op, err)
	if err != nil {
		return CheckoutSession{}, translateError(op, err)
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// PortalSession is the normalized result of CreateBillingPortalSession.
type PortalSession struct {
	ID  string
	URL string
}

// CreateBillingPortalSession creates a self-service billing portal session
// for the tenant's provider customer.
func (g *Gateway) CreateBillingPortalSession(ctx context.Context, t *registry.Tenant, returnURL string) (PortalSession, error) {
	const op = "gateway.CreateBillingPortalSession"
	if err := g.checkConfigured(op); err != nil {
		return PortalSession{}, err
	}
	if strings.TrimSpace(t.StripeCustomerID) == "" {
		return PortalSession{}, newError(op, KindNoSubscription, "tenant has no provider customer")
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(t.StripeCustomerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = callCtx

	session, err := g.newPortalSession(params)
	observeCall(op, err)
	if err != nil {
		return PortalSession{}, translateError(op, err)
	}
	return PortalSession{ID: session.ID, URL: session.URL}, nil
}

// Refund is a normalized provider refund.
type Refund struct {
	ID        string
	Amount    int64
	Currency  string
	Status    string
	CreatedAt time.Time
}

// CreateRefund refunds a payment intent, fully or partially (amount in the
// smallest currency unit; 0 refunds the full charge).
func (g *Gateway) CreateRefund(ctx context.Context, t *registry.Tenant, paymentIntentID string, amount int64, reason string) (Refund, error) {
	const op = "gateway.CreateRefund"
	if err := g.checkConfigured(op); err != nil {
		return Refund{}, err
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.RefundParams{
		PaymentIntent: stripelib.String(paymentIntentID),
		Metadata:      tenantMetadata(t),
	}
	if amount > 0 {
		params.Amount = stripelib.Int64(amount)
	}
	if reason != "" {
		params.Reason = stripelib.String(reason)
	}
	params.Context = callCtx

	ref, err := g.newRefund(params)
	observeCall(op, err)
	if err != nil {
		return Refund{}, translateError(op, err)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("refund_id", ref.ID).
		Int64("amount", ref.Amount).
		Msg("Refund created")
	return normalizeRefund(ref), nil
}

// Invoice is a normalized provider invoice.
type Invoice struct {
	ID               string
	Number           string
	Status           string
	Total            int64
	Currency         string
	CreatedAt        time.Time
	HostedInvoiceURL string
	PDFURL           string
}

// ListInvoices returns the tenant's provider invoices, newest first.
func (g *Gateway) ListInvoices(ctx context.Context, t *registry.Tenant, limit int) ([]Invoice, error) {
	const op = "gateway.ListInvoices"
	if err := g.checkConfigured(op); err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.StripeCustomerID) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.InvoiceListParams{
		Customer: stripelib.String(t.StripeCustomerID),
	}
	params.Limit = stripelib.Int64(int64(limit))
	params.Context = callCtx

	raw, err := g.listInvoices(params)
	observeCall(op, err)
	if err != nil {
		return nil, translateError(op, err)
	}

	invoices := make([]Invoice, 0, len(raw))
	for _, inv := range raw {
		invoices = append(invoices, Invoice{
			ID:               inv.ID,
			Number:           inv.Number,
			Status:           string(inv.Status),
			Total:            inv.Total,
			Currency:         string(inv.Currency),
			CreatedAt:        time.Unix(inv.Created, 0).UTC(),
			HostedInvoiceURL: inv.HostedInvoiceURL,
			PDFURL:           inv.InvoicePDF,
		})
	}
	return invoices, nil
}

// ListRefunds returns the tenant's provider refunds, newest first.
func (g *Gateway) ListRefunds(ctx context.Context, t *registry.Tenant, limit int) ([]Refund, error) {
	const op = "gateway.ListRefunds"
	if err := g.checkConfigured(op); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.RefundListParams{}
	params.Limit = stripelib.Int64(int64(limit))
	params.Context = callCtx

	raw, err := g.listRefunds(params)
	observeCall(op, err)
	if err != nil {
		return nil, translateError(op, err)
	}

	refunds := make([]Refund, 0, len(raw))
	for _, ref := range raw {
		refunds = append(refunds, normalizeRefund(ref))
	}
	return refunds, nil
}

// EnsureCoupon returns the provider coupon ID for a promo code, creating
// the remote coupon on first use and persisting the ID before returning.
func (g *Gateway) EnsureCoupon(ctx context.Context, p *registry.PromoCode) (string, error) {
	const op = "gateway.EnsureCoupon"
	if err := g.checkConfigured(op); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(p.StripeCouponID); id != "" {
		return id, nil
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripelib.CouponParams{
		Name:     stripelib.String(p.Code),
		Duration: stripelib.String(string(p.Duration)),
	}
	switch p.DiscountType {
	case registry.DiscountPercent:
		params.PercentOff = stripelib.Float64(float64(p.DiscountValue))
	case registry.DiscountFixed:
		params.AmountOff = stripelib.Int64(p.DiscountValue)
		params.Currency = stripelib.String("usd")
	default:
		return "", newError(op, KindRejected, "unknown discount type "+string(p.DiscountType))
	}
	if p.Duration == registry.DurationRepeating {
		params.DurationInMonths = stripelib.Int64(int64(p.DurationMonths))
	}
	if p.MaxRedemptions > 0 {
		params.MaxRedemptions = stripelib.Int64(int64(p.MaxRedemptions))
	}
	if p.ValidUntil != nil {
		params.RedeemBy = stripelib.Int64(p.ValidUntil.Unix())
	}
	params.Context = callCtx

	c, err := g.newCoupon(params)
	observeCall(op, err)
	if err != nil {
		return "", translateError(op, err)
	}

	p.StripeCouponID = c.ID
	if persistErr := g.reg.SetPromoCouponID(p.ID, c.ID); persistErr != nil {
		log.Error().Err(persistErr).
			Str("promo_code", p.Code).
			Str("coupon_id", c.ID).
			Msg("Remote coupon created but local persist failed")
		return "", wrapPersist(op, persistErr)
	}

	log.Info().
		Str("promo_code", p.Code).
		Str("coupon_id", c.ID).
		Msg("Provider coupon created")
	return c.ID, nil
}

func normalizeRefund(ref *stripelib.Refund) Refund {
	return Refund{
		ID:        ref.ID,
		Amount:    ref.Amount,
		Currency:  string(ref.Currency),
		Status:    string(ref.Status),
		CreatedAt: time.Unix(ref.Created, 0).UTC(),
	}
}

func firstSubscriptionItem(sub *stripelib.Subscription) *stripelib.SubscriptionItem {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil {
			return item
		}
	}
	return nil
}

func firstItemPeriodEnd(sub *stripelib.Subscription) *time.Time {
	item := firstSubscriptionItem(sub)
	if item == nil || item.CurrentPeriodEnd <= 0 {
		return nil
	}
	ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
	return &ts
}
