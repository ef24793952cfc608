package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/entitlements"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/promo"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/seats"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/stripe"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeGatewayError maps provider error kinds to HTTP statuses.
func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case stripe.IsKind(err, stripe.KindNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "payment provider not configured")
	case stripe.IsKind(err, stripe.KindNoSubscription):
		writeError(w, http.StatusConflict, "tenant has no subscription")
	case stripe.IsKind(err, stripe.KindNotFound):
		writeError(w, http.StatusNotFound, "remote object not found")
	case stripe.IsKind(err, stripe.KindRejected):
		writeError(w, http.StatusUnprocessableEntity, "payment provider rejected the request")
	case stripe.IsKind(err, stripe.KindTimeout):
		writeError(w, http.StatusGatewayTimeout, "payment provider timed out")
	default:
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	}
}

// writePromoError maps promo engine failures: user-facing rejections to
// 422, provider failures through the gateway taxonomy, the rest to 500.
func writePromoError(w http.ResponseWriter, tenantID string, err error) {
	var verr *promo.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusUnprocessableEntity, verr.Reason)
		return
	}
	var gwErr *stripe.Error
	if errors.As(err, &gwErr) {
		writeGatewayError(w, err)
		return
	}
	log.Error().Err(err).Str("tenant_id", tenantID).Msg("Promo apply failed")
	writeError(w, http.StatusInternalServerError, "promo apply failed")
}

func (s *Server) loadTenant(w http.ResponseWriter, r *http.Request) *registry.Tenant {
	id := r.PathValue("id")
	t, err := s.registry.GetTenant(id)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", id).Msg("Tenant lookup failed")
		writeError(w, http.StatusInternalServerError, "tenant lookup failed")
		return nil
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return nil
	}
	return t
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		ContactEmail string `json:"contact_email"`
		Plan         string `json:"plan"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.ContactEmail == "" {
		writeError(w, http.StatusBadRequest, "name and contact_email are required")
		return
	}
	t := &registry.Tenant{
		Name:         req.Name,
		ContactEmail: req.ContactEmail,
	}
	if req.Plan != "" {
		plan := registry.Plan(req.Plan)
		if !plan.Valid() {
			writeError(w, http.StatusBadRequest, "unknown plan "+req.Plan)
			return
		}
		t.Plan = plan
	}
	if err := s.registry.CreateTenant(t); err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("Tenant create failed")
		writeError(w, http.StatusInternalServerError, "tenant create failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	var (
		tenants []*registry.Tenant
		err     error
	)
	if planFilter := r.URL.Query().Get("plan"); planFilter != "" {
		plan := registry.Plan(planFilter)
		if !plan.Valid() {
			writeError(w, http.StatusBadRequest, "unknown plan "+planFilter)
			return
		}
		tenants, err = s.registry.ListTenantsByPlan(plan)
	} else {
		tenants, err = s.registry.ListTenants()
	}
	if err != nil {
		log.Error().Err(err).Msg("Tenant list failed")
		writeError(w, http.StatusInternalServerError, "tenant list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	if t.StripeSubscriptionID != "" {
		writeError(w, http.StatusConflict, "cancel the subscription before deleting the tenant")
		return
	}
	if err := s.registry.DeleteTenant(t.ID); err != nil {
		log.Error().Err(err).Str("tenant_id", t.ID).Msg("Tenant delete failed")
		writeError(w, http.StatusInternalServerError, "tenant delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.registry.CountTenantsByPlan()
	if err != nil {
		log.Error().Err(err).Msg("Tenant stats failed")
		writeError(w, http.StatusInternalServerError, "tenant stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants_by_plan": counts})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	features := map[string]bool{}
	for _, f := range entitlements.AllFeatures() {
		features[f] = entitlements.FeatureAllowed(t, f)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":                t.Plan,
		"subscription_status": t.SubscriptionStatus,
		"active":              entitlements.HasActiveSubscription(t),
		"billing_issue":       entitlements.HasBillingIssue(t),
		"on_trial":            entitlements.IsOnTrial(t),
		"trial_days_left":     entitlements.TrialDaysRemaining(t),
		"seat_limit":          entitlements.SeatLimit(t.Plan),
		"features":            features,
	})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	var req struct {
		Plan       string `json:"plan"`
		Quantity   int    `json:"quantity"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
		PromoCode  string `json:"promo_code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	plan := registry.Plan(req.Plan)
	priceID := s.cfg.PriceForPlan(plan)
	if priceID == "" {
		writeError(w, http.StatusBadRequest, "plan is not purchasable")
		return
	}
	var (
		promoCode *registry.PromoCode
		couponID  string
	)
	if req.PromoCode != "" {
		var err error
		promoCode, couponID, err = s.promos.Prepare(r.Context(), t, req.PromoCode)
		if err != nil {
			writePromoError(w, t.ID, err)
			return
		}
	}
	session, err := s.gateway.CreateCheckoutSession(r.Context(), t, stripe.CheckoutParams{
		PriceID:    priceID,
		Quantity:   req.Quantity,
		TrialDays:  s.cfg.TrialDays,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		CouponID:   couponID,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if promoCode != nil {
		if _, err := s.promos.Redeem(t, promoCode, t.ContactEmail); err != nil {
			log.Error().Err(err).
				Str("tenant_id", t.ID).
				Str("promo_code", promoCode.Code).
				Msg("Checkout session discounted but redemption bookkeeping failed")
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.gateway.CreateBillingPortalSession(r.Context(), t, req.ReturnURL)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	var req struct {
		Plan      string `json:"plan"`
		Quantity  int    `json:"quantity"`
		PromoCode string `json:"promo_code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	plan := registry.Plan(req.Plan)
	priceID := s.cfg.PriceForPlan(plan)
	if priceID == "" {
		writeError(w, http.StatusBadRequest, "plan is not purchasable")
		return
	}
	if t.StripeSubscriptionID != "" {
		writeError(w, http.StatusConflict, "tenant already has a subscription")
		return
	}

	quantity := req.Quantity
	if plan.SeatMetered() && quantity < 1 {
		count, err := s.seats.DesiredQuantity(t.ID)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", t.ID).Msg("Seat count failed")
			writeError(w, http.StatusInternalServerError, "seat count failed")
			return
		}
		quantity = count
	}

	var (
		promoCode *registry.PromoCode
		couponID  string
	)
	if req.PromoCode != "" {
		var err error
		promoCode, couponID, err = s.promos.Prepare(r.Context(), t, req.PromoCode)
		if err != nil {
			writePromoError(w, t.ID, err)
			return
		}
	}

	t.Plan = plan
	creation, err := s.gateway.CreateSubscription(r.Context(), t, priceID, quantity, s.cfg.TrialDays, couponID)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	// The redemption is consumed only after the provider accepted the
	// discounted subscription.
	if promoCode != nil {
		if _, err := s.promos.Redeem(t, promoCode, t.ContactEmail); err != nil {
			log.Error().Err(err).
				Str("tenant_id", t.ID).
				Str("promo_code", promoCode.Code).
				Msg("Subscription discounted but redemption bookkeeping failed")
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscription_id": creation.SubscriptionID,
		"client_secret":   creation.ClientSecret,
		"status":          creation.Status,
		"coupon_id":       couponID,
	})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	atPeriodEnd := r.URL.Query().Get("at_period_end") != "false"
	if err := s.gateway.CancelSubscription(r.Context(), t, atPeriodEnd); err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	if err := s.gateway.ReactivateSubscription(r.Context(), t); err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	invoices, err := s.gateway.ListInvoices(r.Context(), t, limit)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (s *Server) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	refunds, err := s.gateway.ListRefunds(r.Context(), t, limit)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
}

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	var req struct {
		PaymentIntentID string `json:"payment_intent_id"`
		Amount          int64  `json:"amount"`
		Reason          string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PaymentIntentID == "" {
		writeError(w, http.StatusBadRequest, "payment_intent_id is required")
		return
	}
	ref, err := s.gateway.CreateRefund(r.Context(), t, req.PaymentIntentID, req.Amount, req.Reason)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	members, err := s.registry.ListMemberships(t.ID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", t.ID).Msg("Membership list failed")
		writeError(w, http.StatusInternalServerError, "membership list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	var req struct {
		UserEmail string `json:"user_email"`
		Role      string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserEmail == "" {
		writeError(w, http.StatusBadRequest, "user_email is required")
		return
	}
	if err := s.seats.CheckSeatLimit(t, 1); err != nil {
		if errors.Is(err, seats.ErrSeatLimitReached) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Error().Err(err).Str("tenant_id", t.ID).Msg("Seat limit check failed")
		writeError(w, http.StatusInternalServerError, "seat limit check failed")
		return
	}
	m := &registry.Membership{
		TenantID:  t.ID,
		UserEmail: req.UserEmail,
		Role:      registry.MemberRole(req.Role),
		Status:    registry.MembershipActive,
	}
	if err := s.registry.CreateMembership(m); err != nil {
		log.Error().Err(err).Str("tenant_id", t.ID).Msg("Membership create failed")
		writeError(w, http.StatusInternalServerError, "membership create failed")
		return
	}
	s.syncSeats(r, t.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	m, err := s.registry.GetMembership(r.PathValue("memberID"))
	if err != nil {
		log.Error().Err(err).Msg("Membership lookup failed")
		writeError(w, http.StatusInternalServerError, "membership lookup failed")
		return
	}
	if m == nil || m.TenantID != t.ID {
		writeError(w, http.StatusNotFound, "membership not found")
		return
	}
	var req struct {
		Role   string `json:"role"`
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role != "" {
		m.Role = registry.MemberRole(req.Role)
	}
	statusChanged := false
	if req.Status != "" {
		next := registry.MembershipStatus(req.Status)
		if next == registry.MembershipActive && m.Status != registry.MembershipActive {
			// Activation consumes a seat, so gate it.
			if err := s.seats.CheckSeatLimit(t, 1); err != nil {
				if errors.Is(err, seats.ErrSeatLimitReached) {
					writeError(w, http.StatusUnprocessableEntity, err.Error())
					return
				}
				log.Error().Err(err).Str("tenant_id", t.ID).Msg("Seat limit check failed")
				writeError(w, http.StatusInternalServerError, "seat limit check failed")
				return
			}
		}
		statusChanged = next != m.Status
		m.Status = next
	}
	if err := s.registry.UpdateMembership(m); err != nil {
		log.Error().Err(err).Str("membership_id", m.ID).Msg("Membership update failed")
		writeError(w, http.StatusInternalServerError, "membership update failed")
		return
	}
	if statusChanged {
		s.syncSeats(r, t.ID)
	}
	writeJSON(w, http.StatusOK, m)
}

// syncSeats pushes the new membership count to the provider. Failures are
// logged, not surfaced: the sweep converges any tenant a live sync missed.
func (s *Server) syncSeats(r *http.Request, tenantID string) {
	if err := s.seats.Sync(r.Context(), tenantID, nil); err != nil {
		log.Warn().Err(err).
			Str("tenant_id", tenantID).
			Msg("Seat sync after membership change failed, sweep will converge")
	}
}

func (s *Server) handleApplyPromo(w http.ResponseWriter, r *http.Request) {
	t := s.loadTenant(w, r)
	if t == nil {
		return
	}
	var req struct {
		Code       string `json:"code"`
		RedeemedBy string `json:"redeemed_by"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	application, err := s.promos.Apply(r.Context(), t, req.Code, req.RedeemedBy)
	if err != nil {
		writePromoError(w, t.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":        application.PromoCode.Code,
		"coupon_id":   application.CouponID,
		"redeemed_at": application.Redemption.RedeemedAt,
	})
}

func (s *Server) handleCreatePromoCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code           string     `json:"code"`
		DiscountType   string     `json:"discount_type"`
		DiscountValue  int64      `json:"discount_value"`
		Duration       string     `json:"duration"`
		DurationMonths int        `json:"duration_months"`
		MaxRedemptions int        `json:"max_redemptions"`
		ValidFrom      *time.Time `json:"valid_from"`
		ValidUntil     *time.Time `json:"valid_until"`
		FirstTimeOnly  bool       `json:"first_time_only"`
		MinSeats       int        `json:"min_seats"`
		MaxSeats       int        `json:"max_seats"`
		AllowedPlans   []string   `json:"allowed_plans"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	p := &registry.PromoCode{
		Code:           req.Code,
		DiscountType:   registry.DiscountType(req.DiscountType),
		DiscountValue:  req.DiscountValue,
		Duration:       registry.PromoDuration(req.Duration),
		DurationMonths: req.DurationMonths,
		MaxRedemptions: req.MaxRedemptions,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		IsActive:       true,
		FirstTimeOnly:  req.FirstTimeOnly,
		MinSeats:       req.MinSeats,
		MaxSeats:       req.MaxSeats,
	}
	for _, plan := range req.AllowedPlans {
		p.AllowedPlans = append(p.AllowedPlans, registry.Plan(plan))
	}
	if err := s.registry.CreatePromoCode(p); err != nil {
		log.Error().Err(err).Str("code", req.Code).Msg("Promo code create failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
