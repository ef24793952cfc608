// Package promo validates and redeems promo codes against tenant
// subscriptions.
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/bmetrics"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// CouponGateway is the slice of the provider client the engine needs. The
// provider coupon is created lazily on first redemption of a code. An
// unconfigured gateway fails the call rather than skipping it, so a
// redemption can never be consumed without a provider coupon backing it.
type CouponGateway interface {
	EnsureCoupon(ctx context.Context, p *registry.PromoCode) (string, error)
}

// ValidationError carries a user-presentable reason a code cannot be
// applied. Anything else returned by the engine is an internal failure.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// Engine applies promo codes. Redemption exclusivity lives in the
// registry's transactional RedeemPromo; the engine layers eligibility
// checks and coupon provisioning on top.
type Engine struct {
	registry *registry.Registry
	gateway  CouponGateway
}

// New creates a promo engine.
func New(reg *registry.Registry, gw CouponGateway) *Engine {
	return &Engine{registry: reg, gateway: gw}
}

// Validate checks whether the tenant may redeem the code right now. It
// returns the code on success, a *ValidationError for user-facing
// rejections, or an internal error.
func (e *Engine) Validate(t *registry.Tenant, code string) (*registry.PromoCode, error) {
	return e.validateAt(t, code, time.Now().UTC())
}

func (e *Engine) validateAt(t *registry.Tenant, code string, now time.Time) (*registry.PromoCode, error) {
	p, err := e.registry.GetPromoCode(code)
	if err != nil {
		return nil, fmt.Errorf("lookup promo code: %w", err)
	}
	if p == nil || !p.IsActive {
		return nil, invalid("promo code not found")
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return nil, invalid("promo code is not yet active")
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return nil, invalid("promo code has expired")
	}
	if p.MaxRedemptions > 0 && p.TimesRedeemed >= p.MaxRedemptions {
		return nil, invalid("promo code redemption limit reached")
	}
	if !p.PlanAllowed(t.Plan) {
		return nil, invalid("promo code does not apply to your plan")
	}
	if p.MinSeats > 0 && t.SeatQuantity < p.MinSeats {
		return nil, invalid(fmt.Sprintf("promo code requires at least %d seats", p.MinSeats))
	}
	if p.MaxSeats > 0 && t.SeatQuantity > p.MaxSeats {
		return nil, invalid(fmt.Sprintf("promo code is limited to %d seats", p.MaxSeats))
	}

	redemption, err := e.registry.GetRedemption(t.ID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup redemption: %w", err)
	}
	if redemption != nil {
		return nil, invalid("promo code already redeemed")
	}
	if p.FirstTimeOnly {
		prior, err := e.registry.CountRedemptions(t.ID)
		if err != nil {
			return nil, fmt.Errorf("count redemptions: %w", err)
		}
		if prior > 0 {
			return nil, invalid("promo code is for first-time customers only")
		}
	}
	return p, nil
}

// Application is the result of a successful redemption.
type Application struct {
	PromoCode  *registry.PromoCode
	Redemption *registry.PromoCodeRedemption
	CouponID   string
}

// Prepare validates the code for the tenant and provisions the provider
// coupon without consuming a redemption. Callers that attach the coupon to
// a subscription or checkout session call Redeem once the provider accepted
// the discounted object, so a failed create does not burn the tenant's
// one-per-tenant redemption.
func (e *Engine) Prepare(ctx context.Context, t *registry.Tenant, code string) (*registry.PromoCode, string, error) {
	p, err := e.Validate(t, code)
	if err != nil {
		bmetrics.PromoRedemptions.WithLabelValues(redemptionResult(err)).Inc()
		return nil, "", err
	}
	couponID, err := e.gateway.EnsureCoupon(ctx, p)
	if err != nil {
		bmetrics.PromoRedemptions.WithLabelValues("provider_error").Inc()
		return nil, "", fmt.Errorf("ensure coupon: %w", err)
	}
	return p, couponID, nil
}

// Redeem records the redemption for an already-validated code. Exclusivity
// races lost to a concurrent redemption surface as ValidationErrors.
func (e *Engine) Redeem(t *registry.Tenant, p *registry.PromoCode, redeemedBy string) (*registry.PromoCodeRedemption, error) {
	redemption, err := e.registry.RedeemPromo(p.ID, t.ID, redeemedBy)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyRedeemed):
			bmetrics.PromoRedemptions.WithLabelValues("already_redeemed").Inc()
			return nil, invalid("promo code already redeemed")
		case errors.Is(err, registry.ErrRedemptionLimit):
			bmetrics.PromoRedemptions.WithLabelValues("limit_reached").Inc()
			return nil, invalid("promo code redemption limit reached")
		default:
			bmetrics.PromoRedemptions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("redeem promo: %w", err)
		}
	}
	bmetrics.PromoRedemptions.WithLabelValues("ok").Inc()
	return redemption, nil
}

// Apply validates and redeems the code for the tenant, provisioning the
// provider coupon on first use. The returned CouponID is what the caller
// attaches to the tenant's subscription or checkout session.
func (e *Engine) Apply(ctx context.Context, t *registry.Tenant, code, redeemedBy string) (*Application, error) {
	p, couponID, err := e.Prepare(ctx, t, code)
	if err != nil {
		return nil, err
	}
	redemption, err := e.Redeem(t, p, redeemedBy)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("promo_code", p.Code).
		Str("coupon_id", couponID).
		Str("redeemed_by", redeemedBy).
		Msg("Promo code redeemed")
	return &Application{PromoCode: p, Redemption: redemption, CouponID: couponID}, nil
}

func redemptionResult(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "rejected"
	}
	return "error"
}
