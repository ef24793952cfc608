package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Redemption failures the promo engine translates into user-facing reasons.
var (
	ErrAlreadyRedeemed   = errors.New("promo code already redeemed by tenant")
	ErrRedemptionLimit   = errors.New("promo code redemption limit reached")
	ErrPromoCodeNotFound = errors.New("promo code not found")
)

const promoColumns = `id, code, discount_type, discount_value, duration, duration_months,
	max_redemptions, times_redeemed, valid_from, valid_until, is_active,
	stripe_coupon_id, first_time_only, min_seats, max_seats, allowed_plans,
	created_at, updated_at`

// CreatePromoCode inserts a new promo code. The code is case-normalized.
func (r *Registry) CreatePromoCode(p *PromoCode) error {
	if p == nil {
		return fmt.Errorf("promo code is nil")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Code = NormalizeCode(p.Code)
	if p.Code == "" {
		return fmt.Errorf("promo code is empty")
	}
	if p.Duration == "" {
		p.Duration = DurationOnce
	}
	if p.Duration == DurationRepeating && p.DurationMonths < 1 {
		return fmt.Errorf("repeating promo code requires duration_months >= 1")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO promo_codes (
			id, code, discount_type, discount_value, duration, duration_months,
			max_redemptions, times_redeemed, valid_from, valid_until, is_active,
			stripe_coupon_id, first_time_only, min_seats, max_seats, allowed_plans,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, string(p.DiscountType), p.DiscountValue, string(p.Duration), p.DurationMonths,
		p.MaxRedemptions, p.TimesRedeemed, nullableTimeUnix(p.ValidFrom), nullableTimeUnix(p.ValidUntil), boolToInt(p.IsActive),
		p.StripeCouponID, boolToInt(p.FirstTimeOnly), p.MinSeats, p.MaxSeats, joinPlans(p.AllowedPlans),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create promo code: %w", err)
	}
	return nil
}

// GetPromoCode retrieves a promo code by its normalized code string.
// Returns (nil, nil) if not found.
func (r *Registry) GetPromoCode(code string) (*PromoCode, error) {
	row := r.db.QueryRow(`SELECT `+promoColumns+` FROM promo_codes WHERE code = ?`, NormalizeCode(code))
	return scanPromoCode(row)
}

// SetPromoCouponID persists the lazily created provider coupon ID so
// subsequent applications reuse it.
func (r *Registry) SetPromoCouponID(promoID, couponID string) error {
	now := time.Now().UTC().Unix()
	res, err := r.db.Exec(`UPDATE promo_codes SET stripe_coupon_id = ?, updated_at = ? WHERE id = ?`,
		couponID, now, promoID)
	if err != nil {
		return fmt.Errorf("set promo coupon id: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrPromoCodeNotFound
	}
	return nil
}

// GetRedemption retrieves the redemption for a (tenant, promo code) pair.
func (r *Registry) GetRedemption(tenantID, promoID string) (*PromoCodeRedemption, error) {
	row := r.db.QueryRow(`SELECT id, promo_code_id, tenant_id, redeemed_by, redeemed_at
		FROM promo_code_redemptions WHERE tenant_id = ? AND promo_code_id = ?`, tenantID, promoID)
	return scanRedemption(row)
}

// CountRedemptions returns the number of redemptions recorded for a tenant.
func (r *Registry) CountRedemptions(tenantID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM promo_code_redemptions WHERE tenant_id = ?`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return count, nil
}

// RedeemPromo atomically records a redemption: the uniqueness check, the
// redemption insert, and the times_redeemed increment run in one
// transaction so concurrent attempts cannot both succeed at the limit. The
// UNIQUE(tenant_id, promo_code_id) constraint is the backstop for the
// check-then-act window.
func (r *Registry) RedeemPromo(promoID, tenantID, redeemedBy string) (*PromoCodeRedemption, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin redemption tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxRedemptions, timesRedeemed int
	err = tx.QueryRow(`SELECT max_redemptions, times_redeemed FROM promo_codes WHERE id = ?`, promoID).
		Scan(&maxRedemptions, &timesRedeemed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPromoCodeNotFound
		}
		return nil, fmt.Errorf("load promo for redemption: %w", err)
	}
	if maxRedemptions > 0 && timesRedeemed >= maxRedemptions {
		return nil, ErrRedemptionLimit
	}

	var existing int
	err = tx.QueryRow(`SELECT COUNT(*) FROM promo_code_redemptions
		WHERE tenant_id = ? AND promo_code_id = ?`, tenantID, promoID).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("check existing redemption: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyRedeemed
	}

	redemption := &PromoCodeRedemption{
		ID:          uuid.NewString(),
		PromoCodeID: promoID,
		TenantID:    tenantID,
		RedeemedBy:  strings.ToLower(strings.TrimSpace(redeemedBy)),
		RedeemedAt:  time.Now().UTC(),
	}
	_, err = tx.Exec(`INSERT INTO promo_code_redemptions (id, promo_code_id, tenant_id, redeemed_by, redeemed_at)
		VALUES (?, ?, ?, ?, ?)`,
		redemption.ID, redemption.PromoCodeID, redemption.TenantID, redemption.RedeemedBy, redemption.RedeemedAt.Unix())
	if err != nil {
		// Unique constraint race: another request for the same tenant won.
		return nil, ErrAlreadyRedeemed
	}

	_, err = tx.Exec(`UPDATE promo_codes SET times_redeemed = times_redeemed + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), promoID)
	if err != nil {
		return nil, fmt.Errorf("increment times_redeemed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit redemption tx: %w", err)
	}
	return redemption, nil
}

func scanPromoCode(s scanner) (*PromoCode, error) {
	var p PromoCode
	var discountType, duration, allowedPlans string
	var validFrom, validUntil sql.NullInt64
	var isActive, firstTimeOnly int
	var createdAt, updatedAt int64

	err := s.Scan(
		&p.ID, &p.Code, &discountType, &p.DiscountValue, &duration, &p.DurationMonths,
		&p.MaxRedemptions, &p.TimesRedeemed, &validFrom, &validUntil, &isActive,
		&p.StripeCouponID, &firstTimeOnly, &p.MinSeats, &p.MaxSeats, &allowedPlans,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo code: %w", err)
	}

	p.DiscountType = DiscountType(discountType)
	p.Duration = PromoDuration(duration)
	p.ValidFrom = unixTimePtr(validFrom)
	p.ValidUntil = unixTimePtr(validUntil)
	p.IsActive = isActive != 0
	p.FirstTimeOnly = firstTimeOnly != 0
	p.AllowedPlans = splitPlans(allowedPlans)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func scanRedemption(s scanner) (*PromoCodeRedemption, error) {
	var red PromoCodeRedemption
	var redeemedAt int64

	err := s.Scan(&red.ID, &red.PromoCodeID, &red.TenantID, &red.RedeemedBy, &redeemedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan redemption: %w", err)
	}
	red.RedeemedAt = time.Unix(redeemedAt, 0).UTC()
	return &red, nil
}

func joinPlans(plans []Plan) string {
	if len(plans) == 0 {
		return ""
	}
	parts := make([]string, 0, len(plans))
	for _, p := range plans {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}

func splitPlans(s string) []Plan {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	plans := make([]Plan, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			plans = append(plans, Plan(part))
		}
	}
	return plans
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
