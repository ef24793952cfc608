package registry

import (
	"strings"
	"time"
)

// Plan identifies the billing plan a tenant is on.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanSingleUser Plan = "single_user"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// SeatMetered reports whether the plan bills per active seat.
func (p Plan) SeatMetered() bool {
	return p == PlanTeam || p == PlanEnterprise
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanSingleUser, PlanTeam, PlanEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus mirrors the provider's subscription status vocabulary.
type SubscriptionStatus string

const (
	SubStatusNone              SubscriptionStatus = "none"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// Remote reports whether the status implies a live remote subscription object.
func (s SubscriptionStatus) Remote() bool {
	switch s {
	case SubStatusTrialing, SubStatusActive, SubStatusPastDue, SubStatusUnpaid, SubStatusIncomplete:
		return true
	}
	return false
}

// Tenant is one billed organization. Subscription fields mirror the remote
// provider object and are mutated only by the webhook processor, the seat
// sync engine, and the gateway's write-through persistence.
type Tenant struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	ContactEmail         string             `json:"contact_email"`
	Plan                 Plan               `json:"plan"`
	SeatQuantity         int                `json:"seat_quantity"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	StripePriceID        string             `json:"stripe_price_id"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	TrialEndsAt          *time.Time         `json:"trial_ends_at,omitempty"`
	SubscriptionEndsAt   *time.Time         `json:"subscription_ends_at,omitempty"`
	NextBillingAt        *time.Time         `json:"next_billing_at,omitempty"`
	BillingIssueSince    *time.Time         `json:"billing_issue_since,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// MemberRole is a membership's permission level within a tenant.
type MemberRole string

const (
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
	MemberRoleViewer MemberRole = "viewer"
)

// MembershipStatus is a membership's lifecycle state. Only active
// memberships count toward seat usage.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipInvited   MembershipStatus = "invited"
	MembershipSuspended MembershipStatus = "suspended"
	MembershipRemoved   MembershipStatus = "removed"
)

// Membership links a user identity to a tenant.
type Membership struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	UserEmail string           `json:"user_email"`
	Role      MemberRole       `json:"role"`
	Status    MembershipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// EventStatus is the processing state of a stored webhook event.
type EventStatus string

const (
	EventReceived        EventStatus = "received"
	EventProcessing      EventStatus = "processing"
	EventProcessed       EventStatus = "processed"
	EventFailedRetryable EventStatus = "failed_retryable"
	EventFailedPermanent EventStatus = "failed_permanent"
)

// Terminal reports whether the status is a terminal processing state.
func (s EventStatus) Terminal() bool {
	return s == EventProcessed || s == EventFailedPermanent
}

// WebhookEvent is one inbound provider event, persisted verbatim before any
// interpretation. ProviderEventID is the sole deduplication key.
type WebhookEvent struct {
	ID              int64       `json:"id"`
	ProviderEventID string      `json:"provider_event_id"`
	EventType       string      `json:"event_type"`
	TenantID        string      `json:"tenant_id,omitempty"`
	Payload         []byte      `json:"payload"`
	Status          EventStatus `json:"status"`
	ProcessedAt     *time.Time  `json:"processed_at,omitempty"`
	ProcessingError string      `json:"processing_error,omitempty"`
	ProcessingNote  string      `json:"processing_note,omitempty"`
	RetryCount      int         `json:"retry_count"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// DiscountType is how a promo code discounts the subscription price.
type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// PromoDuration mirrors the provider's coupon duration model.
type PromoDuration string

const (
	DurationOnce      PromoDuration = "once"
	DurationRepeating PromoDuration = "repeating"
	DurationForever   PromoDuration = "forever"
)

// PromoCode is a redeemable discount code. The provider-side coupon is
// created lazily on first use and cached via StripeCouponID.
type PromoCode struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	DiscountType   DiscountType  `json:"discount_type"`
	DiscountValue  int64         `json:"discount_value"`
	Duration       PromoDuration `json:"duration"`
	DurationMonths int           `json:"duration_months"`
	MaxRedemptions int           `json:"max_redemptions"` // 0 = unlimited
	TimesRedeemed  int           `json:"times_redeemed"`
	ValidFrom      *time.Time    `json:"valid_from,omitempty"`
	ValidUntil     *time.Time    `json:"valid_until,omitempty"`
	IsActive       bool          `json:"is_active"`
	StripeCouponID string        `json:"stripe_coupon_id,omitempty"`
	FirstTimeOnly  bool          `json:"first_time_only"`
	MinSeats       int           `json:"min_seats"` // 0 = no minimum
	MaxSeats       int           `json:"max_seats"` // 0 = no maximum
	AllowedPlans   []Plan        `json:"allowed_plans,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PlanAllowed reports whether the code may be applied on the given plan.
// An empty allow-list permits every plan.
func (p *PromoCode) PlanAllowed(plan Plan) bool {
	if len(p.AllowedPlans) == 0 {
		return true
	}
	for _, allowed := range p.AllowedPlans {
		if allowed == plan {
			return true
		}
	}
	return false
}

// PromoCodeRedemption records one successful redemption. At most one row
// exists per (tenant, promo code) pair; the row is immutable once written.
type PromoCodeRedemption struct {
	ID          string    `json:"id"`
	PromoCodeID string    `json:"promo_code_id"`
	TenantID    string    `json:"tenant_id"`
	RedeemedBy  string    `json:"redeemed_by"`
	RedeemedAt  time.Time `json:"redeemed_at"`
}

// NormalizeCode canonicalizes a promo code for lookup and storage.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
