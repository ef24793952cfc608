package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const tenantColumns = `
	id, name, contact_email, plan, seat_quantity,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	subscription_status, trial_ends_at, subscription_ends_at,
	next_billing_at, billing_issue_since, created_at, updated_at`

// CreateTenant inserts a new tenant record.
func (r *Registry) CreateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	// ULIDs sort by creation time, which keeps tenant listings stable.
	if t.ID == "" {
		t.ID = "ten_" + ulid.Make().String()
	}
	if t.SeatQuantity < 1 {
		t.SeatQuantity = 1
	}
	if t.Plan == "" {
		t.Plan = PlanFree
	}
	if t.SubscriptionStatus == "" {
		t.SubscriptionStatus = SubStatusNone
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO tenants (
			id, name, contact_email, plan, seat_quantity,
			stripe_customer_id, stripe_subscription_id, stripe_price_id,
			subscription_status, trial_ends_at, subscription_ends_at,
			next_billing_at, billing_issue_since, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.ContactEmail, string(t.Plan), t.SeatQuantity,
		t.StripeCustomerID, t.StripeSubscriptionID, t.StripePriceID,
		string(t.SubscriptionStatus), nullableTimeUnix(t.TrialEndsAt), nullableTimeUnix(t.SubscriptionEndsAt),
		nullableTimeUnix(t.NextBillingAt), nullableTimeUnix(t.BillingIssueSince), t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID. Returns (nil, nil) if not found.
func (r *Registry) GetTenant(id string) (*Tenant, error) {
	row := r.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantByStripeCustomerID retrieves a tenant by provider customer ID.
func (r *Registry) GetTenantByStripeCustomerID(customerID string) (*Tenant, error) {
	if customerID == "" {
		return nil, nil
	}
	row := r.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE stripe_customer_id = ?`, customerID)
	return scanTenant(row)
}

// GetTenantByStripeSubscriptionID retrieves a tenant by provider subscription ID.
func (r *Registry) GetTenantByStripeSubscriptionID(subscriptionID string) (*Tenant, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	row := r.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE stripe_subscription_id = ?`, subscriptionID)
	return scanTenant(row)
}

// UpdateTenant modifies an existing tenant record.
func (r *Registry) UpdateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	if t.SeatQuantity < 1 {
		t.SeatQuantity = 1
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := r.db.Exec(`
		UPDATE tenants SET
			name = ?, contact_email = ?, plan = ?, seat_quantity = ?,
			stripe_customer_id = ?, stripe_subscription_id = ?, stripe_price_id = ?,
			subscription_status = ?, trial_ends_at = ?, subscription_ends_at = ?,
			next_billing_at = ?, billing_issue_since = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.ContactEmail, string(t.Plan), t.SeatQuantity,
		t.StripeCustomerID, t.StripeSubscriptionID, t.StripePriceID,
		string(t.SubscriptionStatus), nullableTimeUnix(t.TrialEndsAt), nullableTimeUnix(t.SubscriptionEndsAt),
		nullableTimeUnix(t.NextBillingAt), nullableTimeUnix(t.BillingIssueSince), t.UpdatedAt.Unix(),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %q not found", t.ID)
	}
	return nil
}

// DeleteTenant removes a tenant and, via cascade, its memberships and
// redemptions.
func (r *Registry) DeleteTenant(id string) error {
	if _, err := r.db.Exec(`DELETE FROM tenants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return nil
}

// ListTenants returns all tenants, newest first.
func (r *Registry) ListTenants() ([]*Tenant, error) {
	rows, err := r.db.Query(`SELECT` + tenantColumns + ` FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListTenantsByPlan returns all tenants on the given plan.
func (r *Registry) ListTenantsByPlan(plan Plan) ([]*Tenant, error) {
	rows, err := r.db.Query(`SELECT`+tenantColumns+` FROM tenants WHERE plan = ? ORDER BY created_at DESC`, string(plan))
	if err != nil {
		return nil, fmt.Errorf("list tenants by plan: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListSeatMeteredTenants returns all tenants on seat-metered plans that hold
// a remote subscription. Used by the reconciliation sweep.
func (r *Registry) ListSeatMeteredTenants() ([]*Tenant, error) {
	rows, err := r.db.Query(`SELECT`+tenantColumns+` FROM tenants
		WHERE plan IN (?, ?) AND stripe_subscription_id != ''
		ORDER BY created_at ASC`, string(PlanTeam), string(PlanEnterprise))
	if err != nil {
		return nil, fmt.Errorf("list seat-metered tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListTenantsWithBillingIssueSince returns tenants whose billing issue was
// first observed at or before cutoff.
func (r *Registry) ListTenantsWithBillingIssueSince(cutoff time.Time) ([]*Tenant, error) {
	rows, err := r.db.Query(`SELECT`+tenantColumns+` FROM tenants
		WHERE billing_issue_since IS NOT NULL AND billing_issue_since <= ?
		ORDER BY billing_issue_since ASC`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list tenants with billing issue: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// CountTenantsByPlan returns a map of plan -> tenant count.
func (r *Registry) CountTenantsByPlan() (map[Plan]int, error) {
	rows, err := r.db.Query(`SELECT plan, COUNT(*) FROM tenants GROUP BY plan`)
	if err != nil {
		return nil, fmt.Errorf("count tenants by plan: %w", err)
	}
	defer rows.Close()

	counts := make(map[Plan]int)
	for rows.Next() {
		var plan string
		var count int
		if err := rows.Scan(&plan, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Plan(plan)] = count
	}
	return counts, rows.Err()
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var plan, status string
	var createdAt, updatedAt int64
	var trialEndsAt, subEndsAt, nextBillingAt, billingIssueSince sql.NullInt64

	err := s.Scan(
		&t.ID, &t.Name, &t.ContactEmail, &plan, &t.SeatQuantity,
		&t.StripeCustomerID, &t.StripeSubscriptionID, &t.StripePriceID,
		&status, &trialEndsAt, &subEndsAt,
		&nextBillingAt, &billingIssueSince, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.Plan = Plan(plan)
	t.SubscriptionStatus = SubscriptionStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	t.TrialEndsAt = unixTimePtr(trialEndsAt)
	t.SubscriptionEndsAt = unixTimePtr(subEndsAt)
	t.NextBillingAt = unixTimePtr(nextBillingAt)
	t.BillingIssueSince = unixTimePtr(billingIssueSince)
	return &t, nil
}

func scanTenants(rows *sql.Rows) ([]*Tenant, error) {
	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}
