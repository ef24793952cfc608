package registry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const membershipColumns = `id, tenant_id, user_email, role, status, created_at, updated_at`

// CreateMembership inserts a new membership record.
func (r *Registry) CreateMembership(m *Membership) error {
	if m == nil {
		return fmt.Errorf("membership is nil")
	}
	if m.ID == "" {
		m.ID = "mem_" + ulid.Make().String()
	}
	m.UserEmail = strings.ToLower(strings.TrimSpace(m.UserEmail))
	if m.Role == "" {
		m.Role = MemberRoleMember
	}
	if m.Status == "" {
		m.Status = MembershipInvited
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO memberships (id, tenant_id, user_email, role, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.UserEmail, string(m.Role), string(m.Status),
		m.CreatedAt.Unix(), m.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

// GetMembership retrieves a membership by ID. Returns (nil, nil) if not found.
func (r *Registry) GetMembership(id string) (*Membership, error) {
	row := r.db.QueryRow(`SELECT `+membershipColumns+` FROM memberships WHERE id = ?`, id)
	return scanMembership(row)
}

// GetMembershipByEmail retrieves a tenant's membership for a user email.
func (r *Registry) GetMembershipByEmail(tenantID, userEmail string) (*Membership, error) {
	row := r.db.QueryRow(`SELECT `+membershipColumns+` FROM memberships
		WHERE tenant_id = ? AND user_email = ?`,
		tenantID, strings.ToLower(strings.TrimSpace(userEmail)))
	return scanMembership(row)
}

// UpdateMembership modifies an existing membership record.
func (r *Registry) UpdateMembership(m *Membership) error {
	if m == nil {
		return fmt.Errorf("membership is nil")
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := r.db.Exec(`
		UPDATE memberships SET user_email = ?, role = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		strings.ToLower(strings.TrimSpace(m.UserEmail)), string(m.Role), string(m.Status),
		m.UpdatedAt.Unix(), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("membership %q not found", m.ID)
	}
	return nil
}

// ListMemberships returns all memberships for a tenant.
func (r *Registry) ListMemberships(tenantID string) ([]*Membership, error) {
	rows, err := r.db.Query(`SELECT `+membershipColumns+` FROM memberships
		WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// CountActiveMemberships returns the number of seat-consuming memberships
// for a tenant.
func (r *Registry) CountActiveMemberships(tenantID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM memberships
		WHERE tenant_id = ? AND status = ?`, tenantID, string(MembershipActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active memberships: %w", err)
	}
	return count, nil
}

func scanMembership(s scanner) (*Membership, error) {
	var m Membership
	var role, status string
	var createdAt, updatedAt int64

	err := s.Scan(&m.ID, &m.TenantID, &m.UserEmail, &role, &status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan membership: %w", err)
	}

	m.Role = MemberRole(role)
	m.Status = MembershipStatus(status)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}
