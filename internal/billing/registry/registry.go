package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Registry provides CRUD operations for billing records backed by SQLite.
// A single writer connection keeps all mutations serialized.
type Registry struct {
	db *sql.DB
}

// New opens (or creates) the billing database in dir.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create billing dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                     TEXT PRIMARY KEY,
		name                   TEXT NOT NULL DEFAULT '',
		contact_email          TEXT NOT NULL DEFAULT '',
		plan                   TEXT NOT NULL DEFAULT 'free',
		seat_quantity          INTEGER NOT NULL DEFAULT 1 CHECK (seat_quantity >= 1),
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		stripe_price_id        TEXT NOT NULL DEFAULT '',
		subscription_status    TEXT NOT NULL DEFAULT 'none',
		trial_ends_at          INTEGER,
		subscription_ends_at   INTEGER,
		next_billing_at        INTEGER,
		billing_issue_since    INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_stripe_customer_id ON tenants(stripe_customer_id);
	CREATE INDEX IF NOT EXISTS idx_tenants_stripe_subscription_id ON tenants(stripe_subscription_id);
	CREATE INDEX IF NOT EXISTS idx_tenants_plan ON tenants(plan);

	CREATE TABLE IF NOT EXISTS memberships (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		user_email TEXT NOT NULL,
		role       TEXT NOT NULL DEFAULT 'member',
		status     TEXT NOT NULL DEFAULT 'invited',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (tenant_id, user_email)
	);
	CREATE INDEX IF NOT EXISTS idx_memberships_tenant_status ON memberships(tenant_id, status);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_event_id TEXT NOT NULL UNIQUE,
		event_type        TEXT NOT NULL DEFAULT '',
		tenant_id         TEXT NOT NULL DEFAULT '',
		payload           BLOB NOT NULL,
		status            TEXT NOT NULL DEFAULT 'received',
		processed_at      INTEGER,
		processing_error  TEXT NOT NULL DEFAULT '',
		processing_note   TEXT NOT NULL DEFAULT '',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status);

	CREATE TABLE IF NOT EXISTS promo_codes (
		id               TEXT PRIMARY KEY,
		code             TEXT NOT NULL UNIQUE,
		discount_type    TEXT NOT NULL,
		discount_value   INTEGER NOT NULL,
		duration         TEXT NOT NULL DEFAULT 'once',
		duration_months  INTEGER NOT NULL DEFAULT 0,
		max_redemptions  INTEGER NOT NULL DEFAULT 0,
		times_redeemed   INTEGER NOT NULL DEFAULT 0,
		valid_from       INTEGER,
		valid_until      INTEGER,
		is_active        INTEGER NOT NULL DEFAULT 1,
		stripe_coupon_id TEXT NOT NULL DEFAULT '',
		first_time_only  INTEGER NOT NULL DEFAULT 0,
		min_seats        INTEGER NOT NULL DEFAULT 0,
		max_seats        INTEGER NOT NULL DEFAULT 0,
		allowed_plans    TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS promo_code_redemptions (
		id            TEXT PRIMARY KEY,
		promo_code_id TEXT NOT NULL REFERENCES promo_codes(id) ON DELETE CASCADE,
		tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		redeemed_by   TEXT NOT NULL DEFAULT '',
		redeemed_at   INTEGER NOT NULL,
		UNIQUE (tenant_id, promo_code_id)
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
