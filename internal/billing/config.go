// Package billing wires the billing engine together: configuration, HTTP
// surface, and background maintenance loops.
package billing

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	StripeAPIKey        string
	StripeWebhookSecret string

	// PlanPrices maps each paid plan to its provider price ID.
	PlanPrices map[registry.Plan]string

	TrialDays          int
	GatewayCallTimeout time.Duration
	WebhookMaxRetries  int

	SeatSweepInterval    time.Duration
	SeatProrate          bool
	PendingEventInterval time.Duration
	EventRetention       time.Duration
	BillingIssueGrace    time.Duration
}

// PriceForPlan returns the provider price ID for a plan, empty if the
// plan is not sold through the provider.
func (c *Config) PriceForPlan(plan registry.Plan) string {
	return c.PlanPrices[plan]
}

// PlanForPrice resolves a provider price ID back to a plan. Returns
// PlanFree and false when the price is unknown.
func (c *Config) PlanForPrice(priceID string) (registry.Plan, bool) {
	for plan, id := range c.PlanPrices {
		if id != "" && id == priceID {
			return plan, true
		}
	}
	return registry.PlanFree, false
}

// LoadConfig loads billing configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8087)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("BILLING_TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	maxRetries, err := envOrDefaultInt("BILLING_WEBHOOK_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	callTimeout, err := envOrDefaultDuration("BILLING_GATEWAY_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("BILLING_SEAT_SWEEP_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, err
	}
	pendingInterval, err := envOrDefaultDuration("BILLING_PENDING_EVENT_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	retention, err := envOrDefaultDuration("BILLING_EVENT_RETENTION", 90*24*time.Hour)
	if err != nil {
		return nil, err
	}
	grace, err := envOrDefaultDuration("BILLING_ISSUE_GRACE", 14*24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PlanPrices: map[registry.Plan]string{
			registry.PlanSingleUser: strings.TrimSpace(os.Getenv("STRIPE_PRICE_SINGLE_USER")),
			registry.PlanTeam:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_TEAM")),
			registry.PlanEnterprise: strings.TrimSpace(os.Getenv("STRIPE_PRICE_ENTERPRISE")),
		},
		TrialDays:            trialDays,
		GatewayCallTimeout:   callTimeout,
		WebhookMaxRetries:    maxRetries,
		SeatSweepInterval:    sweepInterval,
		SeatProrate:          envOrDefaultBool("BILLING_SEAT_PRORATE", true),
		PendingEventInterval: pendingInterval,
		EventRetention:       retention,
		BillingIssueGrace:    grace,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookMaxRetries < 1 {
		return fmt.Errorf("BILLING_WEBHOOK_MAX_RETRIES must be at least 1, got %d", c.WebhookMaxRetries)
	}
	if c.TrialDays < 0 {
		return fmt.Errorf("BILLING_TRIAL_DAYS must not be negative, got %d", c.TrialDays)
	}
	// Provider credentials are optional: without them the service still
	// serves tenant state, but outbound calls fail fast and webhooks are
	// rejected as unverifiable.
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_API_KEY is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
