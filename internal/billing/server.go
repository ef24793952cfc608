package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/promo"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/registry"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/seats"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/stripe"
)

// Server is the assembled billing service: the tenant registry, the
// provider gateway, the webhook pipeline, and the background loops.
type Server struct {
	cfg       *Config
	registry  *registry.Registry
	gateway   *stripe.Gateway
	processor *stripe.Processor
	webhook   *stripe.WebhookHandler
	enforcer  *stripe.BillingIssueEnforcer
	seats     *seats.Engine
	promos    *promo.Engine
}

// NewServer opens the registry and wires every component.
func NewServer(cfg *Config) (*Server, error) {
	reg, err := registry.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	gateway := stripe.NewGateway(reg, stripe.GatewayConfig{
		APIKey:      cfg.StripeAPIKey,
		CallTimeout: cfg.GatewayCallTimeout,
	})
	processor := stripe.NewProcessor(reg, cfg.WebhookMaxRetries)

	return &Server{
		cfg:       cfg,
		registry:  reg,
		gateway:   gateway,
		processor: processor,
		webhook:   stripe.NewWebhookHandler(cfg.StripeWebhookSecret, processor),
		enforcer:  stripe.NewBillingIssueEnforcer(reg, cfg.BillingIssueGrace, 0),
		seats:     seats.New(reg, gateway, cfg.SeatProrate, cfg.SeatSweepInterval),
		promos:    promo.New(reg, gateway),
	}, nil
}

// Run serves HTTP and background loops until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.seats.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.enforcer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.runPendingEvents(ctx)
		return nil
	})
	g.Go(func() error {
		s.runEventRetention(ctx)
		return nil
	})

	err := g.Wait()
	if closeErr := s.registry.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("Failed to close registry")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/stripe", s.webhook)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/tenants", s.handleCreateTenant)
	mux.HandleFunc("GET /api/tenants", s.handleListTenants)
	mux.HandleFunc("GET /api/tenants/{id}", s.handleGetTenant)
	mux.HandleFunc("DELETE /api/tenants/{id}", s.handleDeleteTenant)
	mux.HandleFunc("GET /api/tenants/{id}/entitlements", s.handleEntitlements)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("POST /api/tenants/{id}/checkout", s.handleCheckout)
	mux.HandleFunc("POST /api/tenants/{id}/portal", s.handlePortal)
	mux.HandleFunc("POST /api/tenants/{id}/subscription", s.handleCreateSubscription)
	mux.HandleFunc("DELETE /api/tenants/{id}/subscription", s.handleCancelSubscription)
	mux.HandleFunc("POST /api/tenants/{id}/subscription/reactivate", s.handleReactivateSubscription)
	mux.HandleFunc("GET /api/tenants/{id}/invoices", s.handleListInvoices)
	mux.HandleFunc("GET /api/tenants/{id}/refunds", s.handleListRefunds)
	mux.HandleFunc("POST /api/tenants/{id}/refunds", s.handleCreateRefund)

	mux.HandleFunc("GET /api/tenants/{id}/members", s.handleListMembers)
	mux.HandleFunc("POST /api/tenants/{id}/members", s.handleCreateMember)
	mux.HandleFunc("PATCH /api/tenants/{id}/members/{memberID}", s.handleUpdateMember)

	mux.HandleFunc("POST /api/tenants/{id}/promo", s.handleApplyPromo)
	mux.HandleFunc("POST /api/promo-codes", s.handleCreatePromoCode)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
