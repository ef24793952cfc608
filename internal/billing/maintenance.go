package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing/bmetrics"
)

// runPendingEvents periodically retries webhook events parked in the
// retryable state so a transient failure never strands an event.
func (s *Server) runPendingEvents(ctx context.Context) {
	interval := s.cfg.PendingEventInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Info().Dur("interval", interval).Msg("Pending webhook event loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Pending webhook event loop stopped")
			return
		case <-ticker.C:
			if _, err := s.processor.ProcessPending(ctx); err != nil {
				log.Error().Err(err).Msg("Pending webhook event pass failed")
			}
		}
	}
}

// runEventRetention purges processed webhook events older than the
// retention window once a day. Failed events are never purged; they are
// the audit trail for manual intervention.
func (s *Server) runEventRetention(ctx context.Context) {
	if s.cfg.EventRetention <= 0 {
		log.Info().Msg("Webhook event retention disabled")
		return
	}
	log.Info().Dur("retention", s.cfg.EventRetention).Msg("Webhook event retention loop started")

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Webhook event retention loop stopped")
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.EventRetention)
			purged, err := s.registry.PurgeProcessedEventsBefore(cutoff)
			if err != nil {
				log.Error().Err(err).Msg("Webhook event purge failed")
				continue
			}
			if purged > 0 {
				bmetrics.EventsPurged.Add(float64(purged))
				log.Info().Int64("purged", purged).Msg("Processed webhook events purged")
			}
		}
	}
}
