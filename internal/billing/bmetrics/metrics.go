// Package bmetrics exposes Prometheus metrics for the billing engine.
package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsReceived counts webhook deliveries by outcome of the
	// HTTP-level handling (accepted, duplicate, bad_signature, store_error).
	WebhookEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "webhook_events_received_total",
		Help:      "Webhook deliveries by HTTP-level outcome.",
	}, []string{"outcome"})

	// WebhookEventsProcessed counts interpretation outcomes by event type.
	WebhookEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "webhook_events_processed_total",
		Help:      "Webhook events by event type and processing result.",
	}, []string{"event_type", "result"})

	// WebhookProcessingDuration observes per-event interpretation latency.
	WebhookProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "webhook_processing_duration_seconds",
		Help:      "Time spent interpreting a webhook event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GatewayCalls counts outbound provider calls by operation and result.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "gateway_calls_total",
		Help:      "Outbound payment provider calls by operation and result.",
	}, []string{"op", "result"})

	// SeatSyncs counts seat synchronization attempts by trigger and result.
	SeatSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "seat_syncs_total",
		Help:      "Seat quantity synchronizations by trigger and result.",
	}, []string{"trigger", "result"})

	// SeatDriftRepaired counts tenants whose remote quantity was corrected
	// by the reconciliation sweep.
	SeatDriftRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "seat_drift_repaired_total",
		Help:      "Tenants whose remote seat quantity the sweep corrected.",
	})

	// PromoRedemptions counts promo code redemption attempts by result.
	PromoRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "promo_redemptions_total",
		Help:      "Promo code redemption attempts by result.",
	}, []string{"result"})

	// EventsPurged counts processed webhook event rows removed by the
	// retention pass.
	EventsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "timetracker",
		Subsystem: "billing",
		Name:      "webhook_events_purged_total",
		Help:      "Processed webhook event rows removed by retention.",
	})
)
