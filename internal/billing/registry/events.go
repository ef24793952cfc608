package registry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const eventColumns = `id, provider_event_id, event_type, tenant_id, payload, status,
	processed_at, processing_error, processing_note, retry_count, created_at, updated_at`

// InsertWebhookEvent stores an inbound event verbatim, before any
// interpretation. provider_event_id is the sole deduplication key: if a row
// with the same ID already exists the existing row is returned with
// created=false and nothing is written.
func (r *Registry) InsertWebhookEvent(providerEventID, eventType string, payload []byte) (*WebhookEvent, bool, error) {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return nil, false, fmt.Errorf("provider event id is required")
	}

	now := time.Now().UTC()
	res, err := r.db.Exec(`
		INSERT INTO webhook_events (provider_event_id, event_type, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		providerEventID, eventType, payload, string(EventReceived), now.Unix(), now.Unix(),
	)
	if err != nil {
		// The unique index rejected the insert; reload the original row so
		// at-least-once delivery degrades to a no-op for the caller.
		existing, getErr := r.GetWebhookEventByProviderID(providerEventID)
		if getErr != nil || existing == nil {
			return nil, false, fmt.Errorf("insert webhook event: %w", err)
		}
		return existing, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("webhook event insert id: %w", err)
	}
	return &WebhookEvent{
		ID:              id,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		Payload:         payload,
		Status:          EventReceived,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, true, nil
}

// GetWebhookEvent retrieves an event by row ID. Returns (nil, nil) if not found.
func (r *Registry) GetWebhookEvent(id int64) (*WebhookEvent, error) {
	row := r.db.QueryRow(`SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id)
	return scanWebhookEvent(row)
}

// GetWebhookEventByProviderID retrieves an event by the provider's event ID.
func (r *Registry) GetWebhookEventByProviderID(providerEventID string) (*WebhookEvent, error) {
	row := r.db.QueryRow(`SELECT `+eventColumns+` FROM webhook_events WHERE provider_event_id = ?`, providerEventID)
	return scanWebhookEvent(row)
}

// MarkEventProcessing transitions an event to the processing state and
// records the tenant it resolved to, if known.
func (r *Registry) MarkEventProcessing(id int64, tenantID string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Exec(`UPDATE webhook_events SET status = ?, tenant_id = ?, updated_at = ? WHERE id = ?`,
		string(EventProcessing), tenantID, now, id)
	if err != nil {
		return fmt.Errorf("mark event processing: %w", err)
	}
	return nil
}

// MarkEventProcessed transitions an event to its terminal processed state.
// note is optional context ("no matching tenant", "unhandled event type").
func (r *Registry) MarkEventProcessed(id int64, note string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Exec(`UPDATE webhook_events SET
			status = ?, processed_at = ?, processing_error = '', processing_note = ?, updated_at = ?
		WHERE id = ?`,
		string(EventProcessed), now, note, now, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkEventFailed records a processing failure and increments the retry
// counter. Once the counter exceeds maxRetries the event becomes
// failed_permanent and the scheduler stops picking it up.
func (r *Registry) MarkEventFailed(id int64, procErr error, maxRetries int) error {
	ev, err := r.GetWebhookEvent(id)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("webhook event %d not found", id)
	}

	status := EventFailedRetryable
	if ev.RetryCount+1 > maxRetries {
		status = EventFailedPermanent
	}
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}

	now := time.Now().UTC().Unix()
	_, err = r.db.Exec(`UPDATE webhook_events SET
			status = ?, processing_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`,
		string(status), msg, now, id)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// ListRetryableEvents returns failed events still under the retry ceiling,
// oldest first.
func (r *Registry) ListRetryableEvents(maxRetries int) ([]*WebhookEvent, error) {
	rows, err := r.db.Query(`SELECT `+eventColumns+` FROM webhook_events
		WHERE status = ? AND retry_count <= ? ORDER BY created_at ASC`,
		string(EventFailedRetryable), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list retryable events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListStalledEvents returns events stuck in a non-terminal state (received
// or processing) whose last transition predates cutoff, oldest first. These
// are rows a crash stranded between storage and settlement.
func (r *Registry) ListStalledEvents(cutoff time.Time) ([]*WebhookEvent, error) {
	rows, err := r.db.Query(`SELECT `+eventColumns+` FROM webhook_events
		WHERE status IN (?, ?) AND updated_at < ? ORDER BY created_at ASC`,
		string(EventReceived), string(EventProcessing), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list stalled events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeProcessedEventsBefore deletes processed events created before cutoff.
// Failed events are retained for operator inspection.
func (r *Registry) PurgeProcessedEventsBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM webhook_events WHERE status = ? AND created_at < ?`,
		string(EventProcessed), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

func scanWebhookEvent(s scanner) (*WebhookEvent, error) {
	var ev WebhookEvent
	var status string
	var processedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&ev.ID, &ev.ProviderEventID, &ev.EventType, &ev.TenantID, &ev.Payload, &status,
		&processedAt, &ev.ProcessingError, &ev.ProcessingNote, &ev.RetryCount, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}

	ev.Status = EventStatus(status)
	ev.ProcessedAt = unixTimePtr(processedAt)
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	ev.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ev, nil
}
