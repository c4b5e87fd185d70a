package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nexus-core/internal/models"
)

// UpsertEndpoint registers or updates a webhook endpoint for an org.
func (s *Store) UpsertEndpoint(ctx context.Context, orgID, url, secret string) (models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	err := s.db.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (id, org_id, url, secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, url) DO UPDATE SET secret = EXCLUDED.secret
		RETURNING id, org_id, url, secret, created_at
	`, uuid.New().String(), orgID, url, secret).Scan(&ep.ID, &ep.OrgID, &ep.URL, &ep.Secret, &ep.CreatedAt)
	if err != nil {
		return models.WebhookEndpoint{}, fmt.Errorf("upsert endpoint: %w", err)
	}
	return ep, nil
}

// EndpointsForOrg lists the org's registered endpoints.
func (s *Store) EndpointsForOrg(ctx context.Context, orgID string) ([]models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, org_id, url, secret, created_at FROM webhook_endpoints WHERE org_id = $1
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEndpoint
	for rows.Next() {
		var ep models.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.OrgID, &ep.URL, &ep.Secret, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// DeleteEndpoints removes all webhook endpoints for an org.
func (s *Store) DeleteEndpoints(ctx context.Context, orgID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM webhook_endpoints WHERE org_id = $1`, orgID)
	return err
}

// UnpublishedEvents returns outbox rows not yet fanned out to deliveries.
func (s *Store) UnpublishedEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, org_id, job_status, payload, published, created_at
		FROM webhook_events WHERE NOT published
		ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		var ev models.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.OrgID, &ev.JobStatus, &ev.Payload, &ev.Published, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PublishEvent fans an outbox event out into one pending delivery per
// endpoint and marks the event published, as a single transaction. Re-running
// after a crash re-creates deliveries at worst (at-least-once), never loses
// the event.
func (s *Store) PublishEvent(ctx context.Context, event models.WebhookEvent, endpoints []models.WebhookEndpoint) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ep := range endpoints {
		_, err := tx.Exec(ctx, `
			INSERT INTO webhook_deliveries (id, endpoint_id, event_id, job_id, status, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, uuid.New().String(), ep.ID, event.ID, event.JobID, models.DeliveryPending)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE webhook_events SET published = TRUE WHERE id = $1
	`, event.ID); err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DueDeliveries claims pending deliveries whose next attempt is due, joined
// with their endpoint and payload. Claiming pushes next_attempt_at to
// leaseUntil under SKIP LOCKED, so concurrent dispatcher replicas never POST
// the same delivery; a claim abandoned mid-attempt becomes due again once the
// lease lapses.
func (s *Store) DueDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.WebhookDelivery, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE webhook_deliveries d
		SET next_attempt_at = $4, updated_at = NOW()
		FROM webhook_endpoints e, webhook_events ev
		WHERE d.id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = $1 AND next_attempt_at <= $2
			ORDER BY next_attempt_at LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		AND e.id = d.endpoint_id AND ev.id = d.event_id
		RETURNING d.id, d.endpoint_id, d.event_id, d.job_id, d.status, d.attempt_count,
		          d.next_attempt_at, d.last_response_status, d.last_error,
		          e.url, e.secret, ev.payload
	`, models.DeliveryPending, now, limit, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.JobID, &d.Status, &d.AttemptCount,
			&d.NextAttemptAt, &d.LastResponseStatus, &d.LastError,
			&d.URL, &d.Secret, &d.Payload); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordAttempt appends an audit row for a delivery attempt and rolls the
// attempt counter forward on the delivery itself.
func (s *Store) RecordAttempt(ctx context.Context, deliveryID string, attemptNumber int, responseStatus *int, attemptErr *string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_delivery_attempts (id, delivery_id, attempt_number, response_status, error)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), deliveryID, attemptNumber, responseStatus, attemptErr)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE webhook_deliveries
		SET attempt_count = $2, last_response_status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, deliveryID, attemptNumber, responseStatus, attemptErr)
	if err != nil {
		return fmt.Errorf("update delivery attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkDelivered finalizes a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, deliveryID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $2, delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, deliveryID, models.DeliveryDelivered)
	return err
}

// ScheduleDeliveryRetry defers the next attempt.
func (s *Store) ScheduleDeliveryRetry(ctx context.Context, deliveryID string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_deliveries SET next_attempt_at = $2, updated_at = NOW() WHERE id = $1
	`, deliveryID, nextAttemptAt)
	return err
}

// MarkDeliveryFailed records terminal delivery failure after max attempts.
func (s *Store) MarkDeliveryFailed(ctx context.Context, deliveryID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $2, updated_at = NOW() WHERE id = $1
	`, deliveryID, models.DeliveryFailed)
	return err
}
