package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nexus-core/internal/config"
	"nexus-core/internal/models"
	"nexus-core/internal/telemetry"
)

// deliveryStore is the slice of the store the dispatcher runs on.
type deliveryStore interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	EndpointsForOrg(ctx context.Context, orgID string) ([]models.WebhookEndpoint, error)
	PublishEvent(ctx context.Context, event models.WebhookEvent, endpoints []models.WebhookEndpoint) error
	DueDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.WebhookDelivery, error)
	RecordAttempt(ctx context.Context, deliveryID string, attemptNumber int, responseStatus *int, attemptErr *string) error
	MarkDelivered(ctx context.Context, deliveryID string) error
	ScheduleDeliveryRetry(ctx context.Context, deliveryID string, nextAttemptAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, deliveryID string) error
}

// Dispatcher fans terminal-job outbox events out to registered endpoints and
// drives delivery attempts with exponential backoff. Delivery never blocks
// job execution; retries for different deliveries proceed independently.
type Dispatcher struct {
	cfg        config.Config
	store      deliveryStore
	httpClient *http.Client
	now        func() time.Time
}

func NewDispatcher(cfg config.Config, st deliveryStore) *Dispatcher {
	timeout := cfg.WebhookRequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Run polls the outbox and due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.cfg.DispatcherPollInterval
	if interval == 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one publish+deliver round. Exposed for tests and for callers that
// drive their own loop.
func (d *Dispatcher) Tick(ctx context.Context) {
	if err := d.publishOutbox(ctx); err != nil {
		log.Error().Err(err).Msg("outbox publish failed")
	}
	if err := d.attemptDue(ctx); err != nil {
		log.Error().Err(err).Msg("delivery attempts failed")
	}
}

// publishOutbox fans unpublished terminal events into delivery rows. Events
// for orgs without endpoints are published with zero deliveries.
func (d *Dispatcher) publishOutbox(ctx context.Context) error {
	events, err := d.store.UnpublishedEvents(ctx, 100)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	for _, ev := range events {
		endpoints, err := d.store.EndpointsForOrg(ctx, ev.OrgID)
		if err != nil {
			return fmt.Errorf("endpoints for %s: %w", ev.OrgID, err)
		}
		if err := d.store.PublishEvent(ctx, ev, endpoints); err != nil {
			return fmt.Errorf("publish event %s: %w", ev.ID, err)
		}
		log.Debug().Str("job_id", ev.JobID).Int("endpoints", len(endpoints)).Msg("outbox event published")
	}
	return nil
}

// attemptDue claims the due batch and posts attempts concurrently, so one
// slow endpoint cannot hold up deliveries to other endpoints in the batch.
func (d *Dispatcher) attemptDue(ctx context.Context) error {
	now := d.now()
	due, err := d.store.DueDeliveries(ctx, now, now.Add(d.claimLease()), 100)
	if err != nil {
		return fmt.Errorf("list due deliveries: %w", err)
	}

	concurrency := d.cfg.DispatcherConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, delivery := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(delivery models.WebhookDelivery) {
			defer wg.Done()
			defer func() { <-sem }()
			d.attempt(ctx, delivery)
		}(delivery)
	}
	wg.Wait()
	return nil
}

// claimLease is how long a claimed delivery stays invisible to other pollers.
// An attempt that crashes mid-POST becomes due again once the lease lapses.
func (d *Dispatcher) claimLease() time.Duration {
	timeout := d.cfg.WebhookRequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return 2 * timeout
}

// attempt performs one POST and records the outcome as an audit row.
func (d *Dispatcher) attempt(ctx context.Context, delivery models.WebhookDelivery) {
	attemptNumber := delivery.AttemptCount + 1
	logger := log.With().Str("delivery_id", delivery.ID).Str("job_id", delivery.JobID).Int("attempt", attemptNumber).Logger()

	status, attemptErr := d.post(ctx, delivery)

	var statusPtr *int
	if status != 0 {
		statusPtr = &status
	}
	var errPtr *string
	if attemptErr != nil {
		msg := attemptErr.Error()
		errPtr = &msg
	}
	if err := d.store.RecordAttempt(ctx, delivery.ID, attemptNumber, statusPtr, errPtr); err != nil {
		logger.Error().Err(err).Msg("record attempt failed")
		return
	}

	if attemptErr == nil {
		if err := d.store.MarkDelivered(ctx, delivery.ID); err != nil {
			logger.Error().Err(err).Msg("mark delivered failed")
			return
		}
		telemetry.WebhooksDelivered.Inc()
		logger.Info().Msg("webhook delivered")
		return
	}

	telemetry.WebhookFailures.Inc()
	if attemptNumber >= d.cfg.WebhookMaxAttempts {
		if err := d.store.MarkDeliveryFailed(ctx, delivery.ID); err != nil {
			logger.Error().Err(err).Msg("mark failed failed")
			return
		}
		telemetry.WebhooksExhausted.Inc()
		logger.Warn().Err(attemptErr).Msg("webhook delivery permanently failed")
		return
	}

	next := d.now().Add(d.cfg.WebhookBackoff(attemptNumber))
	if err := d.store.ScheduleDeliveryRetry(ctx, delivery.ID, next); err != nil {
		logger.Error().Err(err).Msg("schedule delivery retry failed")
		return
	}
	logger.Warn().Err(attemptErr).Time("next_attempt_at", next).Msg("webhook attempt failed, retry scheduled")
}

// post sends the signed payload. Returns the HTTP status (0 when transport
// failed) and nil error only for 2xx responses.
func (d *Dispatcher) post(ctx context.Context, delivery models.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(delivery.Secret, delivery.Payload))
	req.Header.Set("X-Webhook-Job-Id", delivery.JobID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
}
