package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nexus-core/internal/config"
	"nexus-core/internal/extsvc"
	"nexus-core/internal/models"
	"nexus-core/internal/telemetry"
)

// jobStore is the slice of the store the processor drives transitions through.
type jobStore interface {
	ClaimNext(ctx context.Context) (models.Job, bool, error)
	ExpiredRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	CompleteJob(ctx context.Context, job models.Job, output map[string]any) error
	RetryJob(ctx context.Context, id string, attemptCount int, nextAttemptAt time.Time, errMsg string) error
	FailJob(ctx context.Context, job models.Job, attemptCount int, errMsg string) error
}

// resultCache is the fail-open result cache contract.
type resultCache interface {
	Get(ctx context.Context, key string) (map[string]any, bool)
	Set(ctx context.Context, key string, value map[string]any)
}

// Processor turns pending jobs into terminal jobs: claim, consult the cache,
// run the executor, apply retry policy, and drive ledger-coupled transitions.
type Processor struct {
	cfg       config.Config
	store     jobStore
	cache     resultCache
	executors map[string]Executor
}

func NewProcessor(cfg config.Config, st jobStore, c resultCache, executors map[string]Executor) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     st,
		cache:     c,
		executors: executors,
	}
}

// Run starts cfg.WorkerCount claim loops plus the lease reclaim loop and
// blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.runLoop(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()
	wg.Wait()
}

func (p *Processor) reapLoop(ctx context.Context) {
	interval := p.cfg.ReaperInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReclaimExpired(ctx)
		}
	}
}

// ReclaimExpired recovers jobs stranded in running by a dead worker: the
// claim committed but no terminal or retry transition ever followed. The
// lapsed attempt counts like any other failure, so an orphan with retries
// left goes back to pending and an exhausted one fails with its refund.
func (p *Processor) ReclaimExpired(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.JobLeaseTimeout)
	jobs, err := p.store.ExpiredRunning(ctx, cutoff, 100)
	if err != nil {
		log.Error().Err(err).Msg("list expired jobs failed")
		return
	}
	for _, job := range jobs {
		logger := log.With().Str("job_id", job.ID).Str("org_id", job.OrgID).Logger()
		attempts := job.AttemptCount + 1
		if attempts >= job.MaxRetries {
			p.fail(ctx, job, attempts, "worker lost before reporting a result", logger)
			continue
		}
		nextAttempt := time.Now().Add(p.cfg.JobRetryDelay)
		if err := p.store.RetryJob(ctx, job.ID, attempts, nextAttempt, "worker lost before reporting a result"); err != nil {
			// Another replica reclaimed it first.
			logger.Debug().Err(err).Msg("reclaim skipped")
			continue
		}
		telemetry.JobsRetried.Inc()
		logger.Warn().Int("attempt", attempts).Msg("expired lease reclaimed, job requeued")
	}
}

func (p *Processor) runLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.store.ClaimNext(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker", worker).Msg("claim failed")
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}

		telemetry.JobsInFlight.Inc()
		p.process(ctx, job)
		telemetry.JobsInFlight.Dec()
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// process drives one claimed job to a terminal state or back to pending.
func (p *Processor) process(ctx context.Context, job models.Job) {
	logger := log.With().Str("job_id", job.ID).Str("org_id", job.OrgID).Str("job_type", job.Type).Logger()

	// Cache hit: skip the paid call entirely. The reservation made at
	// creation stands; only the external-service cost is avoided.
	if job.CacheKey != "" {
		if output, hit := p.cache.Get(ctx, job.CacheKey); hit {
			if err := p.store.CompleteJob(ctx, job, output); err != nil {
				logger.Error().Err(err).Msg("complete from cache failed")
				return
			}
			telemetry.JobsCompleted.Inc()
			logger.Info().Msg("job completed from cache")
			return
		}
	}

	exec, ok := p.executors[job.Type]
	if !ok {
		// Unknown types are rejected at creation; reaching here means the
		// closed set changed underneath persisted jobs.
		p.fail(ctx, job, job.AttemptCount+1, "no executor for job type "+job.Type, logger)
		return
	}

	output, err := exec.Execute(ctx, job)
	if err == nil {
		if job.CacheKey != "" {
			p.cache.Set(ctx, job.CacheKey, output)
		}
		if err := p.store.CompleteJob(ctx, job, output); err != nil {
			logger.Error().Err(err).Msg("complete failed")
			return
		}
		telemetry.JobsCompleted.Inc()
		logger.Info().Int("attempt", job.AttemptCount+1).Msg("job completed")
		return
	}

	attempts := job.AttemptCount + 1
	if extsvc.IsPermanent(err) {
		p.fail(ctx, job, attempts, err.Error(), logger)
		return
	}
	if attempts >= job.MaxRetries {
		p.fail(ctx, job, attempts, err.Error(), logger)
		return
	}

	nextAttempt := time.Now().Add(p.cfg.JobRetryDelay)
	if rerr := p.store.RetryJob(ctx, job.ID, attempts, nextAttempt, err.Error()); rerr != nil {
		logger.Error().Err(rerr).Msg("schedule retry failed")
		return
	}
	telemetry.JobsRetried.Inc()
	logger.Warn().Err(err).Int("attempt", attempts).Time("next_attempt_at", nextAttempt).Msg("job attempt failed, retry scheduled")
}

func (p *Processor) fail(ctx context.Context, job models.Job, attempts int, errMsg string, logger zerolog.Logger) {
	if err := p.store.FailJob(ctx, job, attempts, errMsg); err != nil {
		logger.Error().Err(err).Msg("fail transition failed")
		return
	}
	telemetry.JobsFailed.Inc()
	telemetry.CreditsRefunded.Add(float64(job.Cost))
	logger.Warn().Str("error", errMsg).Int("attempt", attempts).Msg("job failed, credits refunded")
}
