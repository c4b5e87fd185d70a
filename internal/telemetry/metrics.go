package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated        = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_jobs_created_total", Help: "Jobs accepted and reserved"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_jobs_retried_total", Help: "Job attempts that failed and were rescheduled"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_jobs_failed_total", Help: "Jobs that failed permanently"})
	JobsInFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "nexus_jobs_inflight", Help: "Jobs currently running"})
	CacheHits          = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_cache_hits_total", Help: "Result cache hits"})
	CacheMisses        = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_cache_misses_total", Help: "Result cache misses (including backend errors)"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	CreditsRefunded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_credits_refunded_total", Help: "Credits refunded for failed jobs"})
	WebhooksDelivered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_webhooks_delivered_total", Help: "Webhook deliveries confirmed 2xx"})
	WebhookFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_webhook_attempt_failures_total", Help: "Webhook attempts that failed"})
	WebhooksExhausted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "nexus_webhooks_exhausted_total", Help: "Webhook deliveries marked permanently failed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsInFlight,
			CacheHits,
			CacheMisses,
			RateLimitRejects,
			CreditsRefunded,
			WebhooksDelivered,
			WebhookFailures,
			WebhooksExhausted,
		)
	})
	return promhttp.Handler()
}
