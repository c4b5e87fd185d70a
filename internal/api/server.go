package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"nexus-core/internal/cache"
	"nexus-core/internal/config"
	"nexus-core/internal/models"
	"nexus-core/internal/store"
	"nexus-core/internal/telemetry"
)

// Store is the persistence surface the API depends on.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJobForOrg(ctx context.Context, id, orgID string) (models.Job, error)
	ListJobs(ctx context.Context, orgID string, limit int) ([]models.Job, error)
	Balance(ctx context.Context, orgID string) (int64, error)
	Transactions(ctx context.Context, orgID string, limit int) ([]models.CreditTransaction, error)
	TopUp(ctx context.Context, orgID string, amount int64, description string) (int64, error)
	UpsertEndpoint(ctx context.Context, orgID, url, secret string) (models.WebhookEndpoint, error)
	EndpointsForOrg(ctx context.Context, orgID string) ([]models.WebhookEndpoint, error)
	DeleteEndpoints(ctx context.Context, orgID string) error
}

// Admitter is the per-org rate limiter contract.
type Admitter interface {
	Allow(ctx context.Context, orgID string) (allowed bool, retryAfter time.Duration, err error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   Store
	limiter Admitter
}

// New constructs the API server.
func New(cfg config.Config, st Store, limiter Admitter) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Get("/credits/balance", s.handleBalance)
	r.Get("/credits/transactions", s.handleTransactions)
	r.Post("/credits/topup", s.handleTopUp)

	r.Put("/webhooks", s.handleSetWebhook)
	r.Get("/webhooks", s.handleGetWebhooks)
	r.Delete("/webhooks", s.handleDeleteWebhooks)

	return r
}

type createJobRequest struct {
	JobType   string         `json:"job_type"`
	InputData map[string]any `json:"input_data"`
}

type createJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// handleCreateJob admits, reserves, and inserts the job, then returns the
// handle immediately. Execution happens out of band; the only synchronous
// failures are validation, credits, and rate limiting.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// Validation runs before any credit impact.
	if !models.ValidJobType(req.JobType) {
		writeError(w, http.StatusBadRequest, "invalid job_type: use summarize or analyze")
		return
	}
	text, _ := req.InputData["text"].(string)
	if text == "" {
		writeError(w, http.StatusBadRequest, "input_data.text is required")
		return
	}

	allowed, retryAfter, err := s.limiter.Allow(r.Context(), orgID)
	if err != nil {
		// The limiter guards cost exposure: fail closed.
		log.Error().Err(err).Str("org_id", orgID).Msg("rate limiter unavailable, rejecting")
		writeError(w, http.StatusServiceUnavailable, "admission control unavailable")
		return
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OrgID:      orgID,
		UserID:     userFromRequest(r),
		Type:       req.JobType,
		Input:      req.InputData,
		Cost:       models.CostForType(req.JobType),
		MaxRetries: s.cfg.MaxRetries,
		CacheKey:   cache.Key(req.JobType, req.InputData),
	})
	if errors.Is(err, store.ErrInsufficientCredits) {
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	telemetry.JobsCreated.Inc()
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, Status: job.Status})
}

type jobResponse struct {
	ID           string         `json:"id"`
	JobType      string         `json:"job_type"`
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        *string        `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func toJobResponse(job models.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		JobType:      job.Type,
		Status:       job.Status,
		Output:       job.Output,
		Error:        job.ErrorMessage,
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJobForOrg(r.Context(), id, orgID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	jobs, err := s.store.ListJobs(r.Context(), orgID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	balance, err := s.store.Balance(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": orgID, "balance": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	txns, err := s.store.Transactions(r.Context(), orgID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

type topUpRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	balance, err := s.store.TopUp(r.Context(), orgID, req.Amount, req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to top up")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": orgID, "balance": balance})
}

type setWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	var req setWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	ep, err := s.store.UpsertEndpoint(r.Context(), orgID, req.URL, req.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register webhook")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleGetWebhooks(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	endpoints, err := s.store.EndpointsForOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleDeleteWebhooks(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	if err := s.store.DeleteEndpoints(r.Context(), orgID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete webhooks")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Identity is resolved upstream; the core trusts the org/user headers.
func orgFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Org-ID"); v != "" {
		return v
	}
	return "default"
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
