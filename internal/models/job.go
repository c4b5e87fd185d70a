package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobType is the closed set of billable work kinds.
const (
	JobTypeSummarize = "summarize"
	JobTypeAnalyze   = "analyze"
)

// CostForType returns the credit cost reserved at creation for a job type.
// Unknown types return 0 and must be rejected by validation before this point.
func CostForType(jobType string) int64 {
	switch jobType {
	case JobTypeSummarize:
		return 10
	case JobTypeAnalyze:
		return 25
	default:
		return 0
	}
}

// ValidJobType reports whether jobType is one of the dispatchable kinds.
func ValidJobType(jobType string) bool {
	return jobType == JobTypeSummarize || jobType == JobTypeAnalyze
}

// Job represents a billable unit of work persisted in Postgres.
type Job struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	UserID        string         `json:"user_id"`
	Type          string         `json:"job_type"`
	Status        string         `json:"status"`
	Input         map[string]any `json:"input_data"`
	Output        map[string]any `json:"output_data,omitempty"`
	ErrorMessage  *string        `json:"error,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	MaxRetries    int            `json:"max_retries"`
	Cost          int64          `json:"cost"`
	CacheKey      string         `json:"cache_key,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
