package worker

import (
	"context"
	"errors"
	"fmt"

	"nexus-core/internal/extsvc"
	"nexus-core/internal/models"
)

// Executor performs the billable work for one job type.
type Executor interface {
	Execute(ctx context.Context, job models.Job) (map[string]any, error)
}

// NewExecutors wires the closed set of job types to their executors.
func NewExecutors(client extsvc.Client) map[string]Executor {
	return map[string]Executor{
		models.JobTypeSummarize: &textExecutor{client: client, jobType: models.JobTypeSummarize, outputField: "summary"},
		models.JobTypeAnalyze:   &textExecutor{client: client, jobType: models.JobTypeAnalyze, outputField: "analysis"},
	}
}

// textExecutor sends the job input to the external service and shapes the
// response under a type-specific output field.
type textExecutor struct {
	client      extsvc.Client
	jobType     string
	outputField string
}

func (e *textExecutor) Execute(ctx context.Context, job models.Job) (map[string]any, error) {
	text, _ := job.Input["text"].(string)
	if text == "" {
		return nil, errors.New("no text provided")
	}

	result, err := e.client.Invoke(ctx, e.jobType, job.Input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.jobType, err)
	}

	if v, ok := result[e.outputField]; ok {
		return map[string]any{e.outputField: v}, nil
	}
	if v, ok := result["text"]; ok {
		return map[string]any{e.outputField: v}, nil
	}
	return result, nil
}
