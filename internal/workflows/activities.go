package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
)

// ErrTypeTaskNotFound is the application error type for unknown tasks. It
// is not retried.
const ErrTypeTaskNotFound = "TaskNotFound"

// Advancer is the orchestrator surface the activity needs.
type Advancer interface {
	Advance(ctx context.Context, id string) (*orchestrator.PhaseOutcome, error)
	Status(ctx context.Context, id string) (orchestrator.Task, error)
}

// AdvanceInput is the AdvanceActivity argument.
type AdvanceInput struct {
	TaskID string `json:"task_id"`
}

// AdvanceResult is one phase step as seen by the workflow.
type AdvanceResult struct {
	TaskID    string `json:"task_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Waiting   bool   `json:"waiting,omitempty"`
}

// Terminal reports whether the task has finished.
func (r AdvanceResult) Terminal() bool {
	return orchestrator.Status(r.Status).Terminal()
}

// Suspended reports whether the task is waiting on an approval.
func (r AdvanceResult) Suspended() bool {
	return orchestrator.Status(r.Status) == orchestrator.StatusSuspended
}

// Activities holds the activity implementations.
type Activities struct {
	Pipeline Advancer
}

// AdvanceActivity advances the task by one phase. Advancing a task that is
// already terminal reports its final state, so a retried activity whose
// first attempt finished the task still succeeds.
func (a *Activities) AdvanceActivity(ctx context.Context, in AdvanceInput) (*AdvanceResult, error) {
	start := time.Now()
	out, err := a.Pipeline.Advance(ctx, in.TaskID)
	recordActivity(ctx, "advance", start, err)

	switch {
	case err == nil:
		return &AdvanceResult{
			TaskID:    out.TaskID,
			From:      string(out.From),
			To:        string(out.To),
			Status:    string(out.Status),
			Action:    out.Action,
			RequestID: out.RequestID,
			Waiting:   out.Waiting,
		}, nil
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		t, serr := a.Pipeline.Status(ctx, in.TaskID)
		if serr != nil {
			return nil, WrapActivityError("failed to load task", serr)
		}
		return &AdvanceResult{
			TaskID: t.ID,
			From:   string(t.CurrentPhase),
			To:     string(t.CurrentPhase),
			Status: string(t.Status),
		}, nil
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("task %s not found", in.TaskID), ErrTypeTaskNotFound, err)
	default:
		return nil, WrapActivityError("failed to advance task", err)
	}
}

// WrapActivityError wraps an activity error with operation context.
func WrapActivityError(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, err)
}

func recordActivity(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil && !errors.Is(err, orchestrator.ErrTaskTerminal) {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
