// Package workflows provides the Temporal driver for pipeline tasks.
//
// TaskPipelineWorkflow advances one task to a terminal state by looping the
// AdvanceActivity. While the task is suspended on a human approval it blocks
// on the approval-decided signal or a poll timer, whichever fires first, and
// then advances again. Long runs continue-as-new to bound history size.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// SignalApprovalDecided wakes a suspended task workflow.
const SignalApprovalDecided = "approval-decided"

// QueryProgress returns the workflow's PipelineResult so far.
const QueryProgress = "progress"

const (
	defaultPollInterval = time.Minute
	defaultMaxSteps     = 200
)

// PipelineInput starts a task workflow.
type PipelineInput struct {
	TaskID       string        `json:"task_id"`
	PollInterval time.Duration `json:"poll_interval"`
	// MaxSteps bounds advances per run before continuing as new.
	MaxSteps int `json:"max_steps"`
	// StepTimeout is the StartToClose timeout of one advance.
	StepTimeout time.Duration `json:"step_timeout"`
}

// ApprovalSignal is the payload of SignalApprovalDecided.
type ApprovalSignal struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// PipelineResult summarizes a workflow run.
type PipelineResult struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Steps     int    `json:"steps"`
	Waits     int    `json:"waits"`
	Signals   int    `json:"signals"`
	RequestID string `json:"request_id,omitempty"`
}

func (in PipelineInput) withDefaults() PipelineInput {
	if in.PollInterval <= 0 {
		in.PollInterval = defaultPollInterval
	}
	if in.MaxSteps <= 0 {
		in.MaxSteps = defaultMaxSteps
	}
	if in.StepTimeout <= 0 {
		in.StepTimeout = 10 * time.Minute
	}
	return in
}

// TaskPipelineWorkflow drives input.TaskID until it completes or fails.
func TaskPipelineWorkflow(ctx workflow.Context, input PipelineInput) (*PipelineResult, error) {
	input = input.withDefaults()
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting task pipeline", "task_id", input.TaskID)

	result := &PipelineResult{TaskID: input.TaskID}
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (*PipelineResult, error) {
		return result, nil
	}); err != nil {
		return nil, err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: input.StepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{ErrTypeTaskNotFound},
		},
	})

	signals := workflow.GetSignalChannel(ctx, SignalApprovalDecided)
	var a *Activities

	for step := 0; ; step++ {
		if step >= input.MaxSteps {
			logger.Info("Continuing task pipeline as new", "task_id", input.TaskID, "steps", result.Steps)
			return result, workflow.NewContinueAsNewError(ctx, TaskPipelineWorkflow, input)
		}

		var out AdvanceResult
		if err := workflow.ExecuteActivity(ctx, a.AdvanceActivity, AdvanceInput{TaskID: input.TaskID}).Get(ctx, &out); err != nil {
			logger.Error("Advance failed", "task_id", input.TaskID, "error", err)
			return result, err
		}
		result.Steps++
		result.Status = out.Status
		result.Phase = out.To
		result.RequestID = out.RequestID

		if out.Terminal() {
			logger.Info("Task pipeline finished", "task_id", input.TaskID, "status", out.Status, "steps", result.Steps)
			return result, nil
		}
		if !out.Suspended() {
			continue
		}

		// Suspended: wait for a decision signal or the poll timer.
		result.Waits++
		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, input.PollInterval)
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(signals, func(c workflow.ReceiveChannel, _ bool) {
			var sig ApprovalSignal
			c.Receive(ctx, &sig)
			result.Signals++
			logger.Info("Approval signal received", "task_id", input.TaskID, "request_id", sig.RequestID, "status", sig.Status)
		})
		selector.AddFuture(timer, func(workflow.Future) {})
		selector.Select(ctx)
		cancelTimer()

		// Drain signals that arrived together so one decision wakes us once.
		for {
			var sig ApprovalSignal
			if !signals.ReceiveAsync(&sig) {
				break
			}
			result.Signals++
		}
	}
}
