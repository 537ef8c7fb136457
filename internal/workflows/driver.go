package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
)

// Config configures the Temporal driver.
type Config struct {
	Enabled      bool          `koanf:"enabled"`
	HostPort     string        `koanf:"host_port"`
	Namespace    string        `koanf:"namespace"`
	TaskQueue    string        `koanf:"task_queue"`
	PollInterval time.Duration `koanf:"poll_interval"`
	StepTimeout  time.Duration `koanf:"step_timeout"`
}

// DefaultConfig returns a disabled driver pointing at a local server.
func DefaultConfig() Config {
	return Config{
		HostPort:     "localhost:7233",
		Namespace:    "default",
		TaskQueue:    "phasegate-pipeline",
		PollInterval: defaultPollInterval,
		StepTimeout:  10 * time.Minute,
	}
}

// Validate checks the configuration when the driver is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.HostPort == "":
		return errors.New("temporal host_port is required")
	case c.TaskQueue == "":
		return errors.New("temporal task_queue is required")
	case c.PollInterval <= 0:
		return errors.New("temporal poll_interval must be positive")
	}
	return nil
}

// WorkflowID is the deterministic workflow id of a task.
func WorkflowID(taskID string) string {
	return "phasegate-task-" + taskID
}

// Starter is the part of client.Client the driver uses.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID string, runID string, signalName string, arg interface{}) error
}

// Driver starts task workflows and forwards approval decisions to them.
type Driver struct {
	client Starter
	config Config
	logger *logging.Logger
}

// NewDriver creates a driver over c.
func NewDriver(c Starter, cfg Config, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Driver{client: c, config: cfg, logger: logger.Named("workflows")}
}

// Start begins driving taskID. Starting a task that already has a running
// workflow returns that run.
func (d *Driver) Start(ctx context.Context, taskID string) (string, error) {
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(taskID),
		TaskQueue: d.config.TaskQueue,
	}, TaskPipelineWorkflow, PipelineInput{
		TaskID:       taskID,
		PollInterval: d.config.PollInterval,
		StepTimeout:  d.config.StepTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("start workflow for task %s: %w", taskID, err)
	}
	workflowStartCounter.Add(ctx, 1)
	d.logger.Info(ctx, "task workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetRunID(), nil
}

// Signal wakes the workflow of r's task.
func (d *Driver) Signal(ctx context.Context, r approval.Request) error {
	err := d.client.SignalWorkflow(ctx, WorkflowID(r.TaskID), "", SignalApprovalDecided, ApprovalSignal{
		RequestID: r.ID,
		Status:    string(r.Status),
	})
	if err != nil {
		return fmt.Errorf("signal workflow for task %s: %w", r.TaskID, err)
	}
	approvalSignalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(r.Status))))
	return nil
}

// DecisionHook returns an orchestrator hook that signals on every decision
// or expiry. Signal failures are logged; the poll timer still resumes the
// workflow.
func (d *Driver) DecisionHook() orchestrator.DecisionHook {
	return func(ctx context.Context, r approval.Request) {
		if err := d.Signal(ctx, r); err != nil {
			d.logger.Warn(ctx, "approval signal failed", zap.String("request_id", r.ID), zap.Error(err))
		}
	}
}

// NewWorker registers the pipeline workflow and activities on a worker for
// the configured task queue.
func NewWorker(c client.Client, cfg Config, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(TaskPipelineWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Dial connects to the Temporal frontend.
func Dial(cfg Config, logger *logging.Logger) (client.Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewTemporalLogger(logger.Underlying()),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}
