package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// scriptedPipeline returns outcomes in order and repeats the last one.
type scriptedPipeline struct {
	mu       sync.Mutex
	outcomes []orchestrator.PhaseOutcome
	err      error
	calls    int
	task     orchestrator.Task
}

func (p *scriptedPipeline) Advance(_ context.Context, id string) (*orchestrator.PhaseOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	out := p.outcomes[i]
	out.TaskID = id
	return &out, nil
}

func (p *scriptedPipeline) Status(context.Context, string) (orchestrator.Task, error) {
	return p.task, nil
}

func (p *scriptedPipeline) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func running(from, to stage.Phase) orchestrator.PhaseOutcome {
	return orchestrator.PhaseOutcome{From: from, To: to, Status: orchestrator.StatusRunning}
}

func suspended(waiting bool) orchestrator.PhaseOutcome {
	return orchestrator.PhaseOutcome{
		From: stage.PhaseDesignReview, To: stage.PhaseDesignReview,
		Status: orchestrator.StatusSuspended, RequestID: "r1", Waiting: waiting,
	}
}

func completed() orchestrator.PhaseOutcome {
	return orchestrator.PhaseOutcome{From: stage.PhaseRetrospective, To: stage.PhaseCompleted, Status: orchestrator.StatusCompleted}
}

func newEnv(p Advancer) *testsuite.TestWorkflowEnvironment {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(TaskPipelineWorkflow)
	env.RegisterActivity(&Activities{Pipeline: p})
	return env
}

func TestTaskPipelineWorkflow(t *testing.T) {
	t.Run("advances until completed", func(t *testing.T) {
		p := &scriptedPipeline{outcomes: []orchestrator.PhaseOutcome{
			running(stage.PhasePlan, stage.PhaseDesign),
			running(stage.PhaseDesign, stage.PhaseDesignReview),
			completed(),
		}}
		env := newEnv(p)
		env.ExecuteWorkflow(TaskPipelineWorkflow, PipelineInput{TaskID: "t1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result PipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "t1", result.TaskID)
		assert.Equal(t, string(orchestrator.StatusCompleted), result.Status)
		assert.Equal(t, string(stage.PhaseCompleted), result.Phase)
		assert.Equal(t, 3, result.Steps)
		assert.Zero(t, result.Waits)
	})

	t.Run("resumes on approval signal", func(t *testing.T) {
		p := &scriptedPipeline{outcomes: []orchestrator.PhaseOutcome{
			suspended(false),
			running(stage.PhaseDesignReview, stage.PhaseImplement),
			completed(),
		}}
		env := newEnv(p)
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalApprovalDecided, ApprovalSignal{RequestID: "r1", Status: string(approval.StatusApproved)})
		}, time.Second)
		env.ExecuteWorkflow(TaskPipelineWorkflow, PipelineInput{TaskID: "t1", PollInterval: time.Hour})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result PipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 3, result.Steps)
		assert.Equal(t, 1, result.Waits)
		assert.Equal(t, 1, result.Signals)
		assert.Equal(t, string(orchestrator.StatusCompleted), result.Status)
	})

	t.Run("polls when no signal arrives", func(t *testing.T) {
		p := &scriptedPipeline{outcomes: []orchestrator.PhaseOutcome{
			suspended(false),
			suspended(true),
			{From: stage.PhaseDesignReview, To: stage.PhaseDesignReview, Status: orchestrator.StatusFailed},
		}}
		env := newEnv(p)
		env.ExecuteWorkflow(TaskPipelineWorkflow, PipelineInput{TaskID: "t1", PollInterval: time.Minute})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result PipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 3, result.Steps)
		assert.Equal(t, 2, result.Waits)
		assert.Zero(t, result.Signals)
		assert.Equal(t, string(orchestrator.StatusFailed), result.Status)
	})

	t.Run("unknown task is not retried", func(t *testing.T) {
		p := &scriptedPipeline{err: orchestrator.ErrTaskNotFound}
		env := newEnv(p)
		env.ExecuteWorkflow(TaskPipelineWorkflow, PipelineInput{TaskID: "missing"})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Equal(t, 1, p.Calls())
	})

	t.Run("continues as new after max steps", func(t *testing.T) {
		p := &scriptedPipeline{outcomes: []orchestrator.PhaseOutcome{running(stage.PhasePlan, stage.PhaseDesign)}}
		env := newEnv(p)
		env.ExecuteWorkflow(TaskPipelineWorkflow, PipelineInput{TaskID: "t1", MaxSteps: 2})

		require.True(t, env.IsWorkflowCompleted())
		var can *workflow.ContinueAsNewError
		assert.True(t, errors.As(env.GetWorkflowError(), &can))
		assert.Equal(t, 2, p.Calls())
	})
}

func TestAdvanceActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}

	t.Run("maps the outcome", func(t *testing.T) {
		acts := &Activities{Pipeline: &scriptedPipeline{outcomes: []orchestrator.PhaseOutcome{suspended(true)}}}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(acts)

		val, err := env.ExecuteActivity(acts.AdvanceActivity, AdvanceInput{TaskID: "t1"})
		require.NoError(t, err)
		var res AdvanceResult
		require.NoError(t, val.Get(&res))
		assert.Equal(t, "t1", res.TaskID)
		assert.True(t, res.Suspended())
		assert.True(t, res.Waiting)
		assert.Equal(t, "r1", res.RequestID)
	})

	t.Run("terminal task reports final state", func(t *testing.T) {
		acts := &Activities{Pipeline: &scriptedPipeline{
			err:  orchestrator.ErrTaskTerminal,
			task: orchestrator.Task{ID: "t1", Status: orchestrator.StatusCompleted, CurrentPhase: stage.PhaseCompleted},
		}}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(acts)

		val, err := env.ExecuteActivity(acts.AdvanceActivity, AdvanceInput{TaskID: "t1"})
		require.NoError(t, err)
		var res AdvanceResult
		require.NoError(t, val.Get(&res))
		assert.True(t, res.Terminal())
		assert.Equal(t, string(stage.PhaseCompleted), res.To)
	})

	t.Run("other failures are wrapped", func(t *testing.T) {
		acts := &Activities{Pipeline: &scriptedPipeline{err: errors.New("store unavailable")}}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(acts)

		_, err := env.ExecuteActivity(acts.AdvanceActivity, AdvanceInput{TaskID: "t1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to advance task")
	})
}

type fakeStarter struct {
	options client.StartWorkflowOptions
	input   PipelineInput
	signals []ApprovalSignal
	ids     []string
	run     client.WorkflowRun
	err     error
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, options client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.options = options
	if len(args) == 1 {
		f.input, _ = args[0].(PipelineInput)
	}
	return f.run, f.err
}

func (f *fakeStarter) SignalWorkflow(_ context.Context, workflowID, _ string, signalName string, arg interface{}) error {
	if f.err != nil {
		return f.err
	}
	if signalName == SignalApprovalDecided {
		f.ids = append(f.ids, workflowID)
		f.signals = append(f.signals, arg.(ApprovalSignal))
	}
	return nil
}

func TestDriver(t *testing.T) {
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("phasegate-task-t1")
	run.On("GetRunID").Return("run-1")
	starter := &fakeStarter{run: run}

	cfg := DefaultConfig()
	cfg.PollInterval = 30 * time.Second
	d := NewDriver(starter, cfg, nil)

	runID, err := d.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "phasegate-task-t1", starter.options.ID)
	assert.Equal(t, cfg.TaskQueue, starter.options.TaskQueue)
	assert.Equal(t, "t1", starter.input.TaskID)
	assert.Equal(t, 30*time.Second, starter.input.PollInterval)
	run.AssertExpectations(t)

	hook := d.DecisionHook()
	hook(context.Background(), approval.Request{ID: "r1", TaskID: "t1", Status: approval.StatusApproved})
	require.Len(t, starter.signals, 1)
	assert.Equal(t, []string{"phasegate-task-t1"}, starter.ids)
	assert.Equal(t, ApprovalSignal{RequestID: "r1", Status: "approved"}, starter.signals[0])

	starter.err = errors.New("unavailable")
	hook(context.Background(), approval.Request{ID: "r2", TaskID: "t1", Status: approval.StatusExpired})
	assert.Len(t, starter.signals, 1)
	_, err = d.Start(context.Background(), "t2")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	cfg := DefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())
	cfg.TaskQueue = ""
	assert.Error(t, cfg.Validate())
	assert.Equal(t, "phasegate-task-abc", WorkflowID("abc"))
}
