package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/secrets"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
	"github.com/fyrsmithlabs/phasegate/internal/store"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

const planResult = `{"artifact":{"units":[{"unit_id":"u1","description":"parser","logical_branches":1,"code_entities_modified":2}]},"usage":{"tokens_in":5,"tokens_out":7,"cost":0.01}}`

func executorServer(t *testing.T, token string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var in stage.Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if in.Phase == stage.PhasePlan {
			_, _ = w.Write([]byte(planResult))
			return
		}
		_, _ = w.Write([]byte(`{"artifact":{"findings":[]}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestBuildRegistry(t *testing.T) {
	srv, calls := executorServer(t, "tok")

	registry := buildRegistry(config.ExecutorConfig{
		Endpoints: map[string]string{"plan": srv.URL},
		Reviewers: map[string]string{"security": srv.URL},
		Token:     "tok",
		Timeout:   config.Duration(5 * time.Second),
		RateLimit: config.RateLimitConfig{RPS: 100, Burst: 1},
	}, nil)

	plan, err := registry.Executor(stage.PhasePlan)
	require.NoError(t, err)
	assert.Equal(t, "plan", plan.Identity())

	res, err := plan.Execute(context.Background(), stage.Input{TaskID: "t1", Phase: stage.PhasePlan})
	require.NoError(t, err)
	assert.Contains(t, string(res.Artifact), `"unit_id":"u1"`)
	assert.Equal(t, 5, res.Usage.TokensIn)

	reviewer, err := registry.Reviewer("security")
	require.NoError(t, err)
	_, err = reviewer.Execute(context.Background(), stage.Input{TaskID: "t1", Phase: stage.PhaseDesignReview, Specialist: "security"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = registry.Executor(stage.PhaseDesign)
	assert.Error(t, err)
}

func TestBuildRegistry_WrongToken(t *testing.T) {
	srv, _ := executorServer(t, "expected")

	registry := buildRegistry(config.ExecutorConfig{
		Endpoints: map[string]string{"plan": srv.URL},
		Token:     "other",
	}, secrets.MustNew(secrets.DefaultConfig()))
	plan, err := registry.Executor(stage.PhasePlan)
	require.NoError(t, err)

	_, err = plan.Execute(context.Background(), stage.Input{Phase: stage.PhasePlan})
	var fatal *stage.FatalError
	assert.True(t, errors.As(err, &fatal))
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()

	mem, err := openStores(ctx, store.Config{Driver: store.DriverMemory})
	require.NoError(t, err)
	require.NoError(t, mem.ping(ctx))
	require.NoError(t, mem.close())

	path := filepath.Join(t.TempDir(), "data", "phasegate.db")
	db, err := openStores(ctx, store.Config{Driver: store.DriverSQLite, Path: path})
	require.NoError(t, err)
	require.NoError(t, db.ping(ctx))
	require.NoError(t, db.tasks.CreateTask(ctx, orchestrator.Task{ID: "t1", Status: orchestrator.StatusPending, CurrentPhase: stage.PhasePlan}))
	require.NoError(t, db.close())

	_, err = openStores(ctx, store.Config{Driver: "postgres"})
	assert.Error(t, err)
}

func TestBuild_AdvancesThroughRemoteExecutor(t *testing.T) {
	ctx := context.Background()
	srv, calls := executorServer(t, "")

	cfg := config.Default()
	cfg.Defects.PhaseOrder = stage.AllPhases()
	cfg.Executor.Endpoints = map[string]string{"plan": srv.URL}
	require.NoError(t, cfg.Validate())

	tel, err := telemetry.New(ctx, telemetry.NewDefaultConfig())
	require.NoError(t, err)

	a, err := build(ctx, cfg, logging.Nop(), tel)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.worker)
	assert.Nil(t, a.stream)
	assert.Same(t, a.orch, a.pipeline)
	assert.Len(t, a.serverOptions(), 2)
	assert.Equal(t, telemetry.HealthStatus{Healthy: true}, a.tel.Health())
	require.NoError(t, a.health(ctx))

	id, err := a.pipeline.Submit(ctx, orchestrator.Submission{ID: "t1", Requirements: []string{"parse input"}})
	require.NoError(t, err)

	out, err := a.pipeline.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stage.PhaseDesign, out.To)
	assert.Equal(t, orchestrator.StatusRunning, out.Status)
	assert.Equal(t, int32(1), calls.Load())

	task, err := a.pipeline.Status(ctx, id)
	require.NoError(t, err)
	require.Len(t, task.Units, 1)
	assert.Equal(t, "u1", task.Units[0].ID)
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (f *fakeStarter) Start(_ context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	return "run-" + taskID, f.err
}

func TestDrivenPipeline_StartsWorkflowOnSubmit(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	tel, err := telemetry.New(ctx, telemetry.NewDefaultConfig())
	require.NoError(t, err)
	a, err := build(ctx, cfg, logging.Nop(), tel)
	require.NoError(t, err)
	defer a.Close()

	starter := &fakeStarter{}
	p := &drivenPipeline{Orchestrator: a.orch, driver: starter, logger: logging.Nop()}

	id, err := p.Submit(ctx, orchestrator.Submission{ID: "t1", Requirements: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, starter.started)

	// A start failure does not reject the accepted task.
	starter.err = errors.New("temporal unavailable")
	id, err = p.Submit(ctx, orchestrator.Submission{ID: "t2", Requirements: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "t2", id)

	// Rejected submissions never start a workflow.
	_, err = p.Submit(ctx, orchestrator.Submission{ID: "t3"})
	require.Error(t, err)
	assert.Len(t, starter.started, 2)

	task, err := p.Status(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPending, task.Status)
}

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) ExpireDue(context.Context) ([]approval.Request, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	if n == 1 {
		return []approval.Request{{ID: "r1", Status: approval.StatusExpired}}, nil
	}
	return nil, nil
}

func TestSweep(t *testing.T) {
	for _, sweepErr := range []error{nil, errors.New("store down")} {
		e := &countingExpirer{err: sweepErr}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			sweep(ctx, e, 5*time.Millisecond, logging.Nop())
			close(done)
		}()

		assert.Eventually(t, func() bool { return e.calls.Load() >= 3 }, time.Second, time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweep did not stop after cancellation")
		}
	}
}
