package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

func static(s string) stage.Func {
	return stage.Func{ID: "static", Fn: func(context.Context, stage.Input) (*stage.Result, error) {
		return &stage.Result{Artifact: json.RawMessage(s), Usage: stage.Usage{TokensIn: 5, TokensOut: 5, Cost: 0.01}}, nil
	}}
}

// blockingReviewer reports a critical finding on design review only.
func blockingReviewer() stage.Func {
	return stage.Func{ID: "security", Fn: func(_ context.Context, in stage.Input) (*stage.Result, error) {
		if in.Phase == stage.PhaseDesignReview {
			return &stage.Result{Artifact: json.RawMessage(`{"findings":[{"severity":"critical","description":"hardcoded credentials"}]}`)}, nil
		}
		return &stage.Result{Artifact: json.RawMessage(`{"findings":[]}`)}, nil
	}}
}

func newTestPipeline(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	registry := stage.NewRegistry()
	registry.Register(stage.PhasePlan, static(`{"units":[{"unit_id":"u1","logical_branches":1,"code_entities_modified":2}]}`))
	registry.Register(stage.PhaseDesign, static(`{"design":"v1"}`))
	registry.Register(stage.PhaseImplement, static(`{"diff":"+x"}`))
	registry.Register(stage.PhaseValidate, static(`{"tests":"ok"}`))
	registry.Register(stage.PhaseRetrospective, static(`{}`))
	registry.RegisterReviewer("security", blockingReviewer())

	gw, err := approval.NewGateway(approval.NewMemoryStore(), approval.DefaultConfig())
	require.NoError(t, err)
	tracker, err := bootstrap.NewTracker(bootstrap.NewMemoryStore(), []bootstrap.Capability{
		{Name: "backend", Metric: orchestrator.MetricFirstPassYield, Target: 90, Direction: bootstrap.DirectionHigher, TasksRequired: 3},
	})
	require.NoError(t, err)

	cfg := orchestrator.DefaultConfig()
	cfg.MaxLocalRetries = 0
	cfg.Repair.Backoff = 0
	cfg.DefaultCapability = "backend"
	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Tasks:     orchestrator.NewMemoryTaskStore(),
		Records:   stage.NewMemoryRecordStore(),
		Registry:  registry,
		Ledger:    defects.NewLedger(defects.NewMemoryStore()),
		Approvals: gw,
		Bootstrap: tracker,
	})
	require.NoError(t, err)
	return orch
}

func setupTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	server, err := NewServer(newTestPipeline(t), logging.Nop(), nil, opts...)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func submission(id string) map[string]any {
	return map[string]any{
		"task_id":      id,
		"description":  "add a parser",
		"requirements": []string{"parse input"},
	}
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Equal(t, 30*time.Second, server.config.SSEHeartbeat)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestPipeline(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when pipeline is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.Nop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline cannot be nil")
	})

	t.Run("rejects invalid port", func(t *testing.T) {
		_, err := NewServer(newTestPipeline(t), logging.Nop(), &Config{Port: 70000})
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, setupTestServer(t), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	failing := setupTestServer(t, WithHealthCheck(func(context.Context) error { return errors.New("database is locked") }))
	rec = do(t, failing, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "database is locked", resp.Error)
	assert.Nil(t, resp.Telemetry)
}

func TestHandleHealth_ReportsTelemetry(t *testing.T) {
	status := telemetry.HealthStatus{Enabled: true, Healthy: true}
	server := setupTestServer(t, WithTelemetryHealth(func() telemetry.HealthStatus { return status }))

	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Telemetry)
	assert.Equal(t, status, *resp.Telemetry)

	status = telemetry.HealthStatus{Enabled: true, Degraded: true, Reason: "tracer provider failed: dial refused"}
	rec = do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "degraded telemetry does not fail the check")
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "tracer provider failed: dial refused", resp.Telemetry.Reason)

	storeDown := setupTestServer(t,
		WithTelemetryHealth(func() telemetry.HealthStatus { return status }),
		WithHealthCheck(func(context.Context) error { return errors.New("database is locked") }))
	rec = do(t, storeDown, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "unavailable", resp.Status)
	assert.True(t, resp.Telemetry.Degraded)
}

func TestSubmit(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/tasks", submission("t1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "t1", decode[SubmitResponse](t, rec).TaskID)
	assert.Equal(t, "/api/v1/tasks/t1", rec.Header().Get(echo.HeaderLocation))
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = do(t, server, http.MethodPost, "/api/v1/tasks", submission("t1"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/tasks", map[string]any{"task_id": "t2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "invalid task t2")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	raw := httptest.NewRecorder()
	server.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[orchestrator.Task](t, rec)
	assert.Equal(t, orchestrator.StatusPending, task.Status)
	assert.Equal(t, stage.PhasePlan, task.CurrentPhase)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/tasks", submission("t1")).Code)

	var out orchestrator.PhaseOutcome
	for i := 0; i < 3; i++ {
		rec := do(t, server, http.MethodPost, "/api/v1/tasks/t1/advance", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out = decode[orchestrator.PhaseOutcome](t, rec)
	}
	assert.Equal(t, orchestrator.StatusSuspended, out.Status)
	require.NotEmpty(t, out.RequestID)

	rec := do(t, server, http.MethodGet, "/api/v1/tasks?status=suspended", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[TaskList](t, rec).Tasks, 1)

	rec = do(t, server, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[ApprovalList](t, rec).Requests
	require.Len(t, pending, 1)
	assert.Equal(t, out.RequestID, pending[0].ID)
	assert.Equal(t, 1, pending[0].QualityReport.CriticalCount)

	rec = do(t, server, http.MethodPost, "/api/v1/tasks/t1/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[orchestrator.PhaseOutcome](t, rec).Waiting)

	decision := func(verdict, justification string) *httptest.ResponseRecorder {
		return do(t, server, http.MethodPost, "/api/v1/approvals/"+out.RequestID+"/decision", DecisionRequest{
			Decision: verdict, Reviewer: "alice", Justification: justification,
		})
	}
	assert.Equal(t, http.StatusBadRequest, decision("approved", "  ").Code)
	assert.Equal(t, http.StatusBadRequest, decision("maybe", "ok").Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodPost, "/api/v1/approvals/nope/decision",
		DecisionRequest{Decision: "approved", Reviewer: "alice", Justification: "ok"}).Code)

	rec = decision("Approved", "accepted risk")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, approval.StatusApproved, decode[approval.Request](t, rec).Status)
	assert.Equal(t, http.StatusConflict, decision("rejected", "changed my mind").Code)

	rec = do(t, server, http.MethodPost, "/api/v1/tasks/t1/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resumed := decode[orchestrator.PhaseOutcome](t, rec)
	assert.Equal(t, orchestrator.StatusRunning, resumed.Status)
	assert.Equal(t, stage.PhaseImplement, resumed.To)

	rec = do(t, server, http.MethodGet, "/api/v1/tasks/t1/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[RecordList](t, rec)
	assert.Len(t, records.Records, 5, "plan, design, one review, suspension and approved resume")
	assert.InDelta(t, 0.02, records.Usage.Cost, 1e-9)

	rec = do(t, server, http.MethodPost, "/api/v1/tasks/t1/cancel", CancelRequest{Reason: "superseded"})
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[orchestrator.Task](t, rec)
	assert.Equal(t, orchestrator.StatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Terminal)
	assert.Equal(t, "superseded", cancelled.Terminal.Reason)

	assert.Equal(t, http.StatusConflict, do(t, server, http.MethodPost, "/api/v1/tasks/t1/advance", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, server, http.MethodPost, "/api/v1/tasks/t1/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodPost, "/api/v1/tasks/missing/cancel", nil).Code)
}

func TestMetricsEndpoints(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/tasks", submission("t1")).Code)

	rec := do(t, server, http.MethodGet, "/api/v1/defects/density/t1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/api/v1/defects/density/missing", nil).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, server, http.MethodGet, "/api/v1/defects/yield/bogus", nil).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, server, http.MethodGet, "/api/v1/defects/yield/design_review", nil).Code)

	rec = do(t, server, http.MethodGet, "/api/v1/bootstrap", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	caps := decode[BootstrapResponse](t, rec).Capabilities
	require.Len(t, caps, 1)
	assert.Equal(t, "backend", caps[0].Capability)
	assert.Equal(t, bootstrap.ModeLearning, caps[0].Mode)

	rec = do(t, server, http.MethodGet, "/api/v1/accuracy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phasegate_tasks_suspended")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&orchestrator.InvalidTaskError{TaskID: "t1", Reason: "requirements are required"}, http.StatusBadRequest},
		{approval.ErrEmptyJustification, http.StatusBadRequest},
		{orchestrator.ErrTaskNotFound, http.StatusNotFound},
		{approval.ErrUnknownRequest, http.StatusNotFound},
		{approval.ErrDuplicateDecision, http.StatusConflict},
		{orchestrator.ErrTaskTerminal, http.StatusConflict},
		{defects.ErrNotComputable, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	server := setupTestServer(t)
	server.echo.GET("/boom", func(echo.Context) error { return errors.New("secret detail") })

	rec := do(t, server, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret detail")
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestHandleEvents_NotConfigured(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/tasks", submission("t1")).Code)
	assert.Equal(t, http.StatusNotImplemented, do(t, server, http.MethodGet, "/api/v1/tasks/t1/events", nil).Code)
}

func TestHandleEvents_StreamsUntilTerminal(t *testing.T) {
	ns := startTestNATSServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sink := events.NewNATSSink(nc, "test")

	server := setupTestServer(t, WithEventStream(sink))
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/tasks", submission("t1")).Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/api/v1/tasks/missing/events", nil).Code)

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/tasks/t1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event: ") {
				return strings.TrimPrefix(l, "event: ")
			}
		}
		return ""
	}
	require.Equal(t, "subscribed", next())

	foreign, err := json.Marshal(events.Event{ID: "e0", Type: events.TaskCompleted, TaskID: "t1-other"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(sink.TaskSubject("t1", events.TaskCompleted), foreign))
	require.NoError(t, sink.Emit(ctx, events.Event{ID: "e1", Type: events.PhaseTransition, TaskID: "t1", From: string(stage.PhasePlan), To: string(stage.PhaseDesign)}))
	require.NoError(t, sink.Emit(ctx, events.Event{ID: "e2", Type: events.TaskSubmitted, TaskID: "other"}))
	require.NoError(t, sink.Emit(ctx, events.Event{ID: "e3", Type: events.TaskCompleted, TaskID: "t1"}))

	assert.Equal(t, string(events.PhaseTransition), next())
	assert.Equal(t, string(events.TaskCompleted), next())
	// The handler returns after a terminal event, closing the stream.
	assert.Empty(t, next())
}

// statusHook runs before every Status call of the wrapped pipeline.
type statusHook struct {
	Pipeline
	before func()
}

func (p statusHook) Status(ctx context.Context, id string) (orchestrator.Task, error) {
	p.before()
	return p.Pipeline.Status(ctx, id)
}

func TestHandleEvents_TerminalEventBeforeStatusRead(t *testing.T) {
	ns := startTestNATSServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sink := events.NewNATSSink(nc, "test")

	orch := newTestPipeline(t)
	_, err = orch.Submit(context.Background(), orchestrator.Submission{
		ID: "t1", Description: "add a parser", Requirements: []string{"parse input"},
	})
	require.NoError(t, err)

	// The task finishes while the handler is setting up the stream.
	p := statusHook{Pipeline: orch, before: func() {
		_ = sink.Emit(context.Background(), events.Event{ID: "e1", Type: events.TaskCompleted, TaskID: "t1"})
		_ = nc.Flush()
	}}
	server, err := NewServer(p, logging.Nop(), nil, WithEventStream(sink))
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/tasks/t1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "the stream closes after the terminal event")
	assert.Contains(t, string(body), "event: subscribed\n")
	assert.Contains(t, string(body), "event: task_completed\n")
}
