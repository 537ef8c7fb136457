package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "phasegate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phasegate.db")
	ctx := context.Background()

	db, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.Close())

	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer raw.Close()
	version, err := Migrate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var rows int
	require.NoError(t, raw.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{Driver: DriverSQLite, Path: "/tmp/x.db"}.Validate())
	assert.Error(t, Config{Driver: DriverSQLite}.Validate())
	assert.Error(t, Config{Driver: "postgres"}.Validate())
}

func TestDB_Tasks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := orchestrator.Task{
		ID:           "t1",
		Description:  "add endpoint",
		Requirements: []string{"returns 200"},
		Status:       orchestrator.StatusRunning,
		CurrentPhase: stage.PhaseDesign,
		Artifacts:    map[stage.Phase]json.RawMessage{stage.PhasePlan: json.RawMessage(`{"units":[]}`)},
		RetryCounts:  map[stage.Phase]int{stage.PhaseDesignReview: 1},
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, db.CreateTask(ctx, task))
	assert.ErrorIs(t, db.CreateTask(ctx, task), orchestrator.ErrTaskExists)

	got, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Description, got.Description)
	assert.Equal(t, stage.PhaseDesign, got.CurrentPhase)
	assert.Equal(t, 1, got.RetryCounts[stage.PhaseDesignReview])
	assert.JSONEq(t, `{"units":[]}`, string(got.Artifacts[stage.PhasePlan]))
	assert.True(t, t0.Equal(got.CreatedAt))

	got.Status = orchestrator.StatusSuspended
	got.PendingRequestID = "r1"
	got.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, db.UpdateTask(ctx, got))

	again, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuspended, again.Status)
	assert.Equal(t, "r1", again.PendingRequestID)

	_, err = db.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
	assert.ErrorIs(t, db.UpdateTask(ctx, orchestrator.Task{ID: "missing"}), orchestrator.ErrTaskNotFound)
}

func TestDB_ListTasks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTask(ctx, orchestrator.Task{ID: "b", Status: orchestrator.StatusRunning, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, db.CreateTask(ctx, orchestrator.Task{ID: "a", Status: orchestrator.StatusSuspended, CreatedAt: t0}))
	require.NoError(t, db.CreateTask(ctx, orchestrator.Task{ID: "c", Status: orchestrator.StatusCompleted, CreatedAt: t0.Add(2 * time.Minute)}))

	all, err := db.ListTasks(ctx, orchestrator.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	open, err := db.ListTasks(ctx, orchestrator.TaskFilter{
		Statuses: []orchestrator.Status{orchestrator.StatusRunning, orchestrator.StatusSuspended},
	})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
}

func TestDB_Records(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	second := stage.ExecutionRecord{
		ID: "r2", TaskID: "t1", Phase: stage.PhaseDesign, Executor: "designer", AttemptNumber: 1,
		Latency: 2 * time.Second, TokensIn: 20, TokensOut: 40, Cost: 0.02,
		Outcome: stage.OutcomeRepairedSuccess, Timestamp: t0.Add(time.Second),
	}
	first := stage.ExecutionRecord{
		ID: "r1", TaskID: "t1", Phase: stage.PhasePlan, Executor: "planner", AttemptNumber: 1,
		Latency: time.Second, TokensIn: 10, TokensOut: 5, Cost: 0.01,
		Outcome: stage.OutcomeFailure, Error: "timeout", Timestamp: t0,
	}
	require.NoError(t, db.AppendRecord(ctx, second))
	require.NoError(t, db.AppendRecord(ctx, first))
	require.NoError(t, db.AppendRecord(ctx, stage.ExecutionRecord{ID: "other", TaskID: "t2", Timestamp: t0}))
	resumed := stage.ExecutionRecord{
		ID: "r3", TaskID: "t1", Phase: stage.PhaseDesignReview, Executor: stage.TransitionExecutor,
		Outcome: stage.OutcomeSuccess, Transition: stage.TransitionApproved, Timestamp: t0.Add(2 * time.Second),
	}
	require.NoError(t, db.AppendRecord(ctx, resumed))

	got, err := db.ListRecords(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])
	assert.Equal(t, resumed, got[2])

	usage := stage.TotalUsage(got)
	assert.Equal(t, 30, usage.TokensIn)
	assert.InDelta(t, 0.03, usage.Cost, 1e-9)

	none, err := db.ListRecords(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDB_DefectsThroughLedger(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ledger := defects.NewLedger(db, defects.WithClock(func() time.Time { return t0 }))

	id, err := ledger.Record(ctx, defects.Defect{
		TaskID:         "t1",
		Type:           defects.TypeFunction,
		Severity:       defects.SeverityHigh,
		PhaseInjected:  stage.PhaseDesign,
		FlaggedByAgent: true,
		Description:    "missing error path",
	})
	require.NoError(t, err)

	got, err := db.GetDefect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, defects.TypeFunction, got.Type)
	assert.True(t, got.FlaggedByAgent)
	assert.Empty(t, got.PhaseRemoved)
	assert.True(t, t0.Equal(got.CreatedAt))

	removed, err := ledger.MarkRemoved(ctx, id, stage.PhaseDesignReview, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, stage.PhaseDesignReview, removed.PhaseRemoved)

	stored, err := db.GetDefect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stage.PhaseDesignReview, stored.PhaseRemoved)
	assert.Equal(t, 90*time.Second, stored.EffortToFix)
	assert.Equal(t, "missing error path", stored.Description)

	list, err := ledger.List(ctx, defects.Filter{TaskID: "t1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	density, err := ledger.Density(ctx, "t1", 4)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, density, 1e-9)

	_, err = db.GetDefect(ctx, "missing")
	assert.ErrorIs(t, err, defects.ErrNotFound)
	assert.ErrorIs(t, db.UpdateDefect(ctx, defects.Defect{ID: "missing"}), defects.ErrNotFound)
}

func TestDB_ApprovalRequests(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)
	req := approval.Request{
		ID:       "r1",
		TaskID:   "t1",
		GateType: "quality_gate",
		QualityReport: &review.Report{
			Phase:         stage.PhaseDesignReview,
			OverallStatus: review.StatusFail,
			Findings:      []review.Finding{{SpecialistID: "security", Severity: review.SeverityCritical, Description: "sql injection"}},
			CriticalCount: 1,
			Reviewers:     []string{"security"},
		},
		RequestedAt: t0,
		ExpiresAt:   &exp,
		Status:      approval.StatusPending,
		UpdatedAt:   t0,
	}
	require.NoError(t, db.CreateRequest(ctx, req))
	require.NoError(t, db.CreateRequest(ctx, approval.Request{
		ID: "r2", TaskID: "t2", GateType: "quality_gate", RequestedAt: t0.Add(time.Minute),
		Status: approval.StatusApproved, UpdatedAt: t0,
	}))

	got, err := db.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, req, got)

	pending, err := db.ListRequests(ctx, approval.Filter{Statuses: []approval.Status{approval.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	forTask, err := db.ListRequests(ctx, approval.Filter{TaskID: "t2"})
	require.NoError(t, err)
	require.Len(t, forTask, 1)
	assert.Nil(t, forTask[0].ExpiresAt)
	assert.Nil(t, forTask[0].QualityReport)

	_, err = db.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, approval.ErrUnknownRequest)
	_, err = db.TransitionRequest(ctx, "missing", []approval.Status{approval.StatusPending}, approval.StatusExpired, nil, t0)
	assert.ErrorIs(t, err, approval.ErrUnknownRequest)
}

func TestDB_TransitionRequest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateRequest(ctx, approval.Request{
		ID: "r1", TaskID: "t1", GateType: "quality_gate", RequestedAt: t0, Status: approval.StatusPending, UpdatedAt: t0,
	}))

	defer1 := &approval.Decision{RequestID: "r1", Verdict: approval.VerdictDeferred, Reviewer: "alice", Justification: "need logs", DecidedAt: t0.Add(time.Minute)}
	r, err := db.TransitionRequest(ctx, "r1", []approval.Status{approval.StatusPending}, approval.StatusDeferred, defer1, defer1.DecidedAt)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusDeferred, r.Status)
	assert.True(t, defer1.DecidedAt.Equal(r.UpdatedAt))

	// Deferred cannot be deferred again.
	cur, err := db.TransitionRequest(ctx, "r1", []approval.Status{approval.StatusPending}, approval.StatusDeferred, defer1, t0)
	assert.ErrorIs(t, err, approval.ErrConflict)
	assert.Equal(t, approval.StatusDeferred, cur.Status)

	final := &approval.Decision{RequestID: "r1", Verdict: approval.VerdictApproved, Reviewer: "bob", Justification: "looks fine", DecidedAt: t0.Add(2 * time.Minute)}
	r, err = db.TransitionRequest(ctx, "r1", []approval.Status{approval.StatusPending, approval.StatusDeferred}, approval.StatusApproved, final, final.DecidedAt)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, r.Status)

	decisions, err := db.ListDecisions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, *defer1, decisions[0])
	assert.Equal(t, *final, decisions[1])
}

func TestDB_GatewayFirstDecisionWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	gw, err := approval.NewGateway(db, approval.DefaultConfig(), approval.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	id, err := gw.Request(ctx, "t1", "quality_gate", nil)
	require.NoError(t, err)

	verdicts := []approval.Verdict{approval.VerdictApproved, approval.VerdictRejected, approval.VerdictApproved, approval.VerdictRejected}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		dups int
	)
	for i, v := range verdicts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Decide(ctx, id, v, "reviewer", "decision "+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, approval.ErrDuplicateDecision):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, len(verdicts)-1, dups)
	decisions, err := gw.Decisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestDB_BootstrapMetrics(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.LatestMetric(ctx, "codegen")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveMetric(ctx, bootstrap.Metric{Capability: "codegen", Mode: bootstrap.ModeLearning, TasksCompleted: 1, UpdatedAt: t0}))
	require.NoError(t, db.SaveMetric(ctx, bootstrap.Metric{Capability: "codegen", Mode: bootstrap.ModeShadow, TasksCompleted: 2, UpdatedAt: t0}))
	require.NoError(t, db.SaveMetric(ctx, bootstrap.Metric{Capability: "review", Mode: bootstrap.ModeLearning, UpdatedAt: t0}))

	m, ok, err := db.LatestMetric(ctx, "codegen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bootstrap.ModeShadow, m.Mode)
	assert.Equal(t, 2, m.TasksCompleted)
}
