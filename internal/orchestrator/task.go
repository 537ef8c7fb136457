package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Task errors.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskTerminal = errors.New("task is already completed or failed")
)

// InvalidTaskError rejects a submission. The task never enters the pipeline.
type InvalidTaskError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *InvalidTaskError) Error() string {
	msg := "invalid task"
	if e.TaskID != "" {
		msg += " " + e.TaskID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidTaskError) Unwrap() error {
	return e.Err
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TerminalReport explains why a task failed, so the cause can be
// reconstructed without replaying the pipeline.
type TerminalReport struct {
	Phase         stage.Phase    `json:"phase"`
	Reason        string         `json:"reason"`
	Error         string         `json:"error,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	QualityReport *review.Report `json:"quality_report,omitempty"`
}

// Summary is computed when a task completes.
type Summary struct {
	Estimated      estimation.Measures       `json:"estimated"`
	Actual         estimation.Measures       `json:"actual"`
	Accuracy       estimation.AccuracyReport `json:"accuracy"`
	DefectCount    int                       `json:"defect_count"`
	DefectDensity  *float64                  `json:"defect_density,omitempty"`
	FirstPassYield float64                   `json:"first_pass_yield"`
	Bootstrap      *bootstrap.Report         `json:"bootstrap,omitempty"`
}

// Task is one unit of requested work.
type Task struct {
	ID                  string                          `json:"task_id"`
	Description         string                          `json:"description"`
	Requirements        []string                        `json:"requirements"`
	Capability          string                          `json:"capability,omitempty"`
	Units               []estimation.SemanticUnit       `json:"units,omitempty"`
	ObservedUnits       []estimation.SemanticUnit       `json:"observed_units,omitempty"`
	Status              Status                          `json:"status"`
	CurrentPhase        stage.Phase                     `json:"current_phase"`
	EstimatedComplexity float64                         `json:"estimated_complexity"`
	ActualComplexity    float64                         `json:"actual_complexity"`
	BootstrapMode       bootstrap.Mode                  `json:"bootstrap_mode,omitempty"`
	Artifacts           map[stage.Phase]json.RawMessage `json:"artifacts,omitempty"`
	RetryCounts         map[stage.Phase]int             `json:"retry_counts,omitempty"`
	Feedback            []string                        `json:"feedback,omitempty"`
	PendingRequestID    string                          `json:"pending_request_id,omitempty"`
	LastReport          *review.Report                  `json:"last_report,omitempty"`
	Terminal            *TerminalReport                 `json:"terminal,omitempty"`
	Summary             *Summary                        `json:"summary,omitempty"`
	CreatedAt           time.Time                       `json:"created_at"`
	UpdatedAt           time.Time                       `json:"updated_at"`
}

// Clone returns a copy sharing no mutable state with t.
func (t Task) Clone() Task {
	c := t
	c.Requirements = append([]string(nil), t.Requirements...)
	c.Units = append([]estimation.SemanticUnit(nil), t.Units...)
	c.ObservedUnits = append([]estimation.SemanticUnit(nil), t.ObservedUnits...)
	c.Feedback = append([]string(nil), t.Feedback...)
	if t.Artifacts != nil {
		c.Artifacts = make(map[stage.Phase]json.RawMessage, len(t.Artifacts))
		for k, v := range t.Artifacts {
			c.Artifacts[k] = append(json.RawMessage(nil), v...)
		}
	}
	if t.RetryCounts != nil {
		c.RetryCounts = make(map[stage.Phase]int, len(t.RetryCounts))
		for k, v := range t.RetryCounts {
			c.RetryCounts[k] = v
		}
	}
	return c
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Statuses []Status
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// TaskStore persists tasks. The orchestrator is the only writer.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, t Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

// CreateTask stores a new task.
func (s *MemoryTaskStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of the task.
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// UpdateTask replaces an existing task.
func (s *MemoryTaskStore) UpdateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// ListTasks returns matching tasks ordered by creation time.
func (s *MemoryTaskStore) ListTasks(_ context.Context, f TaskFilter) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ TaskStore = (*MemoryTaskStore)(nil)

// taskLocks serializes work on a single task.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*refLock)}
}

// lock acquires the task's lock and returns its release.
func (l *taskLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
