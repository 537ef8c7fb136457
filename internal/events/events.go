// Package events carries the pipeline's telemetry contract: one event per
// phase transition, per recorded defect and per approval change.
//
// Sinks are observers. A failing sink never changes pipeline behavior; the
// orchestrator logs the error and moves on.
//
// The NATS sink publishes to
//
//	{prefix}.tasks.{task_id}.{type}
//
// so consumers can follow a single task with {prefix}.tasks.{task_id}.* or
// everything with {prefix}.tasks.>.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
)

// Type names an event.
type Type string

const (
	TaskSubmitted     Type = "task_submitted"
	PhaseTransition   Type = "phase_transition"
	TaskSuspended     Type = "task_suspended"
	TaskResumed       Type = "task_resumed"
	TaskCompleted     Type = "task_completed"
	TaskFailed        Type = "task_failed"
	DefectRecorded    Type = "defect_recorded"
	ApprovalRequested Type = "approval_requested"
	ApprovalDecided   Type = "approval_decided"
	ApprovalExpired   Type = "approval_expired"
	ReviewerDegraded  Type = "reviewer_degraded"
)

// Terminal reports whether no further events follow t for a task.
func (t Type) Terminal() bool {
	return t == TaskCompleted || t == TaskFailed
}

// Event is one telemetry record.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id"`
	Phase     string          `json:"phase,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WithData returns e with v encoded into Data. Encoding errors drop Data.
func (e Event) WithData(v any) Event {
	if b, err := json.Marshal(v); err == nil {
		e.Data = b
	}
	return e
}

// Sink consumes events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Multi fans events out to every sink and joins their errors.
type Multi []Sink

// Emit sends e to every sink.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// LogSink writes events to a logger at debug level.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(l *logging.Logger) *LogSink {
	return &LogSink{logger: l}
}

// Emit logs e.
func (s *LogSink) Emit(ctx context.Context, e Event) error {
	s.logger.Debug(ctx, "pipeline event",
		zap.String("event.type", string(e.Type)),
		zap.String("event.task_id", e.TaskID),
		zap.String("event.phase", e.Phase),
		zap.String("event.from", e.From),
		zap.String("event.to", e.To),
	)
	return nil
}

// Recorder keeps events in memory. Used by tests and the dry-run CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends e.
func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
