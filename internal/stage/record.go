package stage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Outcome is the result class of one executor invocation.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeRepairedSuccess Outcome = "repaired_success"
	OutcomeFailure         Outcome = "failure"
)

// TransitionExecutor is the executor name on records of transitions that
// invoked no executor.
const TransitionExecutor = "orchestrator"

// Transition kinds of executor-less records.
const (
	TransitionRetried   = "retried"
	TransitionSuspended = "suspended"
	TransitionApproved  = "approved"
	TransitionRejected  = "rejected"
	TransitionExpired   = "expired"
	TransitionCancelled = "cancelled"
)

// ExecutionRecord is one executor invocation. Records are never mutated.
type ExecutionRecord struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	Phase         Phase         `json:"phase"`
	Executor      string        `json:"executor"`
	AttemptNumber int           `json:"attempt_number"`
	Latency       time.Duration `json:"latency"`
	TokensIn      int           `json:"tokens_in"`
	TokensOut     int           `json:"tokens_out"`
	Cost          float64       `json:"cost"`
	Outcome       Outcome       `json:"outcome"`
	Error         string        `json:"error,omitempty"`
	// Transition is set when the record marks a phase transition that ran
	// no executor. Such records carry no usage and attempt number 0.
	Transition string    `json:"transition,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Usage returns the record's resource consumption.
func (r ExecutionRecord) Usage() Usage {
	return Usage{TokensIn: r.TokensIn, TokensOut: r.TokensOut, Cost: r.Cost, Latency: r.Latency}
}

// RecordStore is the append-only persistence contract for execution records.
type RecordStore interface {
	AppendRecord(ctx context.Context, rec ExecutionRecord) error
	ListRecords(ctx context.Context, taskID string) ([]ExecutionRecord, error)
}

// TotalUsage sums the usage of every record.
func TotalUsage(records []ExecutionRecord) Usage {
	var total Usage
	for _, r := range records {
		total = total.Add(r.Usage())
	}
	return total
}

// MemoryRecordStore is an in-process RecordStore.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string][]ExecutionRecord
}

// NewMemoryRecordStore creates an empty record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string][]ExecutionRecord)}
}

// AppendRecord stores rec.
func (s *MemoryRecordStore) AppendRecord(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TaskID] = append(s.records[rec.TaskID], rec)
	return nil
}

// ListRecords returns a task's records ordered by timestamp.
func (s *MemoryRecordStore) ListRecords(_ context.Context, taskID string) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExecutionRecord, len(s.records[taskID]))
	copy(out, s.records[taskID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
