package stage

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds executors keyed by phase and reviewers keyed by specialist id.
type Registry struct {
	mu        sync.RWMutex
	executors map[Phase]Executor
	reviewers map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[Phase]Executor),
		reviewers: make(map[string]Executor),
	}
}

// Register sets the executor for a generation phase.
func (r *Registry) Register(phase Phase, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[phase] = e
}

// RegisterReviewer sets the executor for a specialist reviewer.
func (r *Registry) RegisterReviewer(specialist string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviewers[specialist] = e
}

// Executor returns the executor for phase.
func (r *Registry) Executor(phase Phase) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[phase]
	if !ok {
		return nil, fmt.Errorf("%w for phase %s", ErrNoExecutor, phase)
	}
	return e, nil
}

// Reviewer returns the executor for a specialist.
func (r *Registry) Reviewer(specialist string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.reviewers[specialist]
	if !ok {
		return nil, fmt.Errorf("%w for specialist %s", ErrNoReviewer, specialist)
	}
	return e, nil
}

// Reviewers returns the registered specialist ids, sorted.
func (r *Registry) Reviewers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.reviewers))
	for id := range r.reviewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
