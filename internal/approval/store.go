package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists requests and decisions.
type Store interface {
	CreateRequest(ctx context.Context, r Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	ListRequests(ctx context.Context, f Filter) ([]Request, error)

	// TransitionRequest moves request id to status to if its current status
	// is one of from, recording d when non-nil. It returns ErrConflict when
	// the current status is not in from and ErrUnknownRequest when absent.
	TransitionRequest(ctx context.Context, id string, from []Status, to Status, d *Decision, at time.Time) (Request, error)

	ListDecisions(ctx context.Context, requestID string) ([]Decision, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	requests  map[string]Request
	decisions map[string][]Decision
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]Request),
		decisions: make(map[string][]Decision),
	}
}

func (s *MemoryStore) CreateRequest(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	return r, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, f Filter) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) TransitionRequest(_ context.Context, id string, from []Status, to Status, d *Decision, at time.Time) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	allowed := false
	for _, st := range from {
		if r.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return r, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = at
	s.requests[id] = r
	if d != nil {
		s.decisions[id] = append(s.decisions[id], *d)
	}
	return r, nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, requestID string) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.decisions[requestID]...), nil
}

var _ Store = (*MemoryStore)(nil)
