package defects

import (
	"context"
	"sort"
	"sync"
)

// Store persists defects. Inserts are append-only; updates only touch
// annotation and removal fields.
type Store interface {
	InsertDefect(ctx context.Context, d Defect) error
	GetDefect(ctx context.Context, id string) (Defect, error)
	// UpdateDefect replaces the mutable fields of the defect with d.ID.
	UpdateDefect(ctx context.Context, d Defect) error
	ListDefects(ctx context.Context, f Filter) ([]Defect, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	defects map[string]Defect
	order   []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defects: make(map[string]Defect)}
}

func (s *MemoryStore) InsertDefect(_ context.Context, d Defect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defects[d.ID] = d
	s.order = append(s.order, d.ID)
	return nil
}

func (s *MemoryStore) GetDefect(_ context.Context, id string) (Defect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defects[id]
	if !ok {
		return Defect{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) UpdateDefect(_ context.Context, d Defect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.defects[d.ID]
	if !ok {
		return ErrNotFound
	}
	cur.PhaseRemoved = d.PhaseRemoved
	cur.EffortToFix = d.EffortToFix
	cur.ValidatedByHuman = d.ValidatedByHuman
	cur.FalsePositive = d.FalsePositive
	s.defects[d.ID] = cur
	return nil
}

func (s *MemoryStore) ListDefects(_ context.Context, f Filter) ([]Defect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Defect, 0, len(s.order))
	for _, id := range s.order {
		d := s.defects[id]
		if f.TaskID != "" && d.TaskID != f.TaskID {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
