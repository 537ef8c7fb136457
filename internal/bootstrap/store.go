package bootstrap

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store that keeps every snapshot.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]Metric
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]Metric)}
}

func (s *MemoryStore) SaveMetric(_ context.Context, m Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[m.Capability] = append(s.history[m.Capability], m)
	return nil
}

func (s *MemoryStore) LatestMetric(_ context.Context, capability string) (Metric, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[capability]
	if len(h) == 0 {
		return Metric{}, false, nil
	}
	return h[len(h)-1], true, nil
}

// History returns every snapshot saved for capability.
func (s *MemoryStore) History(capability string) []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Metric(nil), s.history[capability]...)
}

func sortMetrics(ms []Metric) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Capability < ms[j].Capability })
}

var _ Store = (*MemoryStore)(nil)
