package report

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and single-node
// deployments without Postgres configured.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]*Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[uuid.UUID]*Report),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, mutate func(*Report) error) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := r.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	s.reports[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusVerified {
		return ErrVerifiedImmutable
	}
	delete(s.reports, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Report, 0, len(s.reports))
	for _, r := range s.reports {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Kind != "" && r.EvidenceKind != f.Kind {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Report{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		ByStatus: make(map[Status]int),
		ByKind:   make(map[EvidenceKind]int),
	}
	for _, r := range s.reports {
		stats.Total++
		stats.ByStatus[r.Status]++
		stats.ByKind[r.EvidenceKind]++
		stats.TotalBountySats += r.BountySats
	}
	return stats, nil
}
