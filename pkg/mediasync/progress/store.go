package progress

import (
	"context"
	"sort"
	"sync"
)

// Store persists progress records.
type Store interface {
	// Create inserts a new record; an existing id yields *DuplicateJobError
	Create(ctx context.Context, rec *Record) error

	// Get returns a copy of the record or ErrJobNotFound
	Get(ctx context.Context, jobID string) (*Record, error)

	// Mutate applies fn to the stored record and persists the result.
	// Returning an error from fn leaves the record unchanged.
	Mutate(ctx context.Context, jobID string, fn func(rec *Record) error) error

	// List returns up to limit records, most recently started first
	List(ctx context.Context, limit int) ([]*Record, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.JobID]; exists {
		return &DuplicateJobError{JobID: rec.JobID}
	}
	m.records[rec.JobID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, jobID string, fn func(rec *Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return ErrJobNotFound
	}
	working := rec.Clone()
	if err := fn(working); err != nil {
		return err
	}
	m.records[jobID] = working
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
