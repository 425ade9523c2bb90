package registry

import (
	"context"
	"sort"
	"sync"

	"storytime/internal/domain"
)

// Compile-time check that Memory implements Registry.
var _ Registry = (*Memory)(nil)

// Memory is a process-local Registry. Each job carries its own lock so
// updates for different jobs proceed in parallel; reads hand out deep
// copies so callers can never mutate stored state.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
}

type memoryEntry struct {
	mu  sync.Mutex
	job *domain.Job
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memoryEntry)}
}

func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.ErrStageConflict
	}
	m.jobs[job.ID] = &memoryEntry{job: job.Clone()}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, expect domain.Stage, apply func(*domain.Job) error) (*domain.Job, error) {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.job.Stage != expect {
		return nil, domain.ErrStageConflict
	}

	next := entry.job.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	if next.Stage != expect && !domain.CanTransition(expect, next.Stage) {
		return nil, domain.ErrInvalidTransition
	}
	next.UpdatedAt = nowUTC()

	entry.job = next
	return next.Clone(), nil
}

func (m *Memory) List(_ context.Context, f Filter, limit int, pageToken string) (Page, error) {
	cursor, err := decodeCursor(pageToken)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	m.mu.RLock()
	all := make([]*domain.Job, 0, len(m.jobs))
	for _, entry := range m.jobs {
		entry.mu.Lock()
		j := entry.job.Clone()
		entry.mu.Unlock()
		if matches(j, f) && afterCursor(j, cursor) {
			all = append(all, j)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, k int) bool {
		if !all[i].CreatedAt.Equal(all[k].CreatedAt) {
			return all[i].CreatedAt.Before(all[k].CreatedAt)
		}
		return all[i].ID < all[k].ID
	})

	page := Page{}
	if len(all) > limit {
		page.Jobs = all[:limit]
		page.NextToken = encodeCursor(all[limit-1])
	} else {
		page.Jobs = all
	}
	return page, nil
}
