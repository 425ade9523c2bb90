// Package admission decides whether a new job may start: subscription-tier
// rate limit, credit balance, and per-owner concurrency cap.
package admission

import (
	"context"
	"sync"
)

// CounterStore holds the per-owner concurrency counters. The check-and-
// increment must be a single atomic operation so two concurrent submissions
// cannot both pass the cap check. The store is injectable so tests can
// substitute a deterministic one and deployments can share counters via
// Redis.
type CounterStore interface {
	// IncrBelow increments key if its current value is below cap and
	// reports whether the increment happened.
	IncrBelow(ctx context.Context, key string, cap int) (bool, error)

	// Decr decrements key, never below zero.
	Decr(ctx context.Context, key string) error

	// Value returns the current counter value.
	Value(ctx context.Context, key string) (int, error)
}

// Compile-time check that MemoryCounters implements CounterStore.
var _ CounterStore = (*MemoryCounters)(nil)

// MemoryCounters is a process-local CounterStore.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounters creates an empty counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[string]int)}
}

func (m *MemoryCounters) IncrBelow(_ context.Context, key string, cap int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[key] >= cap {
		return false, nil
	}
	m.counts[key]++
	return true, nil
}

func (m *MemoryCounters) Decr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[key] > 0 {
		m.counts[key]--
	}
	return nil
}

func (m *MemoryCounters) Value(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}
