package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Compile-time check that Memory implements Ledger.
var _ Ledger = (*Memory)(nil)

type reservationState int

const (
	held reservationState = iota
	consumed
	released
)

type reservation struct {
	ownerID string
	state   reservationState
}

// Memory is an in-memory Ledger for development and tests.
type Memory struct {
	mu           sync.Mutex
	balances     map[string]int
	reservations map[string]*reservation
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[string]int),
		reservations: make(map[string]*reservation),
	}
}

func (m *Memory) Balance(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[ownerID]
	if !ok {
		return 0, ErrUnknownOwner
	}
	return b, nil
}

func (m *Memory) Grant(_ context.Context, ownerID string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ownerID] += amount
	return nil
}

func (m *Memory) Reserve(_ context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[ownerID] < 1 {
		return "", ErrInsufficientCredits
	}
	m.balances[ownerID]--
	id := uuid.NewString()
	m.reservations[id] = &reservation{ownerID: ownerID}
	return id, nil
}

func (m *Memory) Consume(_ context.Context, reservationID string) error {
	return m.settle(reservationID, consumed)
}

func (m *Memory) Release(_ context.Context, reservationID string) error {
	return m.settle(reservationID, released)
}

func (m *Memory) settle(reservationID string, to reservationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if r.state != held {
		return ErrAlreadySettled
	}
	r.state = to
	if to == released {
		m.balances[r.ownerID]++
	}
	return nil
}
