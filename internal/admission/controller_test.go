package admission

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storytime/internal/domain"
	"storytime/internal/ledger"
)

func newController(t *testing.T, credits int) (*Controller, *ledger.Memory) {
	t.Helper()
	l := ledger.NewMemory()
	require.NoError(t, l.Grant(context.Background(), "owner-1", credits))
	return NewController(NewMemoryCounters(), l, zerolog.Nop()), l
}

func TestTryAdmit(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newController(t, 5)

	ticket, err := ctrl.TryAdmit(ctx, "owner-1", domain.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", ticket.OwnerID)
	assert.NotEmpty(t, ticket.ReservationID)
}

func TestDeniedInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newController(t, 0)

	_, err := ctrl.TryAdmit(ctx, "owner-1", domain.TierPremium)
	denied, ok := domain.Denied(err)
	require.True(t, ok, "expected AdmissionDenied, got %v", err)
	assert.Equal(t, domain.DeniedInsufficientCredits, denied.Reason)
}

func TestDeniedTooManyConcurrentJobs(t *testing.T) {
	ctx := context.Background()
	ctrl, l := newController(t, 5)

	// Free tier allows one concurrent job.
	first, err := ctrl.TryAdmit(ctx, "owner-1", domain.TierFree)
	require.NoError(t, err)

	_, err = ctrl.TryAdmit(ctx, "owner-1", domain.TierFree)
	denied, ok := domain.Denied(err)
	require.True(t, ok)
	assert.Equal(t, domain.DeniedTooManyConcurrentJobs, denied.Reason)

	// The denied attempt must not leak its credit reservation.
	balance, err := l.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance)

	// After the first job settles, a new submission is admitted again.
	require.NoError(t, first.Release(ctx))
	_, err = ctrl.TryAdmit(ctx, "owner-1", domain.TierFree)
	require.NoError(t, err)
}

func TestDeniedRateLimited(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newController(t, 100)

	// Free tier has burst 2; the third immediate request must trip the limiter
	// regardless of what the concurrency cap said about the second.
	var denied *domain.AdmissionDenied
	for i := 0; i < 5; i++ {
		_, err := ctrl.TryAdmit(ctx, "owner-1", domain.TierFree)
		if d, ok := domain.Denied(err); ok && d.Reason == domain.DeniedRateLimited {
			denied = d
			break
		}
	}
	require.NotNil(t, denied, "expected a rate-limited denial within burst+1 attempts")
}

// The concurrency counter never exceeds the tier cap even under concurrent
// submitters racing for the last slot.
func TestConcurrencyCapUnderContention(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Grant(ctx, "owner-1", 1000))
	counters := NewMemoryCounters()
	ctrl := NewController(counters, l, zerolog.Nop())

	cap := domain.TierFamily.Limits().MaxConcurrent

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := make([]*Ticket, 0)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := ctrl.TryAdmit(ctx, "owner-1", domain.TierFamily)
			if err != nil {
				return
			}
			mu.Lock()
			admitted = append(admitted, ticket)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(admitted), cap)
	value, err := counters.Value(ctx, "owner-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, value, cap)

	// Settle all tickets; counter returns to zero and credits are conserved.
	for _, ticket := range admitted {
		require.NoError(t, ticket.Release(ctx))
	}
	value, _ = counters.Value(ctx, "owner-1")
	assert.Equal(t, 0, value)
	balance, _ := l.Balance(ctx, "owner-1")
	assert.Equal(t, 1000, balance)
}

func TestTicketSettlesOnce(t *testing.T) {
	ctx := context.Background()
	ctrl, l := newController(t, 3)

	ticket, err := ctrl.TryAdmit(ctx, "owner-1", domain.TierPremium)
	require.NoError(t, err)

	require.NoError(t, ticket.Complete(ctx))
	assert.ErrorIs(t, ticket.Release(ctx), ledger.ErrAlreadySettled)
	assert.ErrorIs(t, ticket.Complete(ctx), ledger.ErrAlreadySettled)

	balance, _ := l.Balance(ctx, "owner-1")
	assert.Equal(t, 2, balance, "completed job consumes exactly one credit")
}
