package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"storytime/internal/domain"
	"storytime/internal/ledger"
)

const limiterTTL = 5 * time.Minute

// Controller performs the admission decision. Checks run in the order the
// contract specifies: tier rate limit, credit balance, concurrency cap. A
// successful admission returns a Ticket holding the credit reservation and
// the incremented concurrency slot; the ticket must be settled exactly once.
type Controller struct {
	counters CounterStore
	credits  ledger.Ledger
	logger   zerolog.Logger

	limiters sync.Map // owner:tier -> *cachedLimiter
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// NewController creates an admission controller over the given stores.
func NewController(counters CounterStore, credits ledger.Ledger, logger zerolog.Logger) *Controller {
	return &Controller{counters: counters, credits: credits, logger: logger}
}

// Ticket is an admitted submission: one reserved credit and one concurrency
// slot. Complete consumes the credit; Release refunds it. Both decrement the
// owner's concurrency counter. Settling twice is a no-op error.
type Ticket struct {
	OwnerID       string
	Tier          domain.Tier
	ReservationID string

	ctrl    *Controller
	settled bool
	mu      sync.Mutex
}

// TryAdmit checks rate limit, credits and concurrency for one submission.
// Denials are returned as *domain.AdmissionDenied.
func (c *Controller) TryAdmit(ctx context.Context, ownerID string, tier domain.Tier) (*Ticket, error) {
	limits := tier.Limits()

	if !c.ownerLimiter(ownerID, tier, limits).Allow() {
		return nil, &domain.AdmissionDenied{
			Reason: domain.DeniedRateLimited,
			Detail: fmt.Sprintf("tier %s allows %d requests per hour", tier, limits.RequestsPerHour),
		}
	}

	reservationID, err := c.credits.Reserve(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, &domain.AdmissionDenied{
				Reason: domain.DeniedInsufficientCredits,
				Detail: "story credits exhausted",
			}
		}
		return nil, fmt.Errorf("admission: reserve credit: %w", err)
	}

	ok, err := c.counters.IncrBelow(ctx, ownerID, limits.MaxConcurrent)
	if err != nil {
		// The reservation must not leak when the counter store fails.
		if relErr := c.credits.Release(ctx, reservationID); relErr != nil {
			c.logger.Error().Err(relErr).Str("owner_id", ownerID).Msg("admission: release after counter failure")
		}
		return nil, fmt.Errorf("admission: concurrency check: %w", err)
	}
	if !ok {
		if relErr := c.credits.Release(ctx, reservationID); relErr != nil {
			c.logger.Error().Err(relErr).Str("owner_id", ownerID).Msg("admission: release after cap denial")
		}
		return nil, &domain.AdmissionDenied{
			Reason: domain.DeniedTooManyConcurrentJobs,
			Detail: fmt.Sprintf("tier %s allows %d concurrent jobs", tier, limits.MaxConcurrent),
		}
	}

	c.logger.Debug().Str("owner_id", ownerID).Str("tier", string(tier)).Msg("submission admitted")
	return &Ticket{OwnerID: ownerID, Tier: tier, ReservationID: reservationID, ctrl: c}, nil
}

// Complete settles the ticket for a completed job: the credit is consumed.
func (t *Ticket) Complete(ctx context.Context) error {
	return t.settle(ctx, true)
}

// Release settles the ticket for a failed or cancelled job: the credit is
// refunded.
func (t *Ticket) Release(ctx context.Context) error {
	return t.settle(ctx, false)
}

// Abandon settles only the concurrency slot. Used when another runner has
// taken the job record over: that runner settles the credit through the
// reservation id recorded on the job, but this holder still owns the slot.
func (t *Ticket) Abandon(ctx context.Context) error {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return ledger.ErrAlreadySettled
	}
	t.settled = true
	t.mu.Unlock()

	return t.ctrl.counters.Decr(ctx, t.OwnerID)
}

func (t *Ticket) settle(ctx context.Context, consume bool) error {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return ledger.ErrAlreadySettled
	}
	t.settled = true
	t.mu.Unlock()

	if err := t.ctrl.counters.Decr(ctx, t.OwnerID); err != nil {
		t.ctrl.logger.Error().Err(err).Str("owner_id", t.OwnerID).Msg("admission: concurrency decrement")
	}
	if consume {
		return t.ctrl.credits.Consume(ctx, t.ReservationID)
	}
	return t.ctrl.credits.Release(ctx, t.ReservationID)
}

func (c *Controller) ownerLimiter(ownerID string, tier domain.Tier, limits domain.TierLimits) *rate.Limiter {
	key := ownerID + ":" + string(tier)
	if v, ok := c.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
	}
	limiter := rate.NewLimiter(rate.Limit(float64(limits.RequestsPerHour)/3600.0), limits.Burst)
	c.limiters.Store(key, &cachedLimiter{limiter: limiter, expiresAt: time.Now().Add(limiterTTL)})
	return limiter
}
