package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"storytime/internal/domain"
)

const perJobQueueDepth = 16

// Dispatcher consumes transition events and fans each one out to the job's
// webhook subscribers and websocket listeners. Events for one job are
// delivered in transition order; jobs never block each other. A slow
// webhook subscriber of one job delays only that job's later events.
type Dispatcher struct {
	events chan domain.TransitionEvent
	subs   SubscriptionStore
	sender *WebhookSender
	hub    *Hub
	logger zerolog.Logger

	mu     sync.Mutex
	queues map[string]chan domain.TransitionEvent
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given stores. Either sender or
// hub consumers may be exercised alone; a nil hub disables live pushes.
func NewDispatcher(depth int, subs SubscriptionStore, sender *WebhookSender, hub *Hub, logger zerolog.Logger) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		events: make(chan domain.TransitionEvent, depth),
		subs:   subs,
		sender: sender,
		hub:    hub,
		logger: logger,
		queues: make(map[string]chan domain.TransitionEvent),
	}
}

// Publish enqueues an event for delivery. It blocks when the dispatcher is
// saturated, applying backpressure to the orchestrator rather than dropping
// notifications.
func (d *Dispatcher) Publish(ctx context.Context, event domain.TransitionEvent) error {
	select {
	case d.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes events until ctx is cancelled, then drains the in-flight
// per-job queues before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case event := <-d.events:
			d.route(ctx, event)
		case <-ctx.Done():
			d.mu.Lock()
			for _, q := range d.queues {
				close(q)
			}
			d.queues = make(map[string]chan domain.TransitionEvent)
			d.mu.Unlock()
			d.wg.Wait()
			return
		}
	}
}

// route hands the event to the job's delivery goroutine, starting one if the
// job has none yet. Terminal events tear the queue down after delivery.
func (d *Dispatcher) route(ctx context.Context, event domain.TransitionEvent) {
	d.mu.Lock()
	q, ok := d.queues[event.JobID]
	if !ok {
		q = make(chan domain.TransitionEvent, perJobQueueDepth)
		d.queues[event.JobID] = q
		d.wg.Add(1)
		go d.deliverLoop(ctx, q)
	}
	if event.NewStage.IsTerminal() {
		delete(d.queues, event.JobID)
	}
	d.mu.Unlock()

	q <- event
	if event.NewStage.IsTerminal() {
		close(q)
	}
}

func (d *Dispatcher) deliverLoop(ctx context.Context, q chan domain.TransitionEvent) {
	defer d.wg.Done()
	for event := range q {
		d.deliver(ctx, event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event domain.TransitionEvent) {
	if d.hub != nil {
		d.hub.Broadcast(event)
	}

	subs, err := d.subs.ForJob(ctx, event.OwnerID, event.JobID)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", event.JobID).Msg("load webhook subscriptions")
		return
	}
	for _, sub := range subs {
		// Send's error path already logged and counted the abandonment.
		_ = d.sender.Send(ctx, sub, event)
	}
}
