package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storytime/internal/admission"
	"storytime/internal/domain"
	"storytime/internal/ledger"
	"storytime/internal/notify"
	"storytime/internal/observability"
	"storytime/internal/registry"
)

// Options tunes the orchestrator.
type Options struct {
	// PoolSize bounds how many jobs run concurrently.
	PoolSize int

	// QueueDepth bounds the submission queue; a full queue rejects new
	// submissions rather than growing without bound.
	QueueDepth int

	// RecoveryGrace is how recently a recovered job must have progressed to
	// be re-queued instead of failed.
	RecoveryGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.RecoveryGrace <= 0 {
		o.RecoveryGrace = 10 * time.Minute
	}
	return o
}

// ErrQueueFull is returned when the submission queue cannot take more work.
var ErrQueueFull = errors.New("submission queue full")

type submission struct {
	jobID  string
	ticket *admission.Ticket
}

// Orchestrator owns the submission queue and the worker pool. Submissions
// pass admission before a job record exists; admitted jobs are processed
// FIFO by a fixed number of workers.
type Orchestrator struct {
	opts       Options
	controller *admission.Controller
	credits    ledger.Ledger
	registry   registry.Registry
	machine    *Machine
	dispatcher *notify.Dispatcher
	logger     zerolog.Logger

	queue chan submission

	// inflight tracks job ids currently on the local queue or being
	// processed, so the recovery scan does not enqueue them a second time.
	inflight sync.Map
}

// NewOrchestrator wires the engine together.
func NewOrchestrator(
	opts Options,
	controller *admission.Controller,
	credits ledger.Ledger,
	reg registry.Registry,
	machine *Machine,
	dispatcher *notify.Dispatcher,
	logger zerolog.Logger,
) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		opts:       opts,
		controller: controller,
		credits:    credits,
		registry:   reg,
		machine:    machine,
		dispatcher: dispatcher,
		logger:     logger,
		queue:      make(chan submission, opts.QueueDepth),
	}
}

// Submit admits and enqueues a new job. On success the returned job is in
// Queued; denials surface as *domain.AdmissionDenied before any job record
// exists.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, tier domain.Tier, input domain.JobInput) (*domain.Job, error) {
	if input.Length == domain.LengthLong && !tier.Limits().LongStories {
		observability.AdmissionDenials.WithLabelValues(string(domain.DeniedFeatureUnavailable)).Inc()
		return nil, &domain.AdmissionDenied{
			Reason: domain.DeniedFeatureUnavailable,
			Detail: "long stories require a premium subscription",
		}
	}
	if input.MusicStyle != "" && input.MusicStyle != domain.MusicNone && !tier.Limits().BackgroundMusic {
		observability.AdmissionDenials.WithLabelValues(string(domain.DeniedFeatureUnavailable)).Inc()
		return nil, &domain.AdmissionDenied{
			Reason: domain.DeniedFeatureUnavailable,
			Detail: "background music requires a premium subscription",
		}
	}

	ticket, err := o.controller.TryAdmit(ctx, ownerID, tier)
	if err != nil {
		if denied, ok := domain.Denied(err); ok {
			observability.AdmissionDenials.WithLabelValues(string(denied.Reason)).Inc()
		}
		return nil, err
	}

	job := domain.NewJob(ownerID, input)
	job.ReservationID = ticket.ReservationID
	if err := o.registry.Create(ctx, job); err != nil {
		o.settle(ctx, ticket, false)
		return nil, fmt.Errorf("create job: %w", err)
	}

	o.inflight.Store(job.ID, struct{}{})
	select {
	case o.queue <- submission{jobID: job.ID, ticket: ticket}:
	default:
		// The record exists but never ran; fail it cleanly and refund.
		o.inflight.Delete(job.ID)
		o.settle(ctx, ticket, false)
		if _, failErr := o.registry.Update(ctx, job.ID, domain.StageQueued, func(j *domain.Job) error {
			j.Stage = domain.StageFailed
			j.Error = &domain.JobError{
				Stage:           domain.StageQueued,
				Message:         ErrQueueFull.Error(),
				CreditsRefunded: true,
			}
			return nil
		}); failErr != nil {
			o.logger.Error().Err(failErr).Str("job_id", job.ID).Msg("mark overflow job failed")
		}
		return nil, ErrQueueFull
	}

	o.logger.Info().Str("job_id", job.ID).Str("owner_id", ownerID).Msg("job queued")
	return job, nil
}

// Cancel stops a job that has not finished. Queued jobs never invoke a
// client; running jobs stop at their next stage boundary when the state
// machine loses the stage CAS. Terminal jobs return ErrNotCancellable.
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	job, err := o.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	if job.IsTerminal() {
		return nil, domain.ErrNotCancellable
	}

	from := job.Stage
	updated, err := o.registry.Update(ctx, jobID, from, func(j *domain.Job) error {
		j.Stage = domain.StageCancelled
		return nil
	})
	if errors.Is(err, domain.ErrStageConflict) {
		// The job moved while we looked at it; let the caller retry.
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	// A queued job's worker will find it cancelled and release the ticket.
	// A running job's machine stops at the CAS; its worker settles too.
	observability.JobTransitions.WithLabelValues(string(domain.StageCancelled)).Inc()
	if o.dispatcher != nil {
		event := domain.TransitionEvent{
			JobID:         updated.ID,
			OwnerID:       updated.OwnerID,
			PreviousStage: from,
			NewStage:      domain.StageCancelled,
			Timestamp:     updated.UpdatedAt,
		}
		if err := o.dispatcher.Publish(ctx, event); err != nil {
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("publish cancellation")
		}
	}
	return updated, nil
}

// Run recovers interrupted jobs, then processes the queue with a bounded
// worker pool until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.PoolSize; i++ {
		g.Go(func() error {
			return o.worker(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) worker(ctx context.Context) error {
	for {
		select {
		case sub := <-o.queue:
			o.process(ctx, sub)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, sub submission) {
	defer o.inflight.Delete(sub.jobID)

	job, err := o.machine.Run(ctx, sub.jobID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-pipeline; keep the ticket's reservation for the
			// restarted orchestrator to settle via the job record.
			o.logger.Info().Str("job_id", sub.jobID).Msg("job interrupted by shutdown")
			return
		}
		if errors.Is(err, domain.ErrStageConflict) {
			// Another runner took the job over mid-walk. Its concurrency
			// slot still belongs to this submission; the winner settles the
			// credit through the reservation recorded on the job.
			o.logger.Info().Str("job_id", sub.jobID).Msg("job taken over by another runner")
			o.abandon(ctx, sub.ticket)
			return
		}
		o.logger.Error().Err(err).Str("job_id", sub.jobID).Msg("pipeline error")
		if job == nil {
			return
		}
	}
	if job == nil || !job.IsTerminal() {
		return
	}

	consumed := job.Stage == domain.StageCompleted
	if sub.ticket != nil {
		o.settle(ctx, sub.ticket, consumed)
	} else {
		o.settleReservation(ctx, job, consumed)
	}
}

// abandon returns only the ticket's concurrency slot, leaving the credit
// reservation to whoever owns the job record now.
func (o *Orchestrator) abandon(ctx context.Context, ticket *admission.Ticket) {
	if ticket == nil {
		return
	}
	if err := ticket.Abandon(ctx); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		o.logger.Error().Err(err).Str("owner_id", ticket.OwnerID).Msg("abandon ticket")
	}
}

// settle resolves a live admission ticket.
func (o *Orchestrator) settle(ctx context.Context, ticket *admission.Ticket, consume bool) {
	var err error
	if consume {
		err = ticket.Complete(ctx)
	} else {
		err = ticket.Release(ctx)
	}
	if err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		o.logger.Error().Err(err).Str("owner_id", ticket.OwnerID).Msg("settle ticket")
	}
}

// settleReservation resolves the credit of a recovered job, which has no
// live ticket anymore.
func (o *Orchestrator) settleReservation(ctx context.Context, job *domain.Job, consume bool) {
	if job.ReservationID == "" {
		return
	}
	var err error
	if consume {
		err = o.credits.Consume(ctx, job.ReservationID)
	} else {
		err = o.credits.Release(ctx, job.ReservationID)
	}
	if err != nil && !errors.Is(err, ledger.ErrAlreadySettled) && !errors.Is(err, ledger.ErrUnknownReservation) {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("settle recovered reservation")
	}
}

// recover scans for jobs a previous process left unfinished. Jobs that
// progressed within the grace window go back on the queue from the stage
// the registry recorded; stale ones fail with a refund.
func (o *Orchestrator) recover(ctx context.Context) error {
	working := append([]domain.Stage{domain.StageQueued}, domain.PipelineStages...)
	cutoff := time.Now().Add(-o.opts.RecoveryGrace)

	pageToken := ""
	for {
		page, err := o.registry.List(ctx, registry.Filter{Stages: working}, 100, pageToken)
		if err != nil {
			return err
		}
		for _, job := range page.Jobs {
			// Jobs already on the local queue have a live ticket; enqueuing
			// them again would race a second runner against its holder.
			if _, queued := o.inflight.Load(job.ID); queued {
				continue
			}
			if job.UpdatedAt.After(cutoff) {
				o.inflight.Store(job.ID, struct{}{})
				select {
				case o.queue <- submission{jobID: job.ID}:
					o.logger.Info().Str("job_id", job.ID).Str("stage", string(job.Stage)).Msg("job recovered")
				default:
					o.inflight.Delete(job.ID)
					o.failStale(ctx, job, "recovery queue overflow")
				}
				continue
			}
			o.failStale(ctx, job, "abandoned after restart")
		}
		if page.NextToken == "" {
			return nil
		}
		pageToken = page.NextToken
	}
}

func (o *Orchestrator) failStale(ctx context.Context, job *domain.Job, reason string) {
	from := job.Stage
	updated, err := o.registry.Update(ctx, job.ID, from, func(j *domain.Job) error {
		j.Stage = domain.StageFailed
		j.Error = &domain.JobError{
			Stage:           from,
			Message:         reason,
			CreditsRefunded: true,
		}
		return nil
	})
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("fail stale job")
		return
	}
	o.settleReservation(ctx, updated, false)
	observability.JobTransitions.WithLabelValues(string(domain.StageFailed)).Inc()
	if o.dispatcher != nil {
		jobErr := *updated.Error
		event := domain.TransitionEvent{
			JobID:         updated.ID,
			OwnerID:       updated.OwnerID,
			PreviousStage: from,
			NewStage:      domain.StageFailed,
			Error:         &jobErr,
			Timestamp:     updated.UpdatedAt,
		}
		if err := o.dispatcher.Publish(ctx, event); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("publish stale failure")
		}
	}
}
