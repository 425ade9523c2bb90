// Package orchestrate drives admitted jobs through the pipeline: a bounded
// worker pool pulls from the submission queue and a state machine walks each
// job through its stages, writing every transition to the registry before
// notifying anyone about it.
package orchestrate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"storytime/internal/domain"
	"storytime/internal/notify"
	"storytime/internal/observability"
	"storytime/internal/registry"
	"storytime/internal/stage"
)

// Machine executes one job's pipeline. It is stateless between calls; the
// registry carries all job state, which is what makes restart recovery work.
type Machine struct {
	registry     registry.Registry
	clients      map[domain.Stage]stage.Client
	retry        stage.RetryPolicy
	stageTimeout time.Duration
	dispatcher   *notify.Dispatcher
	logger       zerolog.Logger
}

// NewMachine wires a state machine over the given stage clients.
func NewMachine(
	reg registry.Registry,
	clients []stage.Client,
	retry stage.RetryPolicy,
	stageTimeout time.Duration,
	dispatcher *notify.Dispatcher,
	logger zerolog.Logger,
) *Machine {
	byStage := make(map[domain.Stage]stage.Client, len(clients))
	for _, c := range clients {
		byStage[c.Stage()] = c
	}
	return &Machine{
		registry:     reg,
		clients:      byStage,
		retry:        retry,
		stageTimeout: stageTimeout,
		dispatcher:   dispatcher,
		logger:       logger,
	}
}

// Run walks the job from its current stage to a terminal one and returns the
// final snapshot. A context cancellation stops the walk at the next stage
// boundary without writing a terminal state, leaving the job for recovery.
// A registry stage conflict means someone else (a cancellation) moved the
// job; the walk stops and the current snapshot is returned.
func (m *Machine) Run(ctx context.Context, jobID string) (*domain.Job, error) {
	for {
		job, err := m.registry.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.IsTerminal() {
			return job, nil
		}
		if err := ctx.Err(); err != nil {
			return job, err
		}

		if job.Stage == domain.StageQueued {
			job, err = m.advance(ctx, job, func(j *domain.Job) {})
			if err != nil {
				if job, err = m.resolveConflict(ctx, jobID, err); job != nil {
					return job, err
				}
				return nil, err
			}
			continue
		}

		job, err = m.runStage(ctx, job)
		if err != nil {
			if job, err = m.resolveConflict(ctx, jobID, err); job != nil {
				return job, err
			}
			return nil, err
		}
	}
}

// runStage invokes the client for the job's current stage and writes either
// the advance or the failure.
func (m *Machine) runStage(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	client, ok := m.clients[job.Stage]
	if !ok {
		return m.fail(ctx, job, &domain.JobError{
			Stage:   job.Stage,
			Message: "no client for stage",
		})
	}

	req := stage.Request{JobID: job.ID, OwnerID: job.OwnerID, Input: job.Input, Result: job.Result}
	started := time.Now()

	var out stage.Output
	attempts, err := m.retry.Run(ctx, func(ctx context.Context) error {
		attemptCtx := ctx
		if m.stageTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, m.stageTimeout)
			defer cancel()
		}
		var invokeErr error
		out, invokeErr = client.Invoke(attemptCtx, req)
		if invokeErr != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			// The attempt timed out but the pipeline is still running.
			return &stage.UpstreamError{Message: "stage timed out: " + invokeErr.Error(), Retryable: true}
		}
		return invokeErr
	})
	observability.StageDuration.WithLabelValues(string(job.Stage)).Observe(time.Since(started).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown, not a job failure; recovery picks it back up.
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
		}
		m.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("stage", string(job.Stage)).
			Int("attempts", attempts).
			Msg("stage failed")
		return m.fail(ctx, job, &domain.JobError{
			Stage:     job.Stage,
			Message:   err.Error(),
			Retryable: stage.Retryable(err),
		})
	}

	current := job.Stage
	return m.advance(ctx, job, func(j *domain.Job) {
		j.Attempts[current] = attempts
		applyOutput(j, out)
	})
}

// advance moves the job to the next pipeline stage and publishes the
// transition after the write lands.
func (m *Machine) advance(ctx context.Context, job *domain.Job, mutate func(*domain.Job)) (*domain.Job, error) {
	from := job.Stage
	to := from.Next()

	updated, err := m.registry.Update(ctx, job.ID, from, func(j *domain.Job) error {
		mutate(j)
		j.Stage = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, updated, from)
	return updated, nil
}

// fail writes the terminal failure and publishes it. Failed jobs always get
// their credit back, so the record says so up front.
func (m *Machine) fail(ctx context.Context, job *domain.Job, jobErr *domain.JobError) (*domain.Job, error) {
	from := job.Stage
	jobErr.CreditsRefunded = true
	updated, err := m.registry.Update(ctx, job.ID, from, func(j *domain.Job) error {
		j.Stage = domain.StageFailed
		j.Error = jobErr
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, updated, from)
	return updated, nil
}

// resolveConflict turns a stage conflict into the job's current snapshot:
// a cancellation won the race and the walk simply ends. Other errors pass
// through as (nil, err).
func (m *Machine) resolveConflict(ctx context.Context, jobID string, err error) (*domain.Job, error) {
	if !errors.Is(err, domain.ErrStageConflict) {
		return nil, err
	}
	job, getErr := m.registry.Get(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	if job.IsTerminal() {
		return job, nil
	}
	return nil, err
}

func (m *Machine) publish(ctx context.Context, job *domain.Job, from domain.Stage) {
	observability.JobTransitions.WithLabelValues(string(job.Stage)).Inc()

	event := domain.TransitionEvent{
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		PreviousStage: from,
		NewStage:      job.Stage,
		Timestamp:     job.UpdatedAt,
	}
	if job.Stage == domain.StageCompleted {
		result := job.Result
		event.Result = &result
	}
	if job.Error != nil {
		jobErr := *job.Error
		event.Error = &jobErr
	}

	if m.dispatcher != nil {
		if err := m.dispatcher.Publish(ctx, event); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("publish transition")
		}
	}
}

// applyOutput copies a stage's output into the job result. Each field is
// written by exactly one stage.
func applyOutput(j *domain.Job, out stage.Output) {
	if out.Analysis != "" {
		j.Result.Analysis = out.Analysis
	}
	if out.StoryTitle != "" {
		j.Result.StoryTitle = out.StoryTitle
	}
	if out.StoryText != "" {
		j.Result.StoryText = out.StoryText
	}
	if out.NarrationSeconds > 0 {
		j.Result.NarrationSeconds = out.NarrationSeconds
	}
	if out.SpeechRef != "" {
		j.Result.SpeechRef = out.SpeechRef
	}
	if out.MixedRef != "" {
		j.Result.MixedRef = out.MixedRef
	}
}
