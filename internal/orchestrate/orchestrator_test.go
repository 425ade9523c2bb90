package orchestrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storytime/internal/admission"
	"storytime/internal/domain"
	"storytime/internal/ledger"
	"storytime/internal/registry"
	"storytime/internal/stage"
)

// fakeClient is a scripted stage client: it can fail the first N calls with
// a transient error, or always fail permanently, and records every call.
type fakeClient struct {
	forStage  domain.Stage
	out       stage.Output
	transient int
	permanent error

	mu    sync.Mutex
	calls int
}

func (f *fakeClient) Stage() domain.Stage { return f.forStage }

func (f *fakeClient) Invoke(ctx context.Context, _ stage.Request) (stage.Output, error) {
	if err := ctx.Err(); err != nil {
		return stage.Output{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent != nil {
		return stage.Output{}, f.permanent
	}
	if f.calls <= f.transient {
		return stage.Output{}, &stage.UpstreamError{Status: 503, Message: "overloaded", Retryable: true}
	}
	return f.out, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	orch     *Orchestrator
	registry registry.Registry
	credits  *ledger.Memory
	clients  map[domain.Stage]*fakeClient
	cancel   context.CancelFunc
}

func happyClients() map[domain.Stage]*fakeClient {
	return map[domain.Stage]*fakeClient{
		domain.StageAnalyzingImage:     {forStage: domain.StageAnalyzingImage, out: stage.Output{Analysis: "a fox"}},
		domain.StageGeneratingStory:    {forStage: domain.StageGeneratingStory, out: stage.Output{StoryTitle: "Fox", StoryText: "Once..."}},
		domain.StageSynthesizingSpeech: {forStage: domain.StageSynthesizingSpeech, out: stage.Output{SpeechRef: "audio/narration.mp3", NarrationSeconds: 30}},
		domain.StageMixingMusic:        {forStage: domain.StageMixingMusic, out: stage.Output{MixedRef: "audio/mixed.mp3"}},
	}
}

func newHarness(t *testing.T, clients map[domain.Stage]*fakeClient, opts Options) *harness {
	t.Helper()
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(context.Background(), "owner-1", 100))

	controller := admission.NewController(admission.NewMemoryCounters(), credits, zerolog.Nop())
	reg := registry.NewMemory()

	list := make([]stage.Client, 0, len(clients))
	for _, c := range clients {
		list = append(list, c)
	}
	retry := stage.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	machine := NewMachine(reg, list, retry, time.Second, nil, zerolog.Nop())

	orch := NewOrchestrator(opts, controller, credits, reg, machine, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(cancel)

	return &harness{orch: orch, registry: reg, credits: credits, clients: clients, cancel: cancel}
}

func (h *harness) waitTerminal(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := h.registry.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func premiumInput() domain.JobInput {
	return domain.JobInput{
		ImageRef: "images/fox.png",
		Language: "en",
		Voice:    "nova",
		Theme:    domain.ThemeBedtime,
		Length:   domain.LengthShort,
	}
}

func TestPipelineCompletes(t *testing.T) {
	h := newHarness(t, happyClients(), Options{})

	job, err := h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)
	assert.Equal(t, domain.StageQueued, job.Stage)

	final := h.waitTerminal(t, job.ID)
	assert.Equal(t, domain.StageCompleted, final.Stage)
	assert.Equal(t, "a fox", final.Result.Analysis)
	assert.Equal(t, "Fox", final.Result.StoryTitle)
	assert.Equal(t, "audio/narration.mp3", final.Result.SpeechRef)
	assert.Equal(t, "audio/mixed.mp3", final.Result.MixedRef)
	for _, s := range domain.PipelineStages {
		assert.Equal(t, 1, final.Attempts[s], "stage %s", s)
	}

	// Completed jobs consume their credit.
	require.Eventually(t, func() bool {
		balance, _ := h.credits.Balance(context.Background(), "owner-1")
		return balance == 99
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	clients := happyClients()
	clients[domain.StageGeneratingStory].transient = 2
	h := newHarness(t, clients, Options{})

	job, err := h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)

	final := h.waitTerminal(t, job.ID)
	assert.Equal(t, domain.StageCompleted, final.Stage)
	assert.Equal(t, 3, final.Attempts[domain.StageGeneratingStory])
	assert.Equal(t, 1, final.Attempts[domain.StageAnalyzingImage])
}

func TestPermanentFailureFailsJobWithRefund(t *testing.T) {
	clients := happyClients()
	clients[domain.StageSynthesizingSpeech].permanent = &stage.UpstreamError{Status: 400, Message: "unsupported voice"}
	h := newHarness(t, clients, Options{})

	job, err := h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)

	final := h.waitTerminal(t, job.ID)
	assert.Equal(t, domain.StageFailed, final.Stage)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.StageSynthesizingSpeech, final.Error.Stage)
	assert.False(t, final.Error.Retryable)
	assert.True(t, final.Error.CreditsRefunded)
	assert.Equal(t, 1, h.clients[domain.StageSynthesizingSpeech].callCount(), "permanent errors are not retried")
	assert.Equal(t, 0, h.clients[domain.StageMixingMusic].callCount())

	// Earlier outputs survive on the failed record.
	assert.Equal(t, "a fox", final.Result.Analysis)

	require.Eventually(t, func() bool {
		balance, _ := h.credits.Balance(context.Background(), "owner-1")
		return balance == 100
	}, 5*time.Second, 5*time.Millisecond, "failed jobs refund their credit")
}

func TestExhaustedRetriesFailJob(t *testing.T) {
	clients := happyClients()
	clients[domain.StageAnalyzingImage].transient = 99
	h := newHarness(t, clients, Options{})

	job, err := h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)

	final := h.waitTerminal(t, job.ID)
	assert.Equal(t, domain.StageFailed, final.Stage)
	require.NotNil(t, final.Error)
	assert.True(t, final.Error.Retryable)
	assert.Equal(t, 3, h.clients[domain.StageAnalyzingImage].callCount())
}

func TestCancelWhileQueuedInvokesNoClient(t *testing.T) {
	clients := happyClients()
	// The cancel must land before any worker claims the job, so the pool
	// starts only after the cancel is recorded.
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(context.Background(), "owner-1", 100))
	controller := admission.NewController(admission.NewMemoryCounters(), credits, zerolog.Nop())
	reg := registry.NewMemory()
	list := make([]stage.Client, 0, len(clients))
	for _, c := range clients {
		list = append(list, c)
	}
	machine := NewMachine(reg, list, stage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, time.Second, nil, zerolog.Nop())
	orch := NewOrchestrator(Options{PoolSize: 1}, controller, credits, reg, machine, nil, zerolog.Nop())

	// Submit and cancel before any worker runs.
	job, err := orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)

	cancelled, err := orch.Cancel(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, cancelled.Stage)

	// Now let the pool drain the queue entry.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	require.Eventually(t, func() bool {
		balance, _ := credits.Balance(context.Background(), "owner-1")
		return balance == 100
	}, 5*time.Second, 5*time.Millisecond, "cancelled jobs refund their credit")

	for s, c := range clients {
		assert.Zero(t, c.callCount(), "stage %s must not run", s)
	}
}

func TestCancelTerminalJob(t *testing.T) {
	h := newHarness(t, happyClients(), Options{})

	job, err := h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	_, err = h.orch.Cancel(context.Background(), "owner-1", job.ID)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestCancelForeignJob(t *testing.T) {
	h := newHarness(t, happyClients(), Options{})

	job, err := h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)

	_, err = h.orch.Cancel(context.Background(), "owner-2", job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFeatureGating(t *testing.T) {
	h := newHarness(t, happyClients(), Options{})

	long := premiumInput()
	long.Length = domain.LengthLong
	_, err := h.orch.Submit(context.Background(), "owner-1", domain.TierFree, long)
	denied, ok := domain.Denied(err)
	require.True(t, ok)
	assert.Equal(t, domain.DeniedFeatureUnavailable, denied.Reason)

	music := premiumInput()
	music.MusicStyle = domain.MusicCalming
	_, err = h.orch.Submit(context.Background(), "owner-1", domain.TierFree, music)
	denied, ok = domain.Denied(err)
	require.True(t, ok)
	assert.Equal(t, domain.DeniedFeatureUnavailable, denied.Reason)

	// Premium gets both.
	_, err = h.orch.Submit(context.Background(), "owner-1", domain.TierPremium, music)
	require.NoError(t, err)
}

// A restarted orchestrator resumes recent jobs from their recorded stage and
// fails abandoned ones with a refund.
func TestRestartRecovery(t *testing.T) {
	ctx := context.Background()
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(ctx, "owner-1", 100))
	reg := registry.NewMemory()

	// A job interrupted mid-pipeline, recently active.
	recent := domain.NewJob("owner-1", premiumInput())
	reservation, err := credits.Reserve(ctx, "owner-1")
	require.NoError(t, err)
	recent.ReservationID = reservation
	require.NoError(t, reg.Create(ctx, recent))
	_, err = reg.Update(ctx, recent.ID, domain.StageQueued, func(j *domain.Job) error {
		j.Stage = domain.StageAnalyzingImage
		return nil
	})
	require.NoError(t, err)
	_, err = reg.Update(ctx, recent.ID, domain.StageAnalyzingImage, func(j *domain.Job) error {
		j.Stage = domain.StageGeneratingStory
		j.Result.Analysis = "a fox"
		j.Attempts[domain.StageAnalyzingImage] = 1
		return nil
	})
	require.NoError(t, err)

	// A job no process has touched for far longer than the grace window.
	stale := domain.NewJob("owner-1", premiumInput())
	staleReservation, err := credits.Reserve(ctx, "owner-1")
	require.NoError(t, err)
	stale.ReservationID = staleReservation
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	stale.UpdatedAt = stale.CreatedAt
	require.NoError(t, reg.Create(ctx, stale))

	clients := happyClients()
	list := make([]stage.Client, 0, len(clients))
	for _, c := range clients {
		list = append(list, c)
	}
	controller := admission.NewController(admission.NewMemoryCounters(), credits, zerolog.Nop())
	machine := NewMachine(reg, list, stage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, time.Second, nil, zerolog.Nop())
	orch := NewOrchestrator(Options{RecoveryGrace: 10 * time.Minute}, controller, credits, reg, machine, nil, zerolog.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go orch.Run(runCtx)

	var finalRecent *domain.Job
	require.Eventually(t, func() bool {
		j, err := reg.Get(ctx, recent.ID)
		if err != nil || !j.IsTerminal() {
			return false
		}
		finalRecent = j
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.StageCompleted, finalRecent.Stage)
	assert.Equal(t, "a fox", finalRecent.Result.Analysis, "recovered jobs keep earlier outputs")
	assert.Zero(t, clients[domain.StageAnalyzingImage].callCount(), "finished stages do not rerun")

	var finalStale *domain.Job
	require.Eventually(t, func() bool {
		j, err := reg.Get(ctx, stale.ID)
		if err != nil || !j.IsTerminal() {
			return false
		}
		finalStale = j
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.StageFailed, finalStale.Stage)
	require.NotNil(t, finalStale.Error)
	assert.True(t, finalStale.Error.CreditsRefunded)

	// One credit consumed (recovered job), one refunded (stale job).
	require.Eventually(t, func() bool {
		balance, _ := credits.Balance(ctx, "owner-1")
		return balance == 99
	}, 5*time.Second, 5*time.Millisecond)
}

// rivalClient advances the job itself mid-call, so the machine's own CAS
// loses to another runner working the same record.
type rivalClient struct {
	reg  registry.Registry
	once sync.Once
}

func (r *rivalClient) Stage() domain.Stage { return domain.StageAnalyzingImage }

func (r *rivalClient) Invoke(ctx context.Context, req stage.Request) (stage.Output, error) {
	r.once.Do(func() {
		_, _ = r.reg.Update(ctx, req.JobID, domain.StageAnalyzingImage, func(j *domain.Job) error {
			j.Stage = domain.StageGeneratingStory
			return nil
		})
	})
	return stage.Output{Analysis: "a fox"}, nil
}

// A worker that loses its job to a rival runner must still give back the
// owner's concurrency slot; only the credit stays with the job record.
func TestLostStageRaceFreesConcurrencySlot(t *testing.T) {
	ctx := context.Background()
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(ctx, "owner-1", 100))
	counters := admission.NewMemoryCounters()
	controller := admission.NewController(counters, credits, zerolog.Nop())
	reg := registry.NewMemory()

	rival := &rivalClient{reg: reg}
	machine := NewMachine(reg, []stage.Client{rival},
		stage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, time.Second, nil, zerolog.Nop())
	orch := NewOrchestrator(Options{PoolSize: 1}, controller, credits, reg, machine, nil, zerolog.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go orch.Run(runCtx)

	// Free tier allows one concurrent job, so a leaked slot would block the
	// owner permanently.
	job, err := orch.Submit(ctx, "owner-1", domain.TierFree, premiumInput())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := counters.Value(ctx, "owner-1")
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond, "losing the job must release the concurrency slot")

	snapshot, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, snapshot.IsTerminal(), "the rival owns the job now")

	// The credit hold stays on the job record for the winner to settle.
	balance, err := credits.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 99, balance)

	ticket, err := controller.TryAdmit(ctx, "owner-1", domain.TierFree)
	require.NoError(t, err, "the owner can admit again")
	require.NoError(t, ticket.Release(ctx))
}

// A job submitted before the pool starts is both on the local queue and
// visible to the recovery scan as Queued; it must run exactly once.
func TestRecoverSkipsLocallyQueuedJobs(t *testing.T) {
	ctx := context.Background()
	clients := happyClients()
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(ctx, "owner-1", 100))
	controller := admission.NewController(admission.NewMemoryCounters(), credits, zerolog.Nop())
	reg := registry.NewMemory()

	list := make([]stage.Client, 0, len(clients))
	for _, c := range clients {
		list = append(list, c)
	}
	machine := NewMachine(reg, list, stage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, time.Second, nil, zerolog.Nop())
	orch := NewOrchestrator(Options{PoolSize: 2}, controller, credits, reg, machine, nil, zerolog.Nop())

	job, err := orch.Submit(ctx, "owner-1", domain.TierPremium, premiumInput())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go orch.Run(runCtx)

	var final *domain.Job
	require.Eventually(t, func() bool {
		j, err := reg.Get(ctx, job.ID)
		if err != nil || !j.IsTerminal() {
			return false
		}
		final = j
		return true
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StageCompleted, final.Stage)

	for s, c := range clients {
		assert.Equal(t, 1, c.callCount(), "stage %s ran more than once", s)
	}
	require.Eventually(t, func() bool {
		balance, _ := credits.Balance(ctx, "owner-1")
		return balance == 99
	}, 5*time.Second, 5*time.Millisecond)
}

func TestQueueOverflow(t *testing.T) {
	credits := ledger.NewMemory()
	require.NoError(t, credits.Grant(context.Background(), "owner-1", 100))
	controller := admission.NewController(admission.NewMemoryCounters(), credits, zerolog.Nop())
	reg := registry.NewMemory()
	machine := NewMachine(reg, nil, stage.RetryPolicy{MaxAttempts: 1}, time.Second, nil, zerolog.Nop())

	// No running pool, queue depth 1: the second submission overflows.
	orch := NewOrchestrator(Options{QueueDepth: 1}, controller, credits, reg, machine, nil, zerolog.Nop())

	_, err := orch.Submit(context.Background(), "owner-1", domain.TierFamily, premiumInput())
	require.NoError(t, err)

	job, err := orch.Submit(context.Background(), "owner-1", domain.TierFamily, premiumInput())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Nil(t, job)

	balance, _ := credits.Balance(context.Background(), "owner-1")
	assert.Equal(t, 99, balance, "only the queued job holds a credit")
}
