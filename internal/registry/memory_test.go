package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storytime/internal/domain"
)

func seedJob(t *testing.T, reg Registry, ownerID string) *domain.Job {
	t.Helper()
	job := domain.NewJob(ownerID, domain.JobInput{
		ImageRef: "images/bear.png",
		Language: "en",
		Voice:    "nova",
		Theme:    domain.ThemeBedtime,
		Length:   domain.LengthShort,
	})
	require.NoError(t, reg.Create(context.Background(), job))
	return job
}

func TestCreateAndGet(t *testing.T) {
	reg := NewMemory()
	job := seedJob(t, reg, "owner-1")

	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.StageQueued, got.Stage)

	// Mutating the returned snapshot must not touch stored state.
	got.Stage = domain.StageFailed
	again, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageQueued, again.Stage)
}

func TestGetUnknown(t *testing.T) {
	reg := NewMemory()
	_, err := reg.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateAdvancesStage(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()
	job := seedJob(t, reg, "owner-1")

	updated, err := reg.Update(ctx, job.ID, domain.StageQueued, func(j *domain.Job) error {
		j.Stage = domain.StageAnalyzingImage
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageAnalyzingImage, updated.Stage)
	assert.True(t, updated.UpdatedAt.After(job.UpdatedAt) || updated.UpdatedAt.Equal(job.UpdatedAt))
}

func TestUpdateStageConflict(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()
	job := seedJob(t, reg, "owner-1")

	_, err := reg.Update(ctx, job.ID, domain.StageGeneratingStory, func(j *domain.Job) error {
		j.Stage = domain.StageSynthesizingSpeech
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrStageConflict)

	// The conflicting update must leave the job untouched.
	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageQueued, got.Stage)
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()
	job := seedJob(t, reg, "owner-1")

	_, err := reg.Update(ctx, job.ID, domain.StageQueued, func(j *domain.Job) error {
		j.Stage = domain.StageCompleted
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateApplyErrorLeavesJobUntouched(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()
	job := seedJob(t, reg, "owner-1")

	boom := assert.AnError
	_, err := reg.Update(ctx, job.ID, domain.StageQueued, func(j *domain.Job) error {
		j.Stage = domain.StageAnalyzingImage
		j.Result.Analysis = "half written"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageQueued, got.Stage)
	assert.Empty(t, got.Result.Analysis)
}

// Two racing updates that both expect the same stage: exactly one wins, the
// other fails with a stage conflict.
func TestConcurrentUpdatesOneWins(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()
	job := seedJob(t, reg, "owner-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Update(ctx, job.ID, domain.StageQueued, func(j *domain.Job) error {
				j.Stage = domain.StageAnalyzingImage
				return nil
			})
		}(i)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, domain.ErrStageConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()

	var ids []string
	for i := 0; i < 5; i++ {
		job := domain.NewJob("owner-1", domain.JobInput{ImageRef: "images/x.png", Language: "en"})
		job.CreatedAt = time.Date(2026, 8, 1, 0, 0, i, 0, time.UTC)
		job.UpdatedAt = job.CreatedAt
		require.NoError(t, reg.Create(ctx, job))
		ids = append(ids, job.ID)
	}

	first, err := reg.List(ctx, Filter{OwnerID: "owner-1"}, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextToken)
	assert.Equal(t, ids[0], first.Jobs[0].ID)
	assert.Equal(t, ids[1], first.Jobs[1].ID)

	second, err := reg.List(ctx, Filter{OwnerID: "owner-1"}, 2, first.NextToken)
	require.NoError(t, err)
	require.Len(t, second.Jobs, 2)
	assert.Equal(t, ids[2], second.Jobs[0].ID)
	assert.Equal(t, ids[3], second.Jobs[1].ID)

	last, err := reg.List(ctx, Filter{OwnerID: "owner-1"}, 2, second.NextToken)
	require.NoError(t, err)
	require.Len(t, last.Jobs, 1)
	assert.Equal(t, ids[4], last.Jobs[0].ID)
	assert.Empty(t, last.NextToken)
}

func TestListStageFilter(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory()

	queued := seedJob(t, reg, "owner-1")
	running := seedJob(t, reg, "owner-1")
	_, err := reg.Update(ctx, running.ID, domain.StageQueued, func(j *domain.Job) error {
		j.Stage = domain.StageAnalyzingImage
		return nil
	})
	require.NoError(t, err)

	page, err := reg.List(ctx, Filter{OwnerID: "owner-1", Stages: []domain.Stage{domain.StageQueued}}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, queued.ID, page.Jobs[0].ID)
}

func TestListBadToken(t *testing.T) {
	reg := NewMemory()
	_, err := reg.List(context.Background(), Filter{}, 10, "!!not-a-token!!")
	assert.Error(t, err)
}
