package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/storyreel/storyreel/internal/models"
)

func testPlan() models.RenderPlan {
	return models.RenderPlan{
		Topic: "history of coffee",
		Voice: "narrator",
		Scenes: []models.ScenePlan{
			{Prompt: "a coffee plant", Narration: "It began with a plant.", Duration: 3.0},
		},
	}
}

func enqueueN(t *testing.T, store *Memory, n int) []*models.Job {
	t.Helper()
	jobs := make([]*models.Job, n)
	base := time.Now()
	for i := range jobs {
		job := &models.Job{Plan: testPlan(), CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}
		require.NoError(t, store.Enqueue(context.Background(), job))
		jobs[i] = job
	}
	return jobs
}

func TestLeaseNextFIFO(t *testing.T) {
	store := NewMemory(time.Minute)
	jobs := enqueueN(t, store, 3)

	now := time.Now()
	for i := 0; i < 3; i++ {
		leased, err := store.LeaseNext(context.Background(), now, "w1")
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, jobs[i].ID, leased.ID, "lease order must be FIFO by creation time")
		assert.Equal(t, models.JobStatusRunning, leased.Status)
		require.NotNil(t, leased.LockToken)
	}

	leased, err := store.LeaseNext(context.Background(), now, "w1")
	require.NoError(t, err)
	assert.Nil(t, leased, "no job should remain leasable")
}

func TestLeaseExclusivity(t *testing.T) {
	store := NewMemory(time.Minute)
	enqueueN(t, store, 4)

	// 16 workers race for 4 jobs; each job must be observed by exactly one.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	now := time.Now()

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := store.LeaseNext(context.Background(), now, "racer")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID.String()]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, 4)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s leased more than once", id)
	}
}

func TestRenewLeaseMismatch(t *testing.T) {
	store := NewMemory(time.Minute)
	enqueueN(t, store, 1)

	now := time.Now()
	job, err := store.LeaseNext(context.Background(), now, "w1")
	require.NoError(t, err)

	assert.NoError(t, store.RenewLease(context.Background(), job.ID, *job.LockToken, now.Add(time.Second)))
	assert.ErrorIs(t, store.RenewLease(context.Background(), job.ID, "w2:bogus", now.Add(time.Second)), ErrLeaseLost)
}

func TestRequeueStale(t *testing.T) {
	store := NewMemory(time.Minute)
	enqueueN(t, store, 2)

	start := time.Now()
	first, err := store.LeaseNext(context.Background(), start, "w1")
	require.NoError(t, err)
	second, err := store.LeaseNext(context.Background(), start, "w2")
	require.NoError(t, err)

	// Second worker keeps heartbeating; first goes silent.
	require.NoError(t, store.RenewLease(context.Background(), second.ID, *second.LockToken, start.Add(2*time.Minute)))

	n, err := store.RequeueStale(context.Background(), start.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the silent job is stale")

	requeued, err := store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, requeued.Status)
	assert.Nil(t, requeued.LockToken)

	// A second sweep in the same staleness episode is a no-op.
	n, err = store.RequeueStale(context.Background(), start.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStaleJobReclaimableByLeaseNext(t *testing.T) {
	store := NewMemory(time.Minute)
	enqueueN(t, store, 1)

	start := time.Now()
	job, err := store.LeaseNext(context.Background(), start, "w1")
	require.NoError(t, err)
	oldToken := *job.LockToken

	// Past the stale threshold, LeaseNext itself may reclaim the job.
	reclaimed, err := store.LeaseNext(context.Background(), start.Add(2*time.Minute), "w2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.NotEqual(t, oldToken, *reclaimed.LockToken)

	// The original holder is now a zombie: it must not write terminal state.
	assert.ErrorIs(t, store.MarkCompleted(context.Background(), job.ID, oldToken), ErrLeaseLost)

	// The new holder can.
	assert.NoError(t, store.MarkCompleted(context.Background(), reclaimed.ID, *reclaimed.LockToken))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	store := NewMemory(time.Minute)
	enqueueN(t, store, 1)

	now := time.Now()
	job, err := store.LeaseNext(context.Background(), now, "w1")
	require.NoError(t, err)
	token := *job.LockToken

	require.NoError(t, store.MarkFailed(context.Background(), job.ID, token, "RENDER_FAILURE", "encoder exploded"))

	failed, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, "RENDER_FAILURE", *failed.ErrorCode)

	assert.ErrorIs(t, store.MarkCompleted(context.Background(), job.ID, token), ErrTerminalState)
	assert.ErrorIs(t, store.RequestCancel(context.Background(), job.ID), ErrTerminalState)

	// Terminal jobs are never leasable again.
	leased, err := store.LeaseNext(context.Background(), now.Add(time.Hour), "w2")
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestRequestCancelVisibleToHolder(t *testing.T) {
	store := NewMemory(time.Minute)
	jobs := enqueueN(t, store, 1)

	require.NoError(t, store.RequestCancel(context.Background(), jobs[0].ID))

	now := time.Now()
	job, err := store.LeaseNext(context.Background(), now, "w1")
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)

	require.NoError(t, store.MarkCancelled(context.Background(), job.ID, *job.LockToken))
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	store := NewMemory(time.Minute)
	enqueueN(t, store, 1)

	now := time.Now()
	job, err := store.LeaseNext(context.Background(), now, "w1")
	require.NoError(t, err)
	token := *job.LockToken

	require.NoError(t, store.UpdateProgress(context.Background(), job.ID, token, models.StageTTS, 40))
	require.NoError(t, store.UpdateProgress(context.Background(), job.ID, token, models.StageTTS, 25))

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress, "progress never moves backwards")
}
