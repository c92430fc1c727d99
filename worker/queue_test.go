package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"transcribe/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessor_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{TierLimits: unboundedLimits()})

	priorities := map[string]models.Priority{}
	for i, p := range []models.Priority{3, 1, 2, 1} {
		id := fmt.Sprintf("job-%d", i)
		h.addQueued(t, id, fmt.Sprintf("user-%d", i), p)
		priorities[id] = p
	}

	stats, err := h.pool.Queue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueRunStats{Scanned: 4, Dispatched: 4}, stats)

	var order []models.Priority
	var ids []string
	for _, req := range h.inference.submitted() {
		order = append(order, priorities[req.JobID])
		ids = append(ids, req.JobID)
	}
	assert.Equal(t, []models.Priority{1, 1, 2, 3}, order)
	assert.Equal(t, []string{"job-1", "job-3", "job-2", "job-0"}, ids)
}

func TestQueueProcessor_DefersUsersAtCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.addQueued(t, "a", "trial-user", models.PriorityTrial)
	h.addQueued(t, "b", "trial-user", models.PriorityTrial)
	h.addQueued(t, "c", "other-user", models.PriorityTrial)

	stats, err := h.pool.Queue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Dispatched)
	assert.Equal(t, 1, stats.Deferred)

	assert.Equal(t, models.StatusProcessing, h.job(t, "a").Status)
	assert.Equal(t, models.StatusQueued, h.job(t, "b").Status)
	assert.Equal(t, models.StatusProcessing, h.job(t, "c").Status)
	h.assertIndexConsistent(t)
}

func TestQueueProcessor_ErrorsDoNotStopBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{TierLimits: unboundedLimits()})
	h.inference.submitErr = fmt.Errorf("down")
	h.addQueued(t, "a", "u1", models.PriorityTrial)
	h.addQueued(t, "b", "u2", models.PriorityTrial)

	stats, err := h.pool.Queue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Errors)
	assert.Len(t, h.inference.submitted(), 2)

	for _, id := range []string{"a", "b"} {
		job := h.job(t, id)
		assert.Equal(t, models.StatusQueued, job.Status)
		assert.Empty(t, job.Error, "per-job dispatch errors are not written to the job")
	}
}

func TestQueueProcessor_ConcurrentRunsDispatchOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{TierLimits: unboundedLimits()})

	const jobs = 60
	for i := 0; i < jobs; i++ {
		h.addQueued(t, fmt.Sprintf("job-%02d", i), fmt.Sprintf("user-%d", i%7), models.Priority(1+i%3))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pool.Queue.Run(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, req := range h.inference.submitted() {
		counts[req.JobID]++
	}
	assert.Len(t, counts, jobs)
	for id, n := range counts {
		assert.Equal(t, 1, n, "job %s submitted %d times", id, n)
	}
	for _, job := range h.store.Jobs() {
		assert.Equal(t, models.StatusProcessing, job.Status)
	}
	h.assertIndexConsistent(t)
}
