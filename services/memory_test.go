package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transcribe/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedJob(id string, priority models.Priority, queuedAt time.Time) *models.Job {
	return &models.Job{
		ID:         id,
		UserID:     "user-1",
		JobType:    models.DefaultJobType,
		Status:     models.StatusQueued,
		Priority:   priority,
		QueuedAt:   &queuedAt,
		MaxRetries: models.DefaultMaxRetries,
		InputRef:   "https://cdn.example/" + id + ".wav",
		Filename:   id + ".wav",
		CreatedAt:  queuedAt,
		UpdatedAt:  queuedAt,
	}
}

func TestMemoryStore_ListQueuedJobs_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateJob(ctx, queuedJob("a", models.PriorityTrial, base)))
	require.NoError(t, store.CreateJob(ctx, queuedJob("b", models.PriorityPremium, base.Add(time.Second))))
	require.NoError(t, store.CreateJob(ctx, queuedJob("c", models.PriorityPaid, base.Add(2*time.Second))))
	require.NoError(t, store.CreateJob(ctx, queuedJob("d", models.PriorityPremium, base.Add(3*time.Second))))

	jobs, err := store.ListQueuedJobs(ctx, 10)
	require.NoError(t, err)

	var order []string
	for _, j := range jobs {
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, order)

	limited, err := store.ListQueuedJobs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStore_ClaimJob_SingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateJob(ctx, queuedJob("a", models.PriorityTrial, time.Now())))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimJob(ctx, "a", "token", time.Now())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryStore_ReleaseClaim_RequiresToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queued := time.Now()
	require.NoError(t, store.CreateJob(ctx, queuedJob("a", models.PriorityTrial, queued)))

	ok, err := store.ClaimJob(ctx, "a", "t1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ReleaseClaim(ctx, "a", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ReleaseClaim(ctx, "a", "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.True(t, job.QueuedAt.Equal(queued))
}

func TestMemoryStore_CompleteJob_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateJob(ctx, queuedJob("a", models.PriorityTrial, time.Now())))

	started := time.Now().Add(-2 * time.Second)
	_, err := store.ClaimJob(ctx, "a", "t1", started)
	require.NoError(t, err)

	result := &models.Result{Text: "hello", Granularity: models.GranularityText}
	ok, err := store.CompleteJob(ctx, "a", result, started.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompleteJob(ctx, "a", &models.Result{Text: "other"}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.FailJob(ctx, "a", "late failure", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, "hello", job.Result.Text)
	assert.Equal(t, int64(1500), job.ProcessingMs)
	assert.Empty(t, job.Error)
}

func TestMemoryStore_StalledTransitionsMatchStartedAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateJob(ctx, queuedJob("a", models.PriorityTrial, time.Now())))

	started := time.Now().Add(-time.Hour)
	_, err := store.ClaimJob(ctx, "a", "t1", started)
	require.NoError(t, err)

	stalled, err := store.ListStalledJobs(ctx, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	ok, err := store.RequeueStalledJob(ctx, "a", started.Add(time.Second), 1)
	require.NoError(t, err)
	assert.False(t, ok, "a different startedAt means the job moved on")

	ok, err = store.RequeueStalledJob(ctx, "a", started, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, job.ExternalJobID)
}

func TestMemoryStore_FindOpenJobByFilename(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()

	done := queuedJob("done", models.PriorityTrial, base)
	done.Filename = "interview.wav"
	done.Status = models.StatusCompleted
	require.NoError(t, store.CreateJob(ctx, done))

	waiting := queuedJob("waiting", models.PriorityTrial, base.Add(time.Second))
	waiting.Filename = "interview.wav"
	require.NoError(t, store.CreateJob(ctx, waiting))

	running := queuedJob("running", models.PriorityTrial, base.Add(2*time.Second))
	running.Filename = "interview.wav"
	require.NoError(t, store.CreateJob(ctx, running))
	_, err := store.ClaimJob(ctx, "running", "t", base)
	require.NoError(t, err)

	job, err := store.FindOpenJobByFilename(ctx, "user-1", "interview.wav")
	require.NoError(t, err)
	assert.Equal(t, "running", job.ID)

	_, err = store.FindOpenJobByFilename(ctx, "user-2", "interview.wav")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_MappingsAndUsage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Now().Add(-30 * 24 * time.Hour)

	job := queuedJob("a", models.PriorityTrial, old)
	job.Status = models.StatusCompleted
	job.Result = &models.Result{Duration: 12.5}
	require.NoError(t, store.CreateJob(ctx, job))

	m := &models.JobMapping{ExternalJobID: "ext-1", JobID: "a", UserID: "user-1", Filename: "a.wav", CreatedAt: old}
	require.NoError(t, store.PutMapping(ctx, m))
	require.NoError(t, store.PutMapping(ctx, &models.JobMapping{ExternalJobID: "ext-1", JobID: "other"}))

	got, err := store.GetMapping(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.JobID, "mappings are write-once")

	require.NoError(t, store.RecordUsage(ctx, job))
	require.NoError(t, store.RecordUsage(ctx, job))
	assert.Equal(t, map[string]float64{"a": 12.5}, store.Usage())

	pruned, err := store.PruneMappings(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	_, err = store.GetMapping(ctx, "ext-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_TierDefaultsToTrial(t *testing.T) {
	store := NewMemoryStore()
	store.SetTier("vip", models.TierPremium)

	tier, err := store.Tier(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, tier)

	tier, err = store.Tier(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.TierTrial, tier)
}

func TestMemoryIndex_NextPageWrapsAround(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, idx.Track(ctx, models.ActiveEntry{UserID: "u", JobType: "t", JobID: id, State: models.StatusQueued}))
	}

	ids := func(limit int) []string {
		page, err := idx.NextPage(ctx, limit)
		require.NoError(t, err)
		var out []string
		for _, e := range page {
			out = append(out, e.JobID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids(3))
	require.NoError(t, idx.Release(ctx, "u", "t", "c"))
	assert.Equal(t, []string{"d", "e", "f"}, ids(3))
	assert.Equal(t, []string{"g"}, ids(3))
	assert.Equal(t, []string{"a", "b", "d"}, ids(3))
}
