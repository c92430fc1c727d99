package services

import (
	"context"
	"os"
	"testing"
	"time"

	"transcribe/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDatabase connects to TEST_DATABASE_URL and applies migrations.
func newTestDatabase(t *testing.T) *DatabaseService {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := NewDatabaseService(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Migrate(context.Background())
	require.NoError(t, err)
	return db
}

func TestDatabaseService_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	job := queuedJob(uuid.NewString(), models.PriorityPaid, now)
	job.UserID = "db-user-" + uuid.NewString()
	require.NoError(t, db.CreateJob(ctx, job))

	ok, err := db.ClaimJob(ctx, job.ID, "t1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.ClaimJob(ctx, job.ID, "t2", now)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed job cannot be claimed again")

	ok, err = db.AttachExternalID(ctx, job.ID, "t1", "ext-"+job.ID, "http://primary")
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := db.FindJobByExternalID(ctx, "ext-"+job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	assert.Equal(t, models.StatusProcessing, found.Status)

	result := &models.Result{Text: "hello", Granularity: models.GranularityWord, Duration: 3,
		Timestamps: []models.Timestamp{{Start: 0, End: 3, Text: "hello"}}}
	ok, err = db.CompleteJob(ctx, job.ID, result, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.CompleteJob(ctx, job.ID, result, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, int64(2000), stored.ProcessingMs)
	require.NotNil(t, stored.Result)
	assert.Equal(t, result.Timestamps, stored.Result.Timestamps)

	stored.Result = result
	require.NoError(t, db.RecordUsage(ctx, stored))
	require.NoError(t, db.RecordUsage(ctx, stored))
}

func TestDatabaseService_MappingWriteOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	ext := "ext-" + uuid.NewString()
	m := &models.JobMapping{ExternalJobID: ext, JobID: uuid.NewString(), UserID: "u", JobType: "transcription",
		Filename: "interview.wav", Endpoint: "http://primary", CreatedAt: time.Now()}
	require.NoError(t, db.PutMapping(ctx, m))
	require.NoError(t, db.PutMapping(ctx, &models.JobMapping{ExternalJobID: ext, JobID: "other", CreatedAt: time.Now()}))

	got, err := db.GetMapping(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, m.JobID, got.JobID)
	assert.Equal(t, "interview.wav", got.Filename)

	_, err = db.GetJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
