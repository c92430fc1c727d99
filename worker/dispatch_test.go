package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"transcribe/models"
	"transcribe/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{WebhookURL: "https://app.example/v1/webhooks/inference"})
	job := h.addQueued(t, "job-1", "u", models.PriorityTrial)

	res, err := h.pool.Dispatcher.Dispatch(ctx, job)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ext-1", res.ExternalJobID)
	assert.Equal(t, "http://primary", res.EndpointUsed)

	stored := h.job(t, "job-1")
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Equal(t, "ext-1", stored.ExternalJobID)
	assert.Equal(t, "http://primary", stored.EndpointUsed)
	require.NotNil(t, stored.StartedAt)

	mapping, err := h.store.GetMapping(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", mapping.JobID)
	assert.Equal(t, "job-1.wav", mapping.Filename)
	assert.Equal(t, "http://primary", mapping.Endpoint)

	sub := h.inference.submitted()
	require.Len(t, sub, 1)
	assert.Equal(t, "https://cdn.example/job-1.wav", sub[0].AudioURL)
	assert.Equal(t, "https://app.example/v1/webhooks/inference", sub[0].WebhookURL)

	h.assertIndexConsistent(t)
}

func TestDispatcher_SecondDispatchIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	job := h.addQueued(t, "job-1", "u", models.PriorityTrial)

	_, err := h.pool.Dispatcher.Dispatch(ctx, job)
	require.NoError(t, err)

	_, err = h.pool.Dispatcher.Dispatch(ctx, job)
	assert.ErrorIs(t, err, models.ErrAlreadyDispatched)
	assert.True(t, IsAlreadyDispatched(err))
	assert.Len(t, h.inference.submitted(), 1)
}

func TestDispatcher_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.inference.submitErr = fmt.Errorf("%w: both down", services.ErrEndpointUnavailable)
	job := h.addQueued(t, "job-1", "u", models.PriorityTrial)

	res, err := h.pool.Dispatcher.Dispatch(ctx, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrEndpointUnavailable)
	assert.False(t, res.Success)

	stored := h.job(t, "job-1")
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Nil(t, stored.StartedAt)
	assert.Equal(t, 0, stored.RetryCount, "dispatch failures do not consume retries")
	assert.Equal(t, 1, stored.DispatchAttempts)

	n, err := h.index.CountProcessing(ctx, "u", models.DefaultJobType)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	h.assertIndexConsistent(t)
}

func TestDispatcher_UnsubmittableJobFailsAfterAttemptBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaxDispatchAttempts: 3})
	h.inference.submitErr = errors.New("inference service returned status 400: audio_url not reachable")

	job, decision, err := h.pool.Submitter.Submit(ctx, models.SubmitRequest{
		UserID: "u", InputRef: "https://cdn.example/gone.wav", Filename: "gone.wav",
	})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.DispatchAttempts)

	for i := 0; i < 10; i++ {
		_, err := h.pool.Queue.Run(ctx)
		require.NoError(t, err)
		_, err = h.pool.Reconciler.Run(ctx)
		require.NoError(t, err)
	}

	stored := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "dispatch failed after 3 attempts")
	assert.Contains(t, stored.Error, "audio_url not reachable")
	assert.Equal(t, 0, stored.RetryCount)
	assert.Len(t, h.inference.submitted(), 3)
	assert.Empty(t, h.entries(t))
}

// cancelAwareStore rejects the post-submission writes once ctx is done,
// like the Postgres store does.
type cancelAwareStore struct {
	*services.MemoryStore
}

func (s cancelAwareStore) PutMapping(ctx context.Context, m *models.JobMapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.PutMapping(ctx, m)
}

func (s cancelAwareStore) AttachExternalID(ctx context.Context, id, token, externalJobID, endpoint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.AttachExternalID(ctx, id, token, externalJobID, endpoint)
}

func TestDispatcher_CallerGoneAfterSubmitStillRecordsDispatch(t *testing.T) {
	h := newHarness(t, Options{})
	store := cancelAwareStore{h.store}
	deps := h.deps
	deps.Jobs, deps.Mappings = store, store
	d := NewDispatcher(deps, Options{}.withDefaults())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.inference.onSubmit = cancel

	job := h.addQueued(t, "job-1", "u", models.PriorityTrial)
	res, err := d.Dispatch(ctx, job)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Error(t, ctx.Err())

	stored := h.job(t, "job-1")
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Equal(t, "ext-1", stored.ExternalJobID)

	mapping, err := h.store.GetMapping(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", mapping.JobID)
	h.assertIndexConsistent(t)
}

func TestDispatcher_ResolverErrorReleasesClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	job := h.addQueued(t, "job-1", "u", models.PriorityTrial)
	job.InputRef = ""

	_, err := h.pool.Dispatcher.Dispatch(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve input")
	assert.Empty(t, h.inference.submitted())
	assert.Equal(t, models.StatusQueued, h.job(t, "job-1").Status)
}
