package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"transcribe/models"
	"transcribe/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func TestScenario_TrialUserTwoJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	first, d1, err := h.pool.Submitter.Submit(ctx, models.SubmitRequest{
		UserID: "trial-user", InputRef: "https://cdn.example/one.wav", Filename: "one.wav",
	})
	require.NoError(t, err)
	assert.True(t, d1.Allowed)
	assert.Equal(t, models.StatusProcessing, first.Status)
	assert.Equal(t, models.PriorityTrial, first.Priority)

	second, d2, err := h.pool.Submitter.Submit(ctx, models.SubmitRequest{
		UserID: "trial-user", InputRef: "https://cdn.example/two.wav", Filename: "two.wav",
	})
	require.NoError(t, err)
	assert.False(t, d2.Allowed)
	assert.Equal(t, int64(1), d2.Concurrent)
	assert.Equal(t, models.StatusQueued, second.Status)
	h.assertIndexConsistent(t)

	stats, err := h.pool.Queue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, models.StatusQueued, h.job(t, second.ID).Status)

	_, err = h.pool.Completion.Handle(ctx, completedEvent(first.ExternalJobID, `{"text":"one"}`))
	require.NoError(t, err)
	h.assertIndexConsistent(t)

	stats, err = h.pool.Queue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, models.StatusProcessing, h.job(t, second.ID).Status)
	h.assertIndexConsistent(t)
}

func TestScenario_PrimaryDownFallbackServes(t *testing.T) {
	ctx := context.Background()

	var calls []string
	client := services.NewInferenceService("http://primary.invalid", "http://fallback.invalid", "k", time.Second).
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls = append(calls, r.Method+" "+r.URL.Host+r.URL.Path)
			switch {
			case r.URL.Host == "primary.invalid":
				return respond(http.StatusInternalServerError, "gpu pool exhausted"), nil
			case r.Method == http.MethodPost:
				return respond(http.StatusOK, `{"id":"rp-1","status":"IN_QUEUE"}`), nil
			default:
				return respond(http.StatusOK, `{"id":"rp-1","status":"COMPLETED","output":{"text":"from fallback"}}`), nil
			}
		})})

	h := newHarnessWithClient(t, Options{}, client)
	job, _, err := h.pool.Submitter.Submit(ctx, models.SubmitRequest{
		UserID: "u", InputRef: "https://cdn.example/a.wav", Filename: "a.wav",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, "rp-1", job.ExternalJobID)
	assert.Equal(t, "http://fallback.invalid", job.EndpointUsed)

	mapping, err := h.store.GetMapping(ctx, "rp-1")
	require.NoError(t, err)
	assert.Equal(t, "http://fallback.invalid", mapping.Endpoint)

	outcome, err := h.pool.Completion.Handle(ctx, models.WebhookEvent{ExternalJobID: "rp-1", Status: models.EventCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, outcome)
	assert.Equal(t, "from fallback", h.job(t, job.ID).Result.Text)

	assert.Equal(t, []string{
		"POST primary.invalid/run",
		"POST fallback.invalid/run",
		"GET fallback.invalid/status/rp-1",
	}, calls)
}

func TestScenario_SubmitWhileInferenceDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.inference.submitErr = services.ErrEndpointUnavailable

	job, d, err := h.pool.Submitter.Submit(ctx, models.SubmitRequest{
		UserID: "u", InputRef: "https://cdn.example/a.wav", Filename: "a.wav",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.StatusQueued, job.Status)
	h.assertIndexConsistent(t)

	h.inference.submitErr = nil
	stats, err := h.pool.Queue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, models.StatusProcessing, h.job(t, job.ID).Status)
}

func TestSubmitter_RejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, Options{})
	_, _, err := h.pool.Submitter.Submit(context.Background(), models.SubmitRequest{UserID: "u"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	assert.Empty(t, h.store.Jobs())
}

func TestSubmitter_Status(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.pool.Submitter.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
