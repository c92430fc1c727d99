package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"transcribe/models"
	"transcribe/services"

	"github.com/sirupsen/logrus"
)

type fakeInference struct {
	mu        sync.Mutex
	submits   []services.RunRequest
	submitErr error
	next      int

	fetchOutput json.RawMessage
	fetchErr    error
	fetched     []string

	onSubmit func()
}

func (f *fakeInference) Submit(_ context.Context, req services.RunRequest) (*services.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.next++
	return &services.RunResult{
		ExternalJobID: fmt.Sprintf("ext-%d", f.next),
		Endpoint:      "http://primary",
		Status:        "IN_QUEUE",
	}, nil
}

func (f *fakeInference) Fetch(_ context.Context, endpoint, externalJobID string) (*services.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, endpoint)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &services.JobStatus{ID: externalJobID, Status: "COMPLETED", Output: f.fetchOutput}, nil
}

func (f *fakeInference) submitted() []services.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.RunRequest(nil), f.submits...)
}

type countingUsage struct {
	mu    sync.Mutex
	calls map[string]int
	next  UsageRecorder
}

func (c *countingUsage) RecordUsage(ctx context.Context, job *models.Job) error {
	c.mu.Lock()
	c.calls[job.ID]++
	c.mu.Unlock()
	return c.next.RecordUsage(ctx, job)
}

func (c *countingUsage) count(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[jobID]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store     *services.MemoryStore
	index     *services.MemoryIndex
	inference *fakeInference
	usage     *countingUsage
	clock     *fakeClock
	deps      Deps
	pool      *Pool
}

func newHarness(t *testing.T, opts Options) *harness {
	return newHarnessWithClient(t, opts, nil)
}

func newHarnessWithClient(t *testing.T, opts Options, client InferenceClient) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		store:     services.NewMemoryStore(),
		index:     services.NewMemoryIndex(),
		inference: &fakeInference{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.usage = &countingUsage{calls: map[string]int{}, next: h.store}
	if client == nil {
		client = h.inference
	}

	h.deps = Deps{
		Jobs:      h.store,
		Mappings:  h.store,
		Index:     h.index,
		Tiers:     h.store,
		Usage:     h.usage,
		Inputs:    services.PassthroughResolver{},
		Inference: client,
		Logger:    logger,
		Now:       h.clock.Now,
	}
	h.pool = NewPool(h.deps, opts)
	return h
}

// addQueued stores a queued job directly and indexes it, bypassing
// admission.
func (h *harness) addQueued(t *testing.T, id, userID string, priority models.Priority) *models.Job {
	t.Helper()
	now := h.clock.Now()
	job := &models.Job{
		ID:         id,
		UserID:     userID,
		JobType:    models.DefaultJobType,
		Status:     models.StatusQueued,
		Priority:   priority,
		QueuedAt:   &now,
		MaxRetries: models.DefaultMaxRetries,
		InputRef:   "https://cdn.example/" + id + ".wav",
		Filename:   id + ".wav",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := h.index.Track(context.Background(), models.ActiveEntry{
		UserID: userID, JobType: job.JobType, JobID: id, State: models.StatusQueued,
	}); err != nil {
		t.Fatalf("track job: %v", err)
	}
	h.clock.Advance(time.Second)
	return job
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func (h *harness) entries(t *testing.T) []models.ActiveEntry {
	t.Helper()
	entries, err := h.index.Entries(context.Background())
	if err != nil {
		t.Fatalf("index entries: %v", err)
	}
	return entries
}

// assertIndexConsistent checks that exactly the non-terminal jobs are
// indexed, each under its current state.
func (h *harness) assertIndexConsistent(t *testing.T) {
	t.Helper()
	indexed := map[string]models.JobStatus{}
	for _, e := range h.entries(t) {
		indexed[e.JobID] = e.State
	}
	for _, job := range h.store.Jobs() {
		state, ok := indexed[job.ID]
		if job.Status.Terminal() {
			if ok {
				t.Errorf("terminal job %s (%s) still indexed", job.ID, job.Status)
			}
			continue
		}
		if !ok {
			t.Errorf("open job %s (%s) missing from index", job.ID, job.Status)
		} else if state != job.Status {
			t.Errorf("job %s indexed as %s but stored as %s", job.ID, state, job.Status)
		}
		delete(indexed, job.ID)
	}
	for id := range indexed {
		if _, err := h.store.GetJob(context.Background(), id); err != nil {
			t.Errorf("index holds unknown job %s", id)
		}
	}
}

func unboundedLimits() map[models.Tier]int64 {
	return map[models.Tier]int64{models.TierPremium: 0, models.TierPaid: 0, models.TierTrial: 0}
}

func completedEvent(externalJobID, output string) models.WebhookEvent {
	return models.WebhookEvent{
		ExternalJobID: externalJobID,
		Status:        models.EventCompleted,
		Output:        json.RawMessage(output),
	}
}
