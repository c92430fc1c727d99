package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"transcribe/models"
)

// MemoryStore is an in-process job store used for local development and
// tests. A single mutex stands in for the database's per-row atomic updates.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	mappings map[string]*models.JobMapping
	tiers    map[string]models.Tier
	usage    map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		mappings: make(map[string]*models.JobMapping),
		tiers:    make(map[string]models.Tier),
		usage:    make(map[string]float64),
	}
}

func (m *MemoryStore) SetTier(userID string, tier models.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[userID] = tier
}

// Usage returns the recorded usage seconds per job id.
func (m *MemoryStore) Usage() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.usage))
	for k, v := range m.usage {
		out[k] = v
	}
	return out
}

// Jobs returns a snapshot of every stored job.
func (m *MemoryStore) Jobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errDuplicateKey("job", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) FindJobByExternalID(_ context.Context, externalJobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Job
	for _, j := range m.jobs {
		if j.ExternalJobID != externalJobID {
			continue
		}
		if found == nil || j.CreatedAt.After(found.CreatedAt) {
			found = j
		}
	}
	if found == nil {
		return nil, models.ErrNotFound
	}
	return cloneJob(found), nil
}

func (m *MemoryStore) FindOpenJobByFilename(_ context.Context, userID, filename string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID && j.Filename == filename && !j.Status.Terminal() {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, models.ErrNotFound
	}
	rank := func(j *models.Job) int {
		switch {
		case j.Status == models.StatusProcessing && j.ExternalJobID == "":
			return 0
		case j.Status == models.StatusProcessing:
			return 1
		}
		return 2
	}
	sort.Slice(candidates, func(a, b int) bool {
		ra, rb := rank(candidates[a]), rank(candidates[b])
		if ra != rb {
			return ra < rb
		}
		return timeValue(candidates[a].QueuedAt).Before(timeValue(candidates[b].QueuedAt))
	})
	return cloneJob(candidates[0]), nil
}

func (m *MemoryStore) ListQueuedJobs(_ context.Context, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusQueued {
			queued = append(queued, cloneJob(j))
		}
	}
	sort.Slice(queued, func(a, b int) bool {
		if queued[a].Priority != queued[b].Priority {
			return queued[a].Priority < queued[b].Priority
		}
		qa, qb := timeValue(queued[a].QueuedAt), timeValue(queued[b].QueuedAt)
		if !qa.Equal(qb) {
			return qa.Before(qb)
		}
		return queued[a].ID < queued[b].ID
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

func (m *MemoryStore) ListStalledJobs(_ context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stalled []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			stalled = append(stalled, cloneJob(j))
		}
	}
	sort.Slice(stalled, func(a, b int) bool { return stalled[a].StartedAt.Before(*stalled[b].StartedAt) })
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}
	return stalled, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id, token string, now time.Time) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status != models.StatusQueued {
			return false
		}
		j.Status = models.StatusProcessing
		j.DispatchToken = token
		j.StartedAt = &now
		j.ExternalJobID = ""
		j.EndpointUsed = ""
		j.UpdatedAt = now
		return true
	})
}

func (m *MemoryStore) AttachExternalID(_ context.Context, id, token, externalJobID, endpoint string) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.DispatchToken != token || j.ExternalJobID != "" {
			return false
		}
		j.ExternalJobID = externalJobID
		j.EndpointUsed = endpoint
		j.UpdatedAt = time.Now()
		return true
	})
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, id, token string) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status != models.StatusProcessing || j.DispatchToken != token {
			return false
		}
		j.Status = models.StatusQueued
		j.DispatchToken = ""
		j.StartedAt = nil
		j.ExternalJobID = ""
		j.EndpointUsed = ""
		j.DispatchAttempts++
		j.UpdatedAt = time.Now()
		return true
	})
}

func (m *MemoryStore) MarkInProgress(_ context.Context, id, externalJobID string, now time.Time) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status != models.StatusQueued {
			return false
		}
		j.Status = models.StatusProcessing
		if j.ExternalJobID == "" {
			j.ExternalJobID = externalJobID
		}
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.UpdatedAt = now
		return true
	})
}

func (m *MemoryStore) CompleteJob(_ context.Context, id string, result *models.Result, now time.Time) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = models.StatusCompleted
		j.Result = cloneResult(result)
		j.CompletedAt = &now
		j.ProcessingMs = 0
		if j.StartedAt != nil {
			j.ProcessingMs = now.Sub(*j.StartedAt).Milliseconds()
		}
		j.Error = ""
		j.RetryCount = 0
		j.DispatchToken = ""
		j.UpdatedAt = now
		return true
	})
}

func (m *MemoryStore) FailJob(_ context.Context, id, errMsg string, now time.Time) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = models.StatusFailed
		j.Error = errMsg
		j.CompletedAt = &now
		j.DispatchToken = ""
		j.UpdatedAt = now
		return true
	})
}

func (m *MemoryStore) RequeueStalledJob(_ context.Context, id string, startedAt time.Time, retryCount int) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status != models.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Equal(startedAt) {
			return false
		}
		j.Status = models.StatusQueued
		j.RetryCount = retryCount
		j.StartedAt = nil
		j.ExternalJobID = ""
		j.EndpointUsed = ""
		j.DispatchToken = ""
		j.UpdatedAt = time.Now()
		return true
	})
}

func (m *MemoryStore) DeadLetterJob(_ context.Context, id string, startedAt time.Time, retryCount int, errMsg string) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.Status != models.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Equal(startedAt) {
			return false
		}
		j.Status = models.StatusDeadLetter
		j.RetryCount = retryCount
		j.Error = errMsg
		j.DispatchToken = ""
		j.UpdatedAt = time.Now()
		return true
	})
}

func (m *MemoryStore) PutMapping(_ context.Context, mapping *models.JobMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappings[mapping.ExternalJobID]; ok {
		return nil
	}
	cp := *mapping
	m.mappings[mapping.ExternalJobID] = &cp
	return nil
}

func (m *MemoryStore) GetMapping(_ context.Context, externalJobID string) (*models.JobMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[externalJobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *mapping
	return &cp, nil
}

func (m *MemoryStore) PruneMappings(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, mapping := range m.mappings {
		if !mapping.CreatedAt.Before(before) {
			continue
		}
		if j, ok := m.jobs[mapping.JobID]; ok && !j.Status.Terminal() {
			continue
		}
		delete(m.mappings, id)
		pruned++
	}
	return pruned, nil
}

func (m *MemoryStore) Tier(_ context.Context, userID string) (models.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tier, ok := m.tiers[userID]; ok {
		return tier, nil
	}
	return models.TierTrial, nil
}

func (m *MemoryStore) RecordUsage(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usage[job.ID]; ok {
		return nil
	}
	var seconds float64
	if job.Result != nil {
		seconds = job.Result.Duration
	}
	m.usage[job.ID] = seconds
	return nil
}

func (m *MemoryStore) update(id string, apply func(*models.Job) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	working := cloneJob(job)
	if !apply(working) {
		return false, nil
	}
	m.jobs[id] = working
	return true, nil
}

// MemoryIndex is an in-process Active-Job Index.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[indexKey]models.JobStatus
	after   *indexKey
}

type indexKey struct {
	userID, jobType, jobID string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[indexKey]models.JobStatus)}
}

func (x *MemoryIndex) Track(_ context.Context, e models.ActiveEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[indexKey{e.UserID, e.JobType, e.JobID}] = e.State
	return nil
}

func (x *MemoryIndex) Release(_ context.Context, userID, jobType, jobID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, indexKey{userID, jobType, jobID})
	return nil
}

func (x *MemoryIndex) CountProcessing(_ context.Context, userID, jobType string) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int64
	for k, state := range x.entries {
		if k.userID == userID && k.jobType == jobType && state == models.StatusProcessing {
			n++
		}
	}
	return n, nil
}

func (x *MemoryIndex) Entries(_ context.Context) ([]models.ActiveEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.page(x.sortedKeys()), nil
}

// NextPage returns up to limit entries after the previous page, wrapping to
// the start once the end is reached.
func (x *MemoryIndex) NextPage(_ context.Context, limit int) ([]models.ActiveEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys := x.sortedKeys()
	start := 0
	if x.after != nil {
		after := *x.after
		start = sort.Search(len(keys), func(i int) bool { return keyLess(after, keys[i]) })
		if start >= len(keys) {
			start = 0
		}
	}
	end := len(keys)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	x.after = nil
	if end < len(keys) {
		last := keys[end-1]
		x.after = &last
	}
	return x.page(keys[start:end]), nil
}

func (x *MemoryIndex) sortedKeys() []indexKey {
	keys := make([]indexKey, 0, len(x.entries))
	for k := range x.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keyLess(keys[a], keys[b]) })
	return keys
}

func (x *MemoryIndex) page(keys []indexKey) []models.ActiveEntry {
	out := make([]models.ActiveEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, models.ActiveEntry{UserID: k.userID, JobType: k.jobType, JobID: k.jobID, State: x.entries[k]})
	}
	return out
}

func keyLess(a, b indexKey) bool {
	if a.jobID != b.jobID {
		return a.jobID < b.jobID
	}
	if a.userID != b.userID {
		return a.userID < b.userID
	}
	return a.jobType < b.jobType
}

func errDuplicateKey(kind, id string) error {
	return fmt.Errorf("%s %s already exists", kind, id)
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.QueuedAt = cloneTime(j.QueuedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.Result = cloneResult(j.Result)
	return &cp
}

func cloneResult(r *models.Result) *models.Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Timestamps = append([]models.Timestamp(nil), r.Timestamps...)
	cp.Speakers = append([]models.SpeakerSegment(nil), r.Speakers...)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
