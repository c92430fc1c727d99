package models

import (
	"errors"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Priority orders queued jobs. Lower values are served first.
type Priority int

const (
	PriorityPremium Priority = 1
	PriorityPaid    Priority = 2
	PriorityTrial   Priority = 3
)

type Tier string

const (
	TierPremium Tier = "premium"
	TierPaid    Tier = "paid"
	TierTrial   Tier = "trial"
)

func (t Tier) Priority() Priority {
	switch t {
	case TierPremium:
		return PriorityPremium
	case TierPaid:
		return PriorityPaid
	}
	return PriorityTrial
}

// ParseTier maps a stored subscription tier name onto a Tier. Unknown names
// fall back to trial.
func ParseTier(name string) Tier {
	switch Tier(name) {
	case TierPremium, TierPaid:
		return Tier(name)
	}
	return TierTrial
}

const (
	DefaultJobType    = "transcription"
	DefaultMaxRetries = 3

	DefaultMaxDispatchAttempts = 5
)

type Job struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	JobType       string     `json:"jobType"`
	Status        JobStatus  `json:"status"`
	Priority      Priority   `json:"priority"`
	ExternalJobID string     `json:"externalJobId,omitempty"`
	EndpointUsed  string     `json:"endpointUsed,omitempty"`
	DispatchToken string     `json:"-"`
	QueuedAt      *time.Time `json:"queuedAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ProcessingMs  int64      `json:"processingMs,omitempty"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	Error         string     `json:"error,omitempty"`
	InputRef      string     `json:"inputRef"`
	Filename      string     `json:"filename"`
	Result        *Result    `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	// DispatchAttempts counts submissions that failed before reaching the
	// inference service.
	DispatchAttempts int `json:"dispatchAttempts"`
}

// JobMapping resolves an inference-service job id back to the owning job.
// The callback from the service carries only its own id.
type JobMapping struct {
	ExternalJobID string    `json:"externalJobId"`
	JobID         string    `json:"jobId"`
	UserID        string    `json:"userId"`
	JobType       string    `json:"jobType"`
	Filename      string    `json:"filename"`
	Endpoint      string    `json:"endpoint"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ActiveEntry is one Active-Job Index member. State is either queued or
// processing.
type ActiveEntry struct {
	UserID  string
	JobType string
	JobID   string
	State   JobStatus
}

type SubmitRequest struct {
	UserID   string `json:"userId"`
	InputRef string `json:"inputRef"`
	Filename string `json:"filename"`
	JobType  string `json:"jobType"`
}

func (r *SubmitRequest) Validate() error {
	var errs []error
	if r.UserID == "" {
		errs = append(errs, errors.New("userId is required"))
	}
	if r.InputRef == "" {
		errs = append(errs, errors.New("inputRef is required"))
	}
	if r.Filename == "" {
		errs = append(errs, errors.New("filename is required"))
	}
	if r.JobType == "" {
		r.JobType = DefaultJobType
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidRequest}, errs...)...)
	}
	return nil
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason,omitempty"`
	Tier       Tier     `json:"tier"`
	Priority   Priority `json:"priority"`
	Concurrent int64    `json:"concurrent"`
	TierLimit  int64    `json:"tierLimit"`
}

type DispatchResult struct {
	Success       bool   `json:"success"`
	ExternalJobID string `json:"externalJobId,omitempty"`
	EndpointUsed  string `json:"endpointUsed,omitempty"`
	Error         string `json:"error,omitempty"`
}

type QueueRunStats struct {
	Scanned    int `json:"scanned"`
	Dispatched int `json:"dispatched"`
	Deferred   int `json:"deferred"`
	Errors     int `json:"errors"`
}

type ReconcileStats struct {
	Stalled        int `json:"stalled"`
	Requeued       int `json:"requeued"`
	DeadLettered   int `json:"deadLettered"`
	IndexRepaired  int `json:"indexRepaired"`
	MappingsPruned int `json:"mappingsPruned"`
	Errors         int `json:"errors"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyDispatched = errors.New("job is no longer queued")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidEvent      = errors.New("invalid webhook event")
)
