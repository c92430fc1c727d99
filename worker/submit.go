package worker

import (
	"context"
	"fmt"
	"time"

	"transcribe/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Submitter is the synchronous entry point for new transcription requests.
type Submitter struct {
	jobs       JobStore
	index      ActiveIndex
	admission  *Admission
	dispatcher *Dispatcher
	maxRetries int
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewSubmitter(deps Deps, opts Options, admission *Admission, dispatcher *Dispatcher) *Submitter {
	return &Submitter{
		jobs:       deps.Jobs,
		index:      deps.Index,
		admission:  admission,
		dispatcher: dispatcher,
		maxRetries: opts.MaxRetries,
		logger:     deps.Logger,
		now:        deps.Now,
	}
}

// Submit persists a new job and dispatches it immediately when the user has
// capacity. The returned job is either processing or queued; a failed
// immediate dispatch leaves it queued for the queue processor.
func (s *Submitter) Submit(ctx context.Context, req models.SubmitRequest) (*models.Job, models.Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, models.Decision{}, err
	}

	decision, err := s.admission.CanAdmit(ctx, req.UserID, req.JobType)
	if err != nil {
		return nil, models.Decision{}, err
	}

	now := s.now()
	job := &models.Job{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		JobType:    req.JobType,
		Status:     models.StatusQueued,
		Priority:   decision.Priority,
		QueuedAt:   &now,
		MaxRetries: s.maxRetries,
		InputRef:   req.InputRef,
		Filename:   req.Filename,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, decision, fmt.Errorf("create job: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"job_type": job.JobType,
		"priority": int(job.Priority),
	})

	if err := s.index.Track(ctx, models.ActiveEntry{
		UserID: job.UserID, JobType: job.JobType, JobID: job.ID, State: models.StatusQueued,
	}); err != nil {
		log.WithError(err).Warn("failed to index queued job")
	}

	if !decision.Allowed {
		log.WithField("reason", decision.Reason).Info("job queued: concurrency limit reached")
		return job, decision, nil
	}

	if _, err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.WithError(err).Warn("immediate dispatch failed; job stays queued")
	}

	stored, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return job, decision, nil
	}
	return stored, decision, nil
}

// Status returns the stored job. It has no side effects.
func (s *Submitter) Status(ctx context.Context, id string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, id)
}
