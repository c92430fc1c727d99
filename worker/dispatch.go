package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcribe/models"
	"transcribe/services"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dispatcher submits queued jobs to the inference service.
//
// A dispatch claims the job first (queued -> processing under a fresh
// token), then submits, records the mapping and attaches the external id.
// The claim is the only guard against double dispatch; a lost claim means
// nothing is submitted.
type Dispatcher struct {
	jobs       JobStore
	mappings   MappingStore
	index      ActiveIndex
	inputs     InputResolver
	inference  InferenceClient
	webhookURL string
	attempts   int
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewDispatcher(deps Deps, opts Options) *Dispatcher {
	return &Dispatcher{
		jobs:       deps.Jobs,
		mappings:   deps.Mappings,
		index:      deps.Index,
		inputs:     deps.Inputs,
		inference:  deps.Inference,
		webhookURL: opts.WebhookURL,
		attempts:   opts.MaxDispatchAttempts,
		logger:     deps.Logger,
		now:        deps.Now,
	}
}

// Dispatch sends job to the inference service. job must be a snapshot of a
// queued job. On failure of both endpoints the job goes back to queued, or
// to failed once its dispatch attempts are spent; the error is returned
// either way.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) (models.DispatchResult, error) {
	log := d.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.UserID,
	})

	token := uuid.NewString()
	claimed, err := d.jobs.ClaimJob(ctx, job.ID, token, d.now())
	if err != nil {
		return models.DispatchResult{Error: err.Error()}, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !claimed {
		return models.DispatchResult{Error: models.ErrAlreadyDispatched.Error()}, models.ErrAlreadyDispatched
	}
	d.track(ctx, job, models.StatusProcessing, log)

	res, err := d.submit(ctx, job)
	if err != nil {
		log.WithError(err).Warn("dispatch failed")
		d.abandon(ctx, job, token, err, log)
		return models.DispatchResult{Error: err.Error()}, err
	}

	// The job now runs remotely. Its mapping and external id must land even
	// if the caller goes away, or the callback cannot be matched and the
	// reconciler dispatches the job a second time.
	ctx = context.WithoutCancel(ctx)

	mapping := &models.JobMapping{
		ExternalJobID: res.ExternalJobID,
		JobID:         job.ID,
		UserID:        job.UserID,
		JobType:       job.JobType,
		Filename:      job.Filename,
		Endpoint:      res.Endpoint,
		CreatedAt:     d.now(),
	}
	if err := d.mappings.PutMapping(ctx, mapping); err != nil {
		// Webhook resolution falls back to the filename search.
		log.WithError(err).Error("failed to persist job mapping")
	}

	attached, err := d.jobs.AttachExternalID(ctx, job.ID, token, res.ExternalJobID, res.Endpoint)
	switch {
	case err != nil:
		log.WithError(err).Error("failed to record external job id")
	case !attached:
		log.Warn("external job id not attached; job changed state during dispatch")
	}

	log.WithFields(logrus.Fields{
		"external_job_id": res.ExternalJobID,
		"endpoint":        res.Endpoint,
	}).Info("job dispatched")

	return models.DispatchResult{
		Success:       true,
		ExternalJobID: res.ExternalJobID,
		EndpointUsed:  res.Endpoint,
	}, nil
}

func (d *Dispatcher) submit(ctx context.Context, job *models.Job) (*services.RunResult, error) {
	audioURL, err := d.inputs.ResolveInput(ctx, job.InputRef)
	if err != nil {
		return nil, fmt.Errorf("resolve input: %w", err)
	}
	return d.inference.Submit(ctx, services.RunRequest{
		JobID:      job.ID,
		AudioURL:   audioURL,
		Filename:   job.Filename,
		JobType:    job.JobType,
		WebhookURL: d.webhookURL,
	})
}

// abandon undoes a claim after a failed submission. The job goes back to
// the queue until its last allowed attempt fails, then it is failed.
func (d *Dispatcher) abandon(ctx context.Context, job *models.Job, token string, cause error, log logrus.FieldLogger) {
	// The claim must be undone even if the caller's context is gone,
	// otherwise the job sits in processing until the reconciler finds it.
	ctx = context.WithoutCancel(ctx)

	attempt := job.DispatchAttempts + 1
	log = log.WithField("dispatch_attempt", attempt)
	if d.attempts > 0 && attempt >= d.attempts {
		msg := fmt.Sprintf("dispatch failed after %d attempts: %v", attempt, cause)
		failed, err := d.jobs.FailJob(ctx, job.ID, msg, d.now())
		if err != nil {
			log.WithError(err).Error("failed to mark job failed")
			return
		}
		if failed {
			d.release(ctx, job, log)
			log.Info("job failed after final dispatch attempt")
		}
		return
	}

	released, err := d.jobs.ReleaseClaim(ctx, job.ID, token)
	if err != nil {
		log.WithError(err).Error("failed to return job to queue")
		return
	}
	if released {
		d.track(ctx, job, models.StatusQueued, log)
	}
}

func (d *Dispatcher) track(ctx context.Context, job *models.Job, state models.JobStatus, log logrus.FieldLogger) {
	err := d.index.Track(ctx, models.ActiveEntry{
		UserID:  job.UserID,
		JobType: job.JobType,
		JobID:   job.ID,
		State:   state,
	})
	if err != nil {
		log.WithError(err).Warn("failed to update active job index")
	}
}

func (d *Dispatcher) release(ctx context.Context, job *models.Job, log logrus.FieldLogger) {
	if err := d.index.Release(ctx, job.UserID, job.JobType, job.ID); err != nil {
		log.WithError(err).Warn("failed to release active job index entry")
	}
}

// IsAlreadyDispatched reports whether err means another dispatcher won the
// claim.
func IsAlreadyDispatched(err error) bool {
	return errors.Is(err, models.ErrAlreadyDispatched)
}
