package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcribe/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CompletionHandler applies inference-service callbacks to jobs. A returned
// error wrapping models.ErrInvalidEvent is permanent; any other error means
// nothing was committed and the sender should retry.
type CompletionHandler struct {
	jobs      JobStore
	mappings  MappingStore
	index     ActiveIndex
	usage     UsageRecorder
	inference InferenceClient
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewCompletionHandler(deps Deps) *CompletionHandler {
	return &CompletionHandler{
		jobs:      deps.Jobs,
		mappings:  deps.Mappings,
		index:     deps.Index,
		usage:     deps.Usage,
		inference: deps.Inference,
		logger:    deps.Logger.WithField("component", "completion"),
		now:       deps.Now,
	}
}

func (h *CompletionHandler) Handle(ctx context.Context, event models.WebhookEvent) (models.Outcome, error) {
	event.Normalize()
	if err := event.Validate(); err != nil {
		return "", err
	}

	log := h.logger.WithFields(logrus.Fields{
		"external_job_id": event.ExternalJobID,
		"status":          string(event.Status),
	})

	job, mapping, err := h.resolve(ctx, event.ExternalJobID)
	if err != nil {
		return "", err
	}

	if job == nil {
		if event.Status != models.EventCompleted {
			log.Warn("callback for unknown job ignored")
			return models.OutcomeIgnored, nil
		}
		return h.orphan(ctx, event, mapping, log)
	}

	log = log.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.UserID})
	if job.Status.Terminal() {
		log.WithField("job_status", string(job.Status)).Info("callback for finished job ignored")
		return models.OutcomeDuplicate, nil
	}

	// After a stall requeue the job runs under a new external id. Status
	// from the superseded run must not touch the live one; its transcript
	// is still accepted.
	if job.ExternalJobID != "" && job.ExternalJobID != event.ExternalJobID && event.Status != models.EventCompleted {
		log.WithField("current_external_job_id", job.ExternalJobID).Info("callback from superseded dispatch ignored")
		return models.OutcomeIgnored, nil
	}

	switch event.Status {
	case models.EventCompleted:
		return h.complete(ctx, job, event, mapping, log)
	case models.EventFailed:
		return h.fail(ctx, job, event, log)
	default:
		return h.start(ctx, job, event, log)
	}
}

// resolve finds the job an external id belongs to: directly, then through
// the mapping's job id, then by the mapping's user and filename. A nil job
// with a nil error means the id could not be resolved.
func (h *CompletionHandler) resolve(ctx context.Context, externalJobID string) (*models.Job, *models.JobMapping, error) {
	job, err := h.jobs.FindJobByExternalID(ctx, externalJobID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, nil, fmt.Errorf("find job by external id: %w", err)
	}

	mapping, merr := h.mappings.GetMapping(ctx, externalJobID)
	if merr != nil && !errors.Is(merr, models.ErrNotFound) {
		if job != nil {
			return job, nil, nil
		}
		return nil, nil, fmt.Errorf("load job mapping: %w", merr)
	}
	if merr != nil {
		mapping = nil
	}
	if job != nil || mapping == nil {
		return job, mapping, nil
	}

	if mapping.JobID != "" {
		job, err = h.jobs.GetJob(ctx, mapping.JobID)
		switch {
		case err == nil:
			return job, mapping, nil
		case !errors.Is(err, models.ErrNotFound):
			return nil, nil, fmt.Errorf("load mapped job: %w", err)
		}
	}

	job, err = h.jobs.FindOpenJobByFilename(ctx, mapping.UserID, mapping.Filename)
	switch {
	case err == nil:
		h.logger.WithFields(logrus.Fields{
			"external_job_id": externalJobID,
			"job_id":          job.ID,
			"filename":        mapping.Filename,
		}).Info("resolved callback by filename")
		return job, mapping, nil
	case errors.Is(err, models.ErrNotFound):
		return nil, mapping, nil
	default:
		return nil, nil, fmt.Errorf("find job by filename: %w", err)
	}
}

func (h *CompletionHandler) complete(ctx context.Context, job *models.Job, event models.WebhookEvent, mapping *models.JobMapping, log logrus.FieldLogger) (models.Outcome, error) {
	endpoint := job.EndpointUsed
	if mapping != nil && mapping.Endpoint != "" {
		endpoint = mapping.Endpoint
	}

	result, err := h.result(ctx, event, endpoint)
	if errors.Is(err, errUnreadableOutput) {
		log.WithError(err).Error("transcription output could not be read")
		return h.fail(ctx, job, models.WebhookEvent{Error: err.Error()}, log)
	}
	if err != nil {
		return "", err
	}

	now := h.now()
	committed, err := h.jobs.CompleteJob(ctx, job.ID, result, now)
	if err != nil {
		return "", fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !committed {
		log.Info("job finished concurrently; callback ignored")
		return models.OutcomeDuplicate, nil
	}

	h.release(ctx, job, log)

	job.Status = models.StatusCompleted
	job.Result = result
	job.CompletedAt = &now
	h.recordUsage(ctx, job, log)

	log.WithFields(logrus.Fields{
		"granularity": string(result.Granularity),
		"duration":    result.Duration,
	}).Info("job completed")
	return models.OutcomeCompleted, nil
}

func (h *CompletionHandler) fail(ctx context.Context, job *models.Job, event models.WebhookEvent, log logrus.FieldLogger) (models.Outcome, error) {
	msg := event.Error
	if msg == "" {
		msg = "inference service reported failure"
	}
	committed, err := h.jobs.FailJob(ctx, job.ID, msg, h.now())
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !committed {
		return models.OutcomeDuplicate, nil
	}
	h.release(ctx, job, log)
	log.WithField("error", msg).Warn("job failed")
	return models.OutcomeFailed, nil
}

// start handles IN_PROGRESS. Only a queued job moves; a job that is already
// processing has nothing to record.
func (h *CompletionHandler) start(ctx context.Context, job *models.Job, event models.WebhookEvent, log logrus.FieldLogger) (models.Outcome, error) {
	if job.Status != models.StatusQueued {
		return models.OutcomeIgnored, nil
	}
	moved, err := h.jobs.MarkInProgress(ctx, job.ID, event.ExternalJobID, h.now())
	if err != nil {
		return "", fmt.Errorf("mark job %s in progress: %w", job.ID, err)
	}
	if !moved {
		return models.OutcomeIgnored, nil
	}
	if err := h.index.Track(ctx, models.ActiveEntry{
		UserID: job.UserID, JobType: job.JobType, JobID: job.ID, State: models.StatusProcessing,
	}); err != nil {
		log.WithError(err).Warn("failed to update active job index")
	}
	log.Info("queued job reported in progress")
	return models.OutcomeStarted, nil
}

// orphan records a completed transcript whose job cannot be found, so the
// output is never dropped.
func (h *CompletionHandler) orphan(ctx context.Context, event models.WebhookEvent, mapping *models.JobMapping, log logrus.FieldLogger) (models.Outcome, error) {
	endpoint := ""
	if mapping != nil {
		endpoint = mapping.Endpoint
	}
	result, err := h.result(ctx, event, endpoint)
	if err != nil && !errors.Is(err, errUnreadableOutput) {
		return "", err
	}

	now := h.now()
	job := &models.Job{
		ID:            uuid.NewString(),
		JobType:       models.DefaultJobType,
		Status:        models.StatusCompleted,
		Priority:      models.PriorityTrial,
		ExternalJobID: event.ExternalJobID,
		CompletedAt:   &now,
		MaxRetries:    models.DefaultMaxRetries,
		Filename:      event.ExternalJobID,
		Result:        result,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err != nil {
		job.Status = models.StatusFailed
		job.Error = err.Error()
		job.Result = nil
	}
	if mapping != nil {
		job.UserID = mapping.UserID
		job.JobType = mapping.JobType
		job.Filename = mapping.Filename
		job.EndpointUsed = mapping.Endpoint
	}

	if err := h.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create orphan job: %w", err)
	}
	log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.UserID,
	}).Warn("recorded orphan transcription result")

	if job.UserID != "" && job.Status == models.StatusCompleted {
		h.recordUsage(ctx, job, log)
	}
	return models.OutcomeOrphan, nil
}

var errUnreadableOutput = errors.New("unreadable transcription output")

// result decodes the callback's output, fetching it from the inference
// service when the callback arrived without one.
func (h *CompletionHandler) result(ctx context.Context, event models.WebhookEvent, endpoint string) (*models.Result, error) {
	raw := event.Output
	if !event.HasOutput() {
		status, err := h.inference.Fetch(ctx, endpoint, event.ExternalJobID)
		if err != nil {
			return nil, fmt.Errorf("fetch output for %s: %w", event.ExternalJobID, err)
		}
		raw = status.Output
	}

	out, err := models.ParseOutput(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnreadableOutput, err)
	}
	return models.Normalize(out), nil
}

func (h *CompletionHandler) release(ctx context.Context, job *models.Job, log logrus.FieldLogger) {
	if err := h.index.Release(ctx, job.UserID, job.JobType, job.ID); err != nil {
		log.WithError(err).Error("failed to release active job index entry")
	}
}

func (h *CompletionHandler) recordUsage(ctx context.Context, job *models.Job, log logrus.FieldLogger) {
	if h.usage == nil {
		return
	}
	if err := h.usage.RecordUsage(ctx, job); err != nil {
		log.WithError(err).Error("failed to record usage")
	}
}
