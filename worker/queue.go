package worker

import (
	"context"
	"fmt"
	"time"

	"transcribe/models"

	"github.com/sirupsen/logrus"
)

// QueueProcessor promotes queued jobs whose owners have regained capacity.
// Runs may overlap; the dispatcher's claim keeps each job to one dispatch.
type QueueProcessor struct {
	jobs       JobStore
	admission  *Admission
	dispatcher *Dispatcher
	batchSize  int
	logger     logrus.FieldLogger
}

func NewQueueProcessor(deps Deps, opts Options, admission *Admission, dispatcher *Dispatcher) *QueueProcessor {
	return &QueueProcessor{
		jobs:       deps.Jobs,
		admission:  admission,
		dispatcher: dispatcher,
		batchSize:  opts.QueueBatchSize,
		logger:     deps.Logger.WithField("component", "queue"),
	}
}

// Run scans one batch of queued jobs in (priority, queued_at) order and
// dispatches every job whose owner is admitted. Per-job failures are logged
// and counted; they never stop the batch and are not written to the job.
func (q *QueueProcessor) Run(ctx context.Context) (models.QueueRunStats, error) {
	var stats models.QueueRunStats

	jobs, err := q.jobs.ListQueuedJobs(ctx, q.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list queued jobs: %w", err)
	}
	stats.Scanned = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		log := q.logger.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.UserID})

		decision, err := q.admission.CanAdmit(ctx, job.UserID, job.JobType)
		if err != nil {
			stats.Errors++
			log.WithError(err).Error("admission check failed")
			continue
		}
		if !decision.Allowed {
			stats.Deferred++
			continue
		}

		if _, err := q.dispatcher.Dispatch(ctx, job); err != nil {
			if IsAlreadyDispatched(err) {
				continue
			}
			stats.Errors++
			log.WithError(err).Warn("dispatch from queue failed")
			continue
		}
		stats.Dispatched++
	}

	if stats.Scanned > 0 {
		q.logger.WithFields(logrus.Fields{
			"scanned":    stats.Scanned,
			"dispatched": stats.Dispatched,
			"deferred":   stats.Deferred,
			"errors":     stats.Errors,
		}).Info("queue run finished")
	}
	return stats, nil
}

// RunLoop runs the processor every interval until ctx is canceled.
func (q *QueueProcessor) RunLoop(ctx context.Context, interval time.Duration) {
	Loop(ctx, "queue", interval, q.logger, func(ctx context.Context) error {
		_, err := q.Run(ctx)
		return err
	})
}
