package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcribe/models"

	"github.com/sirupsen/logrus"
)

// Reconciler recovers jobs whose completion callback never arrived and
// repairs drift between the Active-Job Index and the job store.
type Reconciler struct {
	jobs      JobStore
	mappings  MappingStore
	index     ActiveIndex
	batchSize int
	threshold time.Duration
	retention time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewReconciler(deps Deps, opts Options) *Reconciler {
	return &Reconciler{
		jobs:      deps.Jobs,
		mappings:  deps.Mappings,
		index:     deps.Index,
		batchSize: opts.ReconcileBatchSize,
		threshold: opts.StallThreshold,
		retention: opts.MappingRetention,
		logger:    deps.Logger.WithField("component", "reconciler"),
		now:       deps.Now,
	}
}

// Run performs one reconciliation pass: stalled jobs first, then the index
// sweep, then mapping cleanup. Only a failure to list stalled jobs aborts
// the pass.
func (r *Reconciler) Run(ctx context.Context) (models.ReconcileStats, error) {
	var stats models.ReconcileStats

	if err := r.recoverStalled(ctx, &stats); err != nil {
		return stats, err
	}
	r.sweepIndex(ctx, &stats)

	pruned, err := r.mappings.PruneMappings(ctx, r.now().Add(-r.retention))
	if err != nil {
		stats.Errors++
		r.logger.WithError(err).Error("failed to prune job mappings")
	}
	stats.MappingsPruned = pruned

	if stats != (models.ReconcileStats{}) {
		r.logger.WithFields(logrus.Fields{
			"stalled":         stats.Stalled,
			"requeued":        stats.Requeued,
			"dead_lettered":   stats.DeadLettered,
			"index_repaired":  stats.IndexRepaired,
			"mappings_pruned": stats.MappingsPruned,
			"errors":          stats.Errors,
		}).Info("reconcile run finished")
	}
	return stats, nil
}

func (r *Reconciler) recoverStalled(ctx context.Context, stats *models.ReconcileStats) error {
	cutoff := r.now().Add(-r.threshold)
	jobs, err := r.jobs.ListStalledJobs(ctx, cutoff, r.batchSize)
	if err != nil {
		return fmt.Errorf("list stalled jobs: %w", err)
	}
	stats.Stalled = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if job.StartedAt == nil {
			continue
		}
		log := r.logger.WithFields(logrus.Fields{
			"job_id":          job.ID,
			"user_id":         job.UserID,
			"external_job_id": job.ExternalJobID,
		})

		retry := job.RetryCount + 1
		maxRetries := job.MaxRetries
		if maxRetries <= 0 {
			maxRetries = models.DefaultMaxRetries
		}

		if retry < maxRetries {
			ok, err := r.jobs.RequeueStalledJob(ctx, job.ID, *job.StartedAt, retry)
			if err != nil {
				stats.Errors++
				log.WithError(err).Error("failed to requeue stalled job")
				continue
			}
			if !ok {
				continue
			}
			stats.Requeued++
			if err := r.index.Track(ctx, models.ActiveEntry{
				UserID: job.UserID, JobType: job.JobType, JobID: job.ID, State: models.StatusQueued,
			}); err != nil {
				log.WithError(err).Warn("failed to update active job index")
			}
			log.WithField("retry", retry).Warn("stalled job requeued")
			continue
		}

		msg := fmt.Sprintf("no completion callback within %s after %d attempts", r.threshold, retry)
		ok, err := r.jobs.DeadLetterJob(ctx, job.ID, *job.StartedAt, retry, msg)
		if err != nil {
			stats.Errors++
			log.WithError(err).Error("failed to dead-letter stalled job")
			continue
		}
		if !ok {
			continue
		}
		stats.DeadLettered++
		if err := r.index.Release(ctx, job.UserID, job.JobType, job.ID); err != nil {
			log.WithError(err).Warn("failed to release active job index entry")
		}
		log.WithField("retry", retry).Error("stalled job moved to dead letter")
	}
	return nil
}

// sweepIndex drops index entries whose job is finished or gone and moves
// entries whose state disagrees with the store. Each run checks one page, so
// a large index is covered over several runs.
func (r *Reconciler) sweepIndex(ctx context.Context, stats *models.ReconcileStats) {
	entries, err := r.index.NextPage(ctx, r.batchSize)
	if err != nil {
		stats.Errors++
		r.logger.WithError(err).Error("failed to list active job index")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		log := r.logger.WithFields(logrus.Fields{"job_id": entry.JobID, "user_id": entry.UserID})

		job, err := r.jobs.GetJob(ctx, entry.JobID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			stats.Errors++
			log.WithError(err).Warn("failed to load indexed job")
			continue
		}

		switch {
		case job == nil || job.Status.Terminal():
			err = r.index.Release(ctx, entry.UserID, entry.JobType, entry.JobID)
		case job.Status != entry.State:
			err = r.index.Track(ctx, models.ActiveEntry{
				UserID: entry.UserID, JobType: entry.JobType, JobID: entry.JobID, State: job.Status,
			})
		default:
			continue
		}
		if err != nil {
			stats.Errors++
			log.WithError(err).Warn("failed to repair active job index")
			continue
		}
		stats.IndexRepaired++
		log.Info("repaired active job index entry")
	}
}

func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	Loop(ctx, "reconcile", interval, r.logger, func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	})
}
