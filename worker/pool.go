package worker

import (
	"context"
	"time"

	"transcribe/models"
	"transcribe/services"

	"github.com/sirupsen/logrus"
)

// JobStore is the durable job record. Every transition method is a single
// conditional update and reports whether it matched.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	FindJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error)
	FindOpenJobByFilename(ctx context.Context, userID, filename string) (*models.Job, error)
	ListQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListStalledJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error)

	ClaimJob(ctx context.Context, id, token string, now time.Time) (bool, error)
	AttachExternalID(ctx context.Context, id, token, externalJobID, endpoint string) (bool, error)
	ReleaseClaim(ctx context.Context, id, token string) (bool, error)
	MarkInProgress(ctx context.Context, id, externalJobID string, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, result *models.Result, now time.Time) (bool, error)
	FailJob(ctx context.Context, id, errMsg string, now time.Time) (bool, error)
	RequeueStalledJob(ctx context.Context, id string, startedAt time.Time, retryCount int) (bool, error)
	DeadLetterJob(ctx context.Context, id string, startedAt time.Time, retryCount int, errMsg string) (bool, error)
}

type MappingStore interface {
	PutMapping(ctx context.Context, m *models.JobMapping) error
	GetMapping(ctx context.Context, externalJobID string) (*models.JobMapping, error)
	PruneMappings(ctx context.Context, before time.Time) (int, error)
}

// ActiveIndex is the per-user set of in-flight jobs used for concurrency
// checks. It is a cache; the JobStore stays the system of record.
type ActiveIndex interface {
	Track(ctx context.Context, entry models.ActiveEntry) error
	Release(ctx context.Context, userID, jobType, jobID string) error
	CountProcessing(ctx context.Context, userID, jobType string) (int64, error)
	// NextPage returns the next batch of entries for the index sweep.
	// Successive calls cycle through the whole index.
	NextPage(ctx context.Context, limit int) ([]models.ActiveEntry, error)
}

type TierResolver interface {
	Tier(ctx context.Context, userID string) (models.Tier, error)
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, job *models.Job) error
}

type InputResolver interface {
	ResolveInput(ctx context.Context, ref string) (string, error)
}

type InferenceClient interface {
	Submit(ctx context.Context, req services.RunRequest) (*services.RunResult, error)
	Fetch(ctx context.Context, endpoint, externalJobID string) (*services.JobStatus, error)
}

// Options carries the tunables shared by the orchestration components.
type Options struct {
	WebhookURL          string
	MaxRetries          int
	MaxDispatchAttempts int
	TierLimits          map[models.Tier]int64
	QueueBatchSize      int
	ReconcileBatchSize  int
	StallThreshold      time.Duration
	MappingRetention    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = models.DefaultMaxRetries
	}
	if o.MaxDispatchAttempts <= 0 {
		o.MaxDispatchAttempts = models.DefaultMaxDispatchAttempts
	}
	if o.TierLimits == nil {
		o.TierLimits = map[models.Tier]int64{
			models.TierPremium: 10,
			models.TierPaid:    3,
			models.TierTrial:   1,
		}
	}
	if o.QueueBatchSize <= 0 {
		o.QueueBatchSize = 100
	}
	if o.ReconcileBatchSize <= 0 {
		o.ReconcileBatchSize = 500
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 10 * time.Minute
	}
	if o.MappingRetention <= 0 {
		o.MappingRetention = 7 * 24 * time.Hour
	}
	return o
}

// Deps are the collaborators the orchestration components are built from.
type Deps struct {
	Jobs      JobStore
	Mappings  MappingStore
	Index     ActiveIndex
	Tiers     TierResolver
	Usage     UsageRecorder
	Inputs    InputResolver
	Inference InferenceClient
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Pool wires the admission controller, dispatcher, queue processor,
// completion handler and stall reconciler over one set of dependencies.
type Pool struct {
	Admission  *Admission
	Dispatcher *Dispatcher
	Submitter  *Submitter
	Queue      *QueueProcessor
	Completion *CompletionHandler
	Reconciler *Reconciler
}

func NewPool(deps Deps, opts Options) *Pool {
	opts = opts.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Inputs == nil {
		deps.Inputs = services.PassthroughResolver{}
	}

	admission := NewAdmission(deps.Tiers, deps.Index, opts.TierLimits)
	dispatcher := NewDispatcher(deps, opts)
	return &Pool{
		Admission:  admission,
		Dispatcher: dispatcher,
		Submitter:  NewSubmitter(deps, opts, admission, dispatcher),
		Queue:      NewQueueProcessor(deps, opts, admission, dispatcher),
		Completion: NewCompletionHandler(deps),
		Reconciler: NewReconciler(deps, opts),
	}
}

// Loop runs fn every interval until ctx is canceled. A run that overlaps
// the next tick is not started twice; the ticker drops missed ticks.
func Loop(ctx context.Context, name string, interval time.Duration, logger logrus.FieldLogger, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.WithField("loop", name).WithField("interval", interval.String()).Info("starting periodic loop")

	for {
		select {
		case <-ctx.Done():
			logger.WithField("loop", name).Info("shutting down")
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.WithField("loop", name).WithError(err).Error("periodic run failed")
			}
		}
	}
}
