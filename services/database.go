package services

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"transcribe/models"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DatabaseService is the PostgreSQL-backed job store. It also serves job
// mappings, subscription tiers and the usage ledger.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// Migrate applies the embedded schema files that have not been recorded in
// schema_migrations yet, in file name order.
func (d *DatabaseService) Migrate(ctx context.Context) ([]string, error) {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT        PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var applied []string
	for _, e := range entries {
		version := strings.TrimSuffix(e.Name(), ".sql")

		var exists bool
		err := d.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&exists)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}
		if _, err := d.db.ExecContext(ctx, string(body)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := d.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return applied, fmt.Errorf("record migration %s: %w", version, err)
		}
		applied = append(applied, version)
	}
	return applied, nil
}

const jobColumns = `id, user_id, job_type, status, priority, external_job_id, endpoint_used,
	dispatch_token, queued_at, started_at, completed_at, processing_ms, retry_count,
	max_retries, error_message, input_ref, filename, result, created_at, updated_at,
	dispatch_attempts`

func (d *DatabaseService) CreateJob(ctx context.Context, job *models.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO transcription_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		job.ID, job.UserID, job.JobType, string(job.Status), int(job.Priority),
		nullString(job.ExternalJobID), nullString(job.EndpointUsed), nullString(job.DispatchToken),
		job.QueuedAt, job.StartedAt, job.CompletedAt, nullInt64(job.ProcessingMs),
		job.RetryCount, job.MaxRetries, nullString(job.Error), job.InputRef, job.Filename,
		result, job.CreatedAt, job.UpdatedAt, job.DispatchAttempts,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (d *DatabaseService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1`, id)
	return scanJobRow(row)
}

func (d *DatabaseService) FindJobByExternalID(ctx context.Context, externalJobID string) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM transcription_jobs
		WHERE external_job_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, externalJobID)
	return scanJobRow(row)
}

// FindOpenJobByFilename returns the best non-terminal candidate for a user's
// file: processing jobs still missing an external id first, then any
// processing job, then the oldest queued one.
func (d *DatabaseService) FindOpenJobByFilename(ctx context.Context, userID, filename string) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM transcription_jobs
		WHERE user_id = $1
		  AND filename = $2
		  AND status IN ('queued', 'processing')
		ORDER BY
			(status = 'processing') DESC,
			(external_job_id IS NULL) DESC,
			queued_at ASC
		LIMIT 1`, userID, filename)
	return scanJobRow(row)
}

func (d *DatabaseService) ListQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM transcription_jobs
		WHERE status = 'queued'
		ORDER BY priority ASC, queued_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	return scanJobRows(rows)
}

func (d *DatabaseService) ListStalledJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM transcription_jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	return scanJobRows(rows)
}

// ClaimJob moves a queued job to processing under token. It is the only
// guard against double dispatch: the update matches only while the stored
// status is still queued.
func (d *DatabaseService) ClaimJob(ctx context.Context, id, token string, now time.Time) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status          = 'processing',
			dispatch_token  = $2,
			started_at      = $3,
			external_job_id = NULL,
			endpoint_used   = NULL,
			updated_at      = $3
		WHERE id = $1 AND status = 'queued'`, id, token, now)
}

func (d *DatabaseService) AttachExternalID(ctx context.Context, id, token, externalJobID, endpoint string) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			external_job_id = $3,
			endpoint_used   = $4,
			updated_at      = NOW()
		WHERE id = $1 AND dispatch_token = $2 AND external_job_id IS NULL`,
		id, token, externalJobID, endpoint)
}

// ReleaseClaim returns a claimed job to the queue after a failed submission
// and counts the attempt.
func (d *DatabaseService) ReleaseClaim(ctx context.Context, id, token string) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status            = 'queued',
			dispatch_attempts = dispatch_attempts + 1,
			dispatch_token    = NULL,
			started_at        = NULL,
			external_job_id   = NULL,
			endpoint_used     = NULL,
			updated_at        = NOW()
		WHERE id = $1 AND status = 'processing' AND dispatch_token = $2`, id, token)
}

func (d *DatabaseService) MarkInProgress(ctx context.Context, id, externalJobID string, now time.Time) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status          = 'processing',
			external_job_id = COALESCE(external_job_id, $2),
			started_at      = COALESCE(started_at, $3),
			updated_at      = $3
		WHERE id = $1 AND status = 'queued'`, id, externalJobID, now)
}

func (d *DatabaseService) CompleteJob(ctx context.Context, id string, result *models.Result, now time.Time) (bool, error) {
	encoded, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status         = 'completed',
			result         = $2,
			completed_at   = $3,
			processing_ms  = CASE WHEN started_at IS NULL THEN NULL
				ELSE (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::BIGINT END,
			error_message  = NULL,
			retry_count    = 0,
			dispatch_token = NULL,
			updated_at     = $3
		WHERE id = $1 AND status IN ('queued', 'processing')`, id, encoded, now)
}

func (d *DatabaseService) FailJob(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status         = 'failed',
			error_message  = $2,
			completed_at   = $3,
			dispatch_token = NULL,
			updated_at     = $3
		WHERE id = $1 AND status IN ('queued', 'processing')`, id, errMsg, now)
}

// RequeueStalledJob returns a stalled job to the queue. Matching on the
// observed started_at lets a concurrent completion or re-dispatch win.
func (d *DatabaseService) RequeueStalledJob(ctx context.Context, id string, startedAt time.Time, retryCount int) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status          = 'queued',
			retry_count     = $3,
			started_at      = NULL,
			external_job_id = NULL,
			endpoint_used   = NULL,
			dispatch_token  = NULL,
			updated_at      = NOW()
		WHERE id = $1 AND status = 'processing' AND started_at = $2`, id, startedAt, retryCount)
}

func (d *DatabaseService) DeadLetterJob(ctx context.Context, id string, startedAt time.Time, retryCount int, errMsg string) (bool, error) {
	return d.execOne(ctx, `
		UPDATE transcription_jobs SET
			status         = 'dead_letter',
			retry_count    = $3,
			error_message  = $4,
			dispatch_token = NULL,
			updated_at     = NOW()
		WHERE id = $1 AND status = 'processing' AND started_at = $2`, id, startedAt, retryCount, errMsg)
}

func (d *DatabaseService) PutMapping(ctx context.Context, m *models.JobMapping) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO job_mappings (external_job_id, job_id, user_id, job_type, filename, endpoint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_job_id) DO NOTHING`,
		m.ExternalJobID, m.JobID, m.UserID, m.JobType, m.Filename, m.Endpoint, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert mapping %s: %w", m.ExternalJobID, err)
	}
	return nil
}

func (d *DatabaseService) GetMapping(ctx context.Context, externalJobID string) (*models.JobMapping, error) {
	m := &models.JobMapping{}
	err := d.db.QueryRowContext(ctx, `
		SELECT external_job_id, job_id, user_id, job_type, filename, endpoint, created_at
		FROM job_mappings WHERE external_job_id = $1`, externalJobID,
	).Scan(&m.ExternalJobID, &m.JobID, &m.UserID, &m.JobType, &m.Filename, &m.Endpoint, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", externalJobID, err)
	}
	return m, nil
}

// PruneMappings deletes mappings created before cutoff whose job is no
// longer in flight.
func (d *DatabaseService) PruneMappings(ctx context.Context, before time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM job_mappings m
		WHERE m.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM transcription_jobs j
			WHERE j.id = m.job_id AND j.status IN ('queued', 'processing')
		  )`, before)
	if err != nil {
		return 0, fmt.Errorf("prune mappings: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (d *DatabaseService) Tier(ctx context.Context, userID string) (models.Tier, error) {
	var tier string
	err := d.db.QueryRowContext(ctx,
		`SELECT tier FROM user_tiers WHERE user_id = $1`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TierTrial, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup tier for %s: %w", userID, err)
	}
	return models.ParseTier(tier), nil
}

// RecordUsage appends the job's transcribed duration to the usage ledger.
// The job id is the primary key, so redelivery never deducts twice.
func (d *DatabaseService) RecordUsage(ctx context.Context, job *models.Job) error {
	var seconds float64
	if job.Result != nil {
		seconds = job.Result.Duration
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO usage_events (job_id, user_id, job_type, seconds, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO NOTHING`,
		job.ID, job.UserID, job.JobType, seconds, time.Now())
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", job.ID, err)
	}
	return nil
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func (d *DatabaseService) execOne(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row rowScanner) (*models.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return job, err
}

func scanJobRows(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob populates a Job from jobColumns. The column order must match.
func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                  models.Job
		status                               string
		priority                             int
		externalID, endpoint, token, errText sql.NullString
		queuedAt, startedAt, completedAt     sql.NullTime
		processingMs                         sql.NullInt64
		result                               []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.JobType, &status, &priority,
		&externalID, &endpoint, &token,
		&queuedAt, &startedAt, &completedAt, &processingMs,
		&job.RetryCount, &job.MaxRetries, &errText,
		&job.InputRef, &job.Filename, &result,
		&job.CreatedAt, &job.UpdatedAt,
		&job.DispatchAttempts,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.Priority = models.Priority(priority)
	job.ExternalJobID = externalID.String
	job.EndpointUsed = endpoint.String
	job.DispatchToken = token.String
	job.Error = errText.String
	job.QueuedAt = timePtr(queuedAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ProcessingMs = processingMs.Int64
	if len(result) > 0 {
		job.Result = &models.Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode result for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func encodeResult(r *models.Result) (interface{}, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
