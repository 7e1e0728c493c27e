package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/storyreel/storyreel/internal/models"
)

// Postgres is the durable QueueBackend. Leasing is a single conditional
// UPDATE over a SKIP LOCKED sub-select, so no two workers can claim the
// same job even under concurrent polling.
type Postgres struct {
	db             *sql.DB
	staleThreshold time.Duration
}

func NewPostgres(databaseURL string, staleThreshold time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Postgres{db: db, staleThreshold: staleThreshold}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the jobs table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id               UUID PRIMARY KEY,
			plan             JSONB NOT NULL,
			status           TEXT NOT NULL DEFAULT 'queued',
			lock_token       TEXT,
			heartbeat_at     TIMESTAMPTZ,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			stage            TEXT NOT NULL DEFAULT 'queued',
			progress         INT NOT NULL DEFAULT 0,
			attempts         INT NOT NULL DEFAULT 0,
			error_code       TEXT,
			error_message    TEXT,
			parent_job_id    UUID,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_leasable
			ON jobs (created_at) WHERE status IN ('queued', 'running');
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return nil
}

const jobColumns = `
	id, plan, status, lock_token, heartbeat_at, cancel_requested,
	stage, progress, attempts, error_code, error_message,
	parent_job_id, created_at, started_at, completed_at
`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID, &job.Plan, &job.Status, &job.LockToken, &job.HeartbeatAt,
		&job.CancelRequested, &job.Stage, &job.Progress, &job.Attempts,
		&job.ErrorCode, &job.ErrorMessage, &job.ParentJobID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (p *Postgres) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	query := `
		INSERT INTO jobs (id, plan, status, stage, parent_job_id)
		VALUES ($1, $2, 'queued', 'queued', $3)
		RETURNING created_at
	`

	if err := p.db.QueryRowContext(ctx, query, job.ID, job.Plan, job.ParentJobID).Scan(&job.CreatedAt); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	job.Status = models.JobStatusQueued
	job.Stage = models.StageQueued
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(p.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// LeaseNext atomically claims one leasable job. FOR UPDATE SKIP LOCKED makes
// concurrent pollers skip rows another transaction is claiming rather than
// blocking on them or double-claiming.
func (p *Postgres) LeaseNext(ctx context.Context, now time.Time, workerID string) (*models.Job, error) {
	token := NewLockToken(workerID)
	staleBefore := now.Add(-p.staleThreshold)

	query := `
		UPDATE jobs SET
			status = 'running',
			lock_token = $1,
			heartbeat_at = $2,
			started_at = COALESCE(started_at, $2),
			attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued'
			   OR (status = 'running' AND heartbeat_at < $3)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(p.db.QueryRowContext(ctx, query, token, now, staleBefore))
	if err == sql.ErrNoRows {
		return nil, nil // no leasable job
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	return job, nil
}

func (p *Postgres) RenewLease(ctx context.Context, id uuid.UUID, lockToken string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = $1
		WHERE id = $2 AND status = 'running' AND lock_token = $3
	`, now, id, lockToken)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return leaseCheck(res)
}

func (p *Postgres) RequeueStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', lock_token = NULL, heartbeat_at = NULL
		WHERE status = 'running' AND (heartbeat_at IS NULL OR heartbeat_at < $1)
	`, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) MarkCompleted(ctx context.Context, id uuid.UUID, lockToken string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'completed', stage = 'completed', progress = 100,
			lock_token = NULL, completed_at = NOW(),
			error_code = NULL, error_message = NULL
		WHERE id = $1 AND status = 'running' AND lock_token = $2
	`, id, lockToken)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return leaseCheck(res)
}

func (p *Postgres) MarkFailed(ctx context.Context, id uuid.UUID, lockToken, code, message string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'failed', lock_token = NULL, completed_at = NOW(),
			error_code = $3, error_message = $4
		WHERE id = $1 AND status = 'running' AND lock_token = $2
	`, id, lockToken, code, message)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return leaseCheck(res)
}

func (p *Postgres) MarkCancelled(ctx context.Context, id uuid.UUID, lockToken string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'cancelled', lock_token = NULL, completed_at = NOW()
		WHERE id = $1 AND status = 'running' AND lock_token = $2
	`, id, lockToken)
	if err != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	return leaseCheck(res)
}

func (p *Postgres) RequestCancel(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTerminalState
	}
	return nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, id uuid.UUID, lockToken, stage string, progress int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET stage = $3, progress = GREATEST(progress, $4)
		WHERE id = $1 AND status = 'running' AND lock_token = $2
	`, id, lockToken, stage, progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return leaseCheck(res)
}

// leaseCheck converts "no rows updated" on a lock-token-guarded statement
// into ErrLeaseLost.
func leaseCheck(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
