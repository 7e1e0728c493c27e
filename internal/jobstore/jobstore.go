package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/storyreel/storyreel/internal/models"
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

// ErrLeaseLost is returned from renew/terminal operations when the caller's
// lock token no longer matches the job's. The worker must treat in-flight
// work as abandoned and must not write terminal state.
var ErrLeaseLost = errors.New("lease lost: lock token mismatch")

// ErrTerminalState is returned when a transition is attempted on a job that
// is already completed, failed, or cancelled.
var ErrTerminalState = errors.New("job is in a terminal state")

// QueueBackend is the durable work queue. Exactly one implementation is
// selected at process start (Postgres in production, Memory in tests and
// single-node setups) and passed to every component, never reached through
// ambient globals.
//
// Leasing protocol: LeaseNext atomically claims one queued job (or a running
// job whose heartbeat is older than the stale threshold) and returns it with
// a fresh lock token. The holder renews via RenewLease; a mismatch means the
// lease was lost. RequeueStale is the crash-recovery sweep: it returns
// abandoned running jobs to queued with a cleared lock token.
type QueueBackend interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)

	LeaseNext(ctx context.Context, now time.Time, workerID string) (*models.Job, error)
	RenewLease(ctx context.Context, id uuid.UUID, lockToken string, now time.Time) error
	RequeueStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error)

	MarkCompleted(ctx context.Context, id uuid.UUID, lockToken string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lockToken, code, message string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, lockToken string) error

	RequestCancel(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, lockToken, stage string, progress int) error
}

// NewLockToken builds a per-lease token. The worker id prefix makes tokens
// readable in the database; the uuid suffix keeps two leases by the same
// worker distinguishable.
func NewLockToken(workerID string) string {
	return fmt.Sprintf("%s:%s", workerID, uuid.New())
}
