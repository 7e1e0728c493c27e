package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storyreel/storyreel/internal/models"
)

// Memory is a mutex-guarded in-process QueueBackend. It implements the same
// leasing protocol as the Postgres backend and backs the test suite plus
// single-node deployments that have no database.
type Memory struct {
	mu             sync.Mutex
	jobs           map[uuid.UUID]*models.Job
	staleThreshold time.Duration
}

func NewMemory(staleThreshold time.Duration) *Memory {
	return &Memory{
		jobs:           make(map[uuid.UUID]*models.Job),
		staleThreshold: staleThreshold,
	}
}

func (m *Memory) Enqueue(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Status = models.JobStatusQueued
	job.Stage = models.StageQueued
	job.LockToken = nil

	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// LeaseNext claims the oldest leasable job: queued, or running with a
// heartbeat older than the stale threshold (a lease abandoned by a crashed
// worker). The whole selection and claim happens under one lock, so no two
// callers can observe the same job as leasable.
func (m *Memory) LeaseNext(ctx context.Context, now time.Time, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if m.leasable(job, now) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// FIFO by creation time.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	job := candidates[0]
	token := NewLockToken(workerID)
	hb := now
	job.Status = models.JobStatusRunning
	job.LockToken = &token
	job.HeartbeatAt = &hb
	job.Attempts++
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}

	cp := *job
	return &cp, nil
}

func (m *Memory) leasable(job *models.Job, now time.Time) bool {
	switch job.Status {
	case models.JobStatusQueued:
		return true
	case models.JobStatusRunning:
		return job.HeartbeatAt != nil && now.Sub(*job.HeartbeatAt) > m.staleThreshold
	default:
		return false
	}
}

func (m *Memory) RenewLease(ctx context.Context, id uuid.UUID, lockToken string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning || job.LockToken == nil || *job.LockToken != lockToken {
		return ErrLeaseLost
	}
	hb := now
	job.HeartbeatAt = &hb
	return nil
}

func (m *Memory) RequeueStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for _, job := range m.jobs {
		if job.Status != models.JobStatusRunning {
			continue
		}
		if job.HeartbeatAt == nil || now.Sub(*job.HeartbeatAt) > threshold {
			job.Status = models.JobStatusQueued
			job.LockToken = nil
			job.HeartbeatAt = nil
			requeued++
		}
	}
	return requeued, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, id uuid.UUID, lockToken string) error {
	return m.terminal(id, lockToken, models.JobStatusCompleted, nil, nil)
}

func (m *Memory) MarkFailed(ctx context.Context, id uuid.UUID, lockToken, code, message string) error {
	return m.terminal(id, lockToken, models.JobStatusFailed, &code, &message)
}

func (m *Memory) MarkCancelled(ctx context.Context, id uuid.UUID, lockToken string) error {
	return m.terminal(id, lockToken, models.JobStatusCancelled, nil, nil)
}

// terminal resolves stale-recovery races by lock-token check, not timestamp
// comparison: a zombie worker whose job was re-leased holds a stale token and
// gets ErrLeaseLost instead of corrupting the new holder's run.
func (m *Memory) terminal(id uuid.UUID, lockToken string, status models.JobStatus, code, message *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminalState
	}
	if job.Status != models.JobStatusRunning || job.LockToken == nil || *job.LockToken != lockToken {
		return ErrLeaseLost
	}

	now := time.Now()
	job.Status = status
	job.LockToken = nil
	job.CompletedAt = &now
	job.ErrorCode = code
	job.ErrorMessage = message
	if status == models.JobStatusCompleted {
		job.Stage = models.StageCompleted
		job.Progress = 100
	}
	return nil
}

func (m *Memory) RequestCancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminalState
	}
	job.CancelRequested = true
	return nil
}

func (m *Memory) UpdateProgress(ctx context.Context, id uuid.UUID, lockToken, stage string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning || job.LockToken == nil || *job.LockToken != lockToken {
		return ErrLeaseLost
	}
	job.Stage = stage
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}
