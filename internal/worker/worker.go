package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/storyreel/storyreel/internal/cache"
	"github.com/storyreel/storyreel/internal/jobstore"
	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/pipeline"
	"github.com/storyreel/storyreel/internal/publish"
)

// ---------------------------------------------------------------------------
// Worker Loop
//
// Competing consumer over the job store: polls with exponential backoff,
// leases one job at a time, keeps the lease alive with a heartbeat
// goroutine, and runs the pipeline. A lost lease abandons the run without
// writing terminal state; whoever re-leased the job owns it now.
// ---------------------------------------------------------------------------

const (
	pollMin = 500 * time.Millisecond
	pollMax = 8 * time.Second

	// How often the cancellation watcher re-reads job status.
	cancelPollInterval = 3 * time.Second
)

type Worker struct {
	id           string
	store        jobstore.QueueBackend
	orchestrator *pipeline.Orchestrator
	publisher    *publish.Publisher

	// snapshots is optional; nil disables progress snapshot writes.
	snapshots *cache.Cache

	heartbeatInterval time.Duration
	staleThreshold    time.Duration
}

func New(id string, store jobstore.QueueBackend, orch *pipeline.Orchestrator, pub *publish.Publisher, snapshots *cache.Cache, heartbeatInterval, staleThreshold time.Duration) *Worker {
	return &Worker{
		id:                id,
		store:             store,
		orchestrator:      orch,
		publisher:         pub,
		snapshots:         snapshots,
		heartbeatInterval: heartbeatInterval,
		staleThreshold:    staleThreshold,
	}
}

// Run polls for work until ctx is done. A startup stale sweep reclaims jobs
// abandoned by crashed workers; a background ticker repeats the sweep so
// long-lived deployments recover without restarts.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[Worker %s] started (heartbeat=%s, stale=%s)", w.id, w.heartbeatInterval, w.staleThreshold)

	w.requeueStale(ctx)
	go w.staleSweeper(ctx)

	backoff := pollMin
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %s] shutting down", w.id)
			return
		default:
		}

		job, err := w.store.LeaseNext(ctx, time.Now(), w.id)
		if err != nil {
			log.Printf("[Worker %s] lease error: %v", w.id, err)
			sleepCtx(ctx, backoff)
			continue
		}
		if job == nil {
			sleepCtx(ctx, backoff)
			backoff *= 2
			if backoff > pollMax {
				backoff = pollMax
			}
			continue
		}

		backoff = pollMin
		w.process(ctx, job)
	}
}

func (w *Worker) staleSweeper(ctx context.Context) {
	interval := w.staleThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.requeueStale(ctx)
		}
	}
}

func (w *Worker) requeueStale(ctx context.Context) {
	n, err := w.store.RequeueStale(ctx, time.Now(), w.staleThreshold)
	if err != nil {
		log.Printf("[Worker %s] stale sweep failed: %v", w.id, err)
		return
	}
	if n > 0 {
		log.Printf("[Worker %s] requeued %d stale jobs", w.id, n)
	}
}

// process runs one leased job to a terminal state, or abandons it when the
// lease is lost.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	lockToken := ""
	if job.LockToken != nil {
		lockToken = *job.LockToken
	}
	log.Printf("[Worker %s] processing job %s (attempt %d)", w.id, job.ID, job.Attempts)

	// Idempotency short-circuit: a completed summary on disk means a prior
	// holder finished the work but died before writing terminal status.
	if prior, err := pipeline.LoadSummary(w.orchestrator.JobDir(job.ID.String())); err == nil && prior != nil && prior.State == "completed" {
		log.Printf("[Worker %s] job %s already has a completed summary (prior run took %dms), skipping re-run", w.id, job.ID, prior.ElapsedMs)
		w.finishCompleted(ctx, job, lockToken)
		return
	} else if errors.Is(err, models.ErrSummaryVersion) {
		log.Printf("[Worker %s] job %s has an incompatible summary, re-running", w.id, job.ID)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var leaseLost atomic.Bool
	var cancelRequested atomic.Bool

	// Tracks the stage the run has reached, for classifying raw errors.
	// job.Stage only reflects the enqueue-time value.
	var currentStage atomic.Value
	currentStage.Store(models.StageQueued)
	stageNow := func() string { return currentStage.Load().(string) }

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.RenewLease(runCtx, job.ID, lockToken, time.Now()); err != nil {
					if errors.Is(err, jobstore.ErrLeaseLost) || errors.Is(err, jobstore.ErrTerminalState) {
						log.Printf("[Worker %s] job %s lease lost, abandoning run", w.id, job.ID)
						leaseLost.Store(true)
						cancelRun()
						return
					}
					log.Printf("[Worker %s] job %s heartbeat failed: %v", w.id, job.ID, err)
				}
			}
		}
	}()

	// Cancellation watcher: cooperative, observed at the next checkpoint.
	go func() {
		check := func() bool {
			current, err := w.store.Get(runCtx, job.ID)
			if err == nil && current.CancelRequested {
				cancelRequested.Store(true)
				return true
			}
			return false
		}
		if check() {
			return
		}
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if check() {
					return
				}
			}
		}
	}()

	progress := func(stage string, pct int) error {
		currentStage.Store(stage)
		if leaseLost.Load() {
			return jobstore.ErrLeaseLost
		}
		if cancelRequested.Load() {
			return models.ErrCancelled
		}
		if err := w.store.UpdateProgress(runCtx, job.ID, lockToken, stage, pct); err != nil {
			if errors.Is(err, jobstore.ErrLeaseLost) || errors.Is(err, jobstore.ErrTerminalState) {
				leaseLost.Store(true)
				return jobstore.ErrLeaseLost
			}
			// Progress writes are advisory; a transient store error must
			// not kill the run.
			log.Printf("[Worker %s] job %s progress write failed: %v", w.id, job.ID, err)
		}
		w.writeSnapshot(runCtx, job, models.JobStatusRunning, stage, pct)
		return nil
	}

	err := w.runPipeline(runCtx, job, progress, stageNow)

	cancelRun()
	<-heartbeatDone

	switch {
	case err == nil:
		w.finishCompleted(ctx, job, lockToken)

	case leaseLost.Load() || errors.Is(err, jobstore.ErrLeaseLost):
		log.Printf("[Worker %s] job %s abandoned without terminal write", w.id, job.ID)

	case errors.Is(err, models.ErrCancelled):
		if merr := w.store.MarkCancelled(ctx, job.ID, lockToken); merr != nil {
			log.Printf("[Worker %s] job %s mark cancelled failed: %v", w.id, job.ID, merr)
			return
		}
		w.writeSnapshot(ctx, job, models.JobStatusCancelled, stageNow(), job.Progress)
		log.Printf("[Worker %s] job %s cancelled", w.id, job.ID)

	default:
		perr := models.ClassifyError(err, stageNow())
		if merr := w.store.MarkFailed(ctx, job.ID, lockToken, string(perr.Code), perr.Message); merr != nil {
			log.Printf("[Worker %s] job %s mark failed failed: %v", w.id, job.ID, merr)
			return
		}
		w.writeSnapshot(ctx, job, models.JobStatusFailed, perr.Phase, job.Progress)
		log.Printf("[Worker %s] job %s failed: %s", w.id, job.ID, perr)
	}
}

// runPipeline isolates the orchestrator call so a panic in any stage or
// provider is classified instead of killing the worker process. stageNow
// reports the stage the run had reached when the panic surfaced.
func (w *Worker) runPipeline(ctx context.Context, job *models.Job, progress pipeline.ProgressFunc, stageNow func() string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewPipelineError(models.ErrCodeUnknown, stageNow(), fmt.Sprintf("pipeline panic: %v", r))
			log.Printf("[Worker %s] job %s panicked: %v", w.id, job.ID, r)
		}
	}()

	_, err = w.orchestrator.Run(ctx, job, progress)
	return err
}

func (w *Worker) finishCompleted(ctx context.Context, job *models.Job, lockToken string) {
	if err := w.store.MarkCompleted(ctx, job.ID, lockToken); err != nil {
		if errors.Is(err, jobstore.ErrLeaseLost) {
			log.Printf("[Worker %s] job %s completed but lease was lost, leaving terminal write to the new holder", w.id, job.ID)
			return
		}
		log.Printf("[Worker %s] job %s mark completed failed: %v", w.id, job.ID, err)
		return
	}

	w.writeSnapshot(ctx, job, models.JobStatusCompleted, models.StageCompleted, 100)
	log.Printf("[Worker %s] job %s completed", w.id, job.ID)

	// Best-effort: publish failures never flip a completed job.
	if w.publisher != nil {
		if _, _, err := w.publisher.PublishJobDir(ctx, job.ID.String(), w.orchestrator.JobDir(job.ID.String())); err != nil {
			log.Printf("[Worker %s] job %s artifact publish failed: %v", w.id, job.ID, err)
		}
	}
}

func (w *Worker) writeSnapshot(ctx context.Context, job *models.Job, status models.JobStatus, stage string, progress int) {
	if w.snapshots == nil {
		return
	}
	snap := cache.Snapshot{JobID: job.ID, Status: status, Stage: stage, Progress: progress}
	if err := w.snapshots.SetSnapshot(ctx, snap); err != nil {
		log.Printf("[Worker %s] job %s snapshot write failed: %v", w.id, job.ID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
