package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storyreel/storyreel/internal/cache"
	"github.com/storyreel/storyreel/internal/jobstore"
	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/pipeline"
)

// Handler is the thin external surface: submit a render plan, poll status,
// request cancellation. Everything interesting happens in the worker.
type Handler struct {
	store jobstore.QueueBackend

	// snapshots serves hot status reads without touching the job store;
	// nil disables the fast path.
	snapshots *cache.Cache

	// workRoot locates job summaries for finished-job status responses.
	workRoot string
}

func NewHandler(store jobstore.QueueBackend, snapshots *cache.Cache, workRoot string) *Handler {
	return &Handler{store: store, snapshots: snapshots, workRoot: workRoot}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate up front so a bad plan never occupies a worker slot.
	if _, err := req.Plan.NormalizedScenes(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := req.Plan.PaceMultiplier(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &models.Job{
		ID:          uuid.New(),
		Plan:        req.Plan,
		ParentJobID: req.ParentJobID,
	}

	if err := h.store.Enqueue(r.Context(), job); err != nil {
		log.Printf("[API] enqueue failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusCreated, models.SubmitJobResponse{
		JobID:  job.ID,
		Status: models.JobStatusQueued,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to read job")
		return
	}

	resp := models.JobStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Stage:        job.Stage,
		Progress:     job.Progress,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
	}

	// The snapshot cache may be ahead of the job store mid-run: progress
	// writes are advisory and a transient store error skips them.
	if h.snapshots != nil && !job.Status.Terminal() {
		if snap, serr := h.snapshots.GetSnapshot(r.Context(), job.ID); serr == nil && snap != nil {
			if snap.Progress > resp.Progress {
				resp.Stage = snap.Stage
				resp.Progress = snap.Progress
			}
		}
	}

	// A finished run's summary carries the asset list and final video.
	if job.Status.Terminal() && h.workRoot != "" {
		summary, serr := pipeline.LoadSummary(h.jobDir(job.ID))
		if serr != nil && !errors.Is(serr, models.ErrSummaryVersion) {
			log.Printf("[API] job %s: summary read failed: %v", job.ID, serr)
		}
		if summary != nil {
			resp.Assets = summary.Assets
			resp.FinalVideo = summary.FinalVideo
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	if err := h.store.RequestCancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, jobstore.ErrJobNotFound):
			respondError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, jobstore.ErrTerminalState):
			respondError(w, http.StatusConflict, "Job already finished")
		default:
			respondError(w, http.StatusInternalServerError, "Failed to request cancellation")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (h *Handler) jobDir(id uuid.UUID) string {
	return filepath.Join(h.workRoot, id.String())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
