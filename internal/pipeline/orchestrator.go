package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/storyreel/storyreel/internal/audio"
	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/render"
	"github.com/storyreel/storyreel/internal/services"
	"github.com/storyreel/storyreel/internal/storage"
)

// ---------------------------------------------------------------------------
// Pipeline Orchestrator
//
// Advances a leased job through the ordered stages
// images → tts → subtitles → stitch → upload → publish. Every progress
// emission is also the cancellation and runtime-ceiling checkpoint. Stage
// outputs accumulate in the asset list as they are produced, so a failure in
// a late stage still leaves the earlier artifacts visible.
// ---------------------------------------------------------------------------

// ProgressFunc is called at every checkpoint with the current stage and a
// monotonically increasing percentage. Returning an error aborts the run;
// the worker uses this to surface cancellation and lease loss.
type ProgressFunc func(stage string, percent int) error

// Stage progress bands. Within a stage, per-scene work interpolates between
// the band's start and the next band's start.
var stageStart = map[string]int{
	models.StageImages:    0,
	models.StageTTS:       25,
	models.StageSubtitles: 50,
	models.StageStitch:    60,
	models.StageUpload:    85,
	models.StagePublish:   95,
}

// ImageGenerator produces raw image bytes for a scene prompt. The provider
// fallback chain satisfies this.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// AudioPacer synthesizes and paces narration per scene.
type AudioPacer interface {
	PaceScene(ctx context.Context, scene models.Scene, voice string, pace float64, workDir string) (*audio.SceneAudio, error)
}

// Transcriber returns word-level timestamps for narration audio. Optional;
// without one, subtitles fall back to even-spread timing.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]services.WordTimestamp, error)
}

// Renderer stitches scenes into a video.
type Renderer interface {
	Render(ctx context.Context, scenes []render.SceneInput, workDir string, quality models.QualityMode) (*render.Result, error)
}

// Orchestrator executes the render pipeline for one job at a time.
type Orchestrator struct {
	Images      ImageGenerator
	Audio       AudioPacer
	Transcriber Transcriber
	Renderer    Renderer

	// FFmpeg is used for the overlay pass and music mix. Nil (or a library
	// tier render) skips overlays with a log line instead of failing.
	FFmpeg *services.FFmpegService

	Store    storage.ObjectStore
	WorkRoot string

	// RuntimeCeiling bounds wall-clock time for one run; zero disables it.
	RuntimeCeiling time.Duration

	// MusicPath is the background music file mixed in when the plan asks.
	MusicPath string
}

// run is the per-execution state.
type run struct {
	o        *Orchestrator
	job      *models.Job
	progress ProgressFunc
	started  time.Time
	stage    string // last stage a checkpoint reported; classifies raw errors
	lastPct  int
	assets   []models.Asset
	timings  []models.StageTiming
	jobDir   string
}

// JobDir returns the work directory for a job id.
func (o *Orchestrator) JobDir(jobID string) string {
	return filepath.Join(o.WorkRoot, jobID)
}

// Run executes the full pipeline for a leased job and writes the JobSummary
// exactly once, for success, failure, and cancellation alike. The returned
// summary mirrors what was written.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job, progress ProgressFunc) (*models.JobSummary, error) {
	r := &run{
		o:        o,
		job:      job,
		progress: progress,
		started:  time.Now(),
		stage:    models.StageQueued,
		jobDir:   o.JobDir(job.ID.String()),
	}

	for _, sub := range []string{"images", "audio", "subs"} {
		if err := os.MkdirAll(filepath.Join(r.jobDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create job work dir: %w", err)
		}
	}

	finalVideo, err := r.execute(ctx)

	summary := &models.JobSummary{
		JobID:        job.ID,
		StageTimings: r.timings,
		Assets:       r.assets,
		FinalVideo:   finalVideo,
		Plan:         job.Plan,
		ElapsedMs:    time.Since(r.started).Milliseconds(),
		CreatedAt:    time.Now(),
	}

	switch {
	case err == nil:
		summary.State = "completed"
	case errors.Is(err, models.ErrCancelled):
		summary.State = "cancelled"
	default:
		summary.State = "error"
		summary.Error = models.ClassifyError(err, r.stage)
	}

	if werr := WriteSummary(r.jobDir, summary); werr != nil {
		log.Printf("[Pipeline] job %s: failed to write summary: %v", job.ID, werr)
		if err == nil {
			err = werr
		}
	}

	return summary, err
}

// checkpoint reports progress and enforces the runtime ceiling. Progress
// never decreases, whatever a stage reports.
func (r *run) checkpoint(stage string, pct int) error {
	r.stage = stage
	if pct < r.lastPct {
		pct = r.lastPct
	}
	r.lastPct = pct

	if r.o.RuntimeCeiling > 0 && time.Since(r.started) > r.o.RuntimeCeiling {
		return models.NewPipelineError(models.ErrCodeTimeout, stage, "runtime ceiling exceeded").
			WithMeta("elapsed_ms", time.Since(r.started).Milliseconds()).
			WithMeta("ceiling_ms", r.o.RuntimeCeiling.Milliseconds())
	}

	if r.progress != nil {
		if err := r.progress(stage, pct); err != nil {
			return err
		}
	}
	return nil
}

// scenePct interpolates progress within a stage's band.
func scenePct(stage string, done, total int) int {
	start := stageStart[stage]
	end := 100
	switch stage {
	case models.StageImages:
		end = stageStart[models.StageTTS]
	case models.StageTTS:
		end = stageStart[models.StageSubtitles]
	case models.StageSubtitles:
		end = stageStart[models.StageStitch]
	case models.StageStitch:
		end = stageStart[models.StageUpload]
	case models.StageUpload:
		end = stageStart[models.StagePublish]
	}
	if total <= 0 {
		return start
	}
	return start + (end-start)*done/total
}

func (r *run) timeStage(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.timings = append(r.timings, models.StageTiming{
		Stage:      stage,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return err
}

func (r *run) execute(ctx context.Context) (string, error) {
	plan := &r.job.Plan

	scenes, err := plan.NormalizedScenes()
	if err != nil {
		return "", models.WrapPipelineError(err, models.ErrCodeValidationFailure, models.StageQueued, "invalid render plan")
	}
	pace, err := plan.PaceMultiplier()
	if err != nil {
		return "", models.WrapPipelineError(err, models.ErrCodeValidationFailure, models.StageQueued, "invalid render plan")
	}
	quality := plan.QualityOrDefault()

	log.Printf("[Pipeline] job %s: %d scenes, quality=%s, pace=%.2f", r.job.ID, len(scenes), quality, pace)

	// images
	imagePaths := make([]string, len(scenes))
	err = r.timeStage(models.StageImages, func() error {
		for i, scene := range scenes {
			if err := r.checkpoint(models.StageImages, scenePct(models.StageImages, i, len(scenes))); err != nil {
				return err
			}
			data, err := r.o.Images.GenerateImage(ctx, scene.Prompt)
			if err != nil {
				return err
			}
			path := filepath.Join(r.jobDir, "images", fmt.Sprintf("scene_%d.png", i))
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to write scene image: %w", err)
			}
			imagePaths[i] = path
			r.addAsset(models.AssetTypeImage, path, fmt.Sprintf("scene %d image", i))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// tts
	audioDir := filepath.Join(r.jobDir, "audio")
	sceneAudio := make([]*audio.SceneAudio, len(scenes))
	err = r.timeStage(models.StageTTS, func() error {
		for i, scene := range scenes {
			if err := r.checkpoint(models.StageTTS, scenePct(models.StageTTS, i, len(scenes))); err != nil {
				return err
			}
			sa, err := r.o.Audio.PaceScene(ctx, scene, plan.Voice, pace, audioDir)
			if err != nil {
				return err
			}
			sceneAudio[i] = sa
			r.addAsset(models.AssetTypeAudio, sa.Path, fmt.Sprintf("scene %d narration", i))
			log.Printf("[Pipeline] job %s: scene %d audio %.2fs (paced=%v, cacheHit=%v)",
				r.job.ID, i, sa.Duration, sa.Paced, sa.CacheHit)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// subtitles
	srtPath := filepath.Join(r.jobDir, "subs", "captions.srt")
	err = r.timeStage(models.StageSubtitles, func() error {
		if err := r.checkpoint(models.StageSubtitles, stageStart[models.StageSubtitles]); err != nil {
			return err
		}
		cues := r.buildCues(ctx, scenes, sceneAudio, plan.Language)
		if len(cues) == 0 {
			log.Printf("[Pipeline] job %s: no subtitle cues produced, skipping captions", r.job.ID)
			srtPath = ""
			return nil
		}
		if err := services.WriteSRT(cues, srtPath); err != nil {
			return err
		}
		r.addAsset(models.AssetTypeSRT, srtPath, "captions")
		return nil
	})
	if err != nil {
		return "", err
	}

	// stitch
	var finalPath string
	err = r.timeStage(models.StageStitch, func() error {
		if err := r.checkpoint(models.StageStitch, stageStart[models.StageStitch]); err != nil {
			return err
		}

		inputs := make([]render.SceneInput, len(scenes))
		for i, scene := range scenes {
			inputs[i] = render.SceneInput{
				Index:     i,
				ImagePath: imagePaths[i],
				AudioPath: sceneAudio[i].Path,
				Narration: scene.Narration,
				Duration:  sceneAudio[i].Duration,
			}
		}

		result, err := r.o.Renderer.Render(ctx, inputs, r.jobDir, quality)
		if err != nil {
			return err
		}

		if err := r.checkpoint(models.StageStitch, scenePct(models.StageStitch, 4, 5)); err != nil {
			return err
		}

		finalPath, err = r.finalize(ctx, result, plan, quality, srtPath)
		return err
	})
	if err != nil {
		return "", err
	}
	r.addAsset(models.AssetTypeVideo, finalPath, "final video")

	// upload
	videoKey := fmt.Sprintf("%s/%s", r.job.ID, filepath.Base(finalPath))
	err = r.timeStage(models.StageUpload, func() error {
		if err := r.checkpoint(models.StageUpload, stageStart[models.StageUpload]); err != nil {
			return err
		}
		if err := r.o.Store.PutFile(ctx, videoKey, finalPath); err != nil {
			return models.WrapPipelineError(err, models.ErrCodeUnknown, models.StageUpload, "failed to upload final video")
		}
		if srtPath != "" {
			if err := r.o.Store.PutFile(ctx, fmt.Sprintf("%s/captions.srt", r.job.ID), srtPath); err != nil {
				return models.WrapPipelineError(err, models.ErrCodeUnknown, models.StageUpload, "failed to upload captions")
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// publish
	finalVideo := finalPath
	err = r.timeStage(models.StagePublish, func() error {
		if err := r.checkpoint(models.StagePublish, stageStart[models.StagePublish]); err != nil {
			return err
		}
		if plan.Publish {
			finalVideo = r.o.Store.GetURL(videoKey)
			log.Printf("[Pipeline] job %s: published at %s", r.job.ID, finalVideo)
		}
		return r.checkpoint(models.StageCompleted, 100)
	})
	if err != nil {
		return "", err
	}

	return finalVideo, nil
}

// buildCues assembles subtitle cues across all scenes. Transcription failures
// degrade to even-spread timing per scene rather than failing the stage.
func (r *run) buildCues(ctx context.Context, scenes []models.Scene, sceneAudio []*audio.SceneAudio, language string) []services.SubtitleCue {
	var cues []services.SubtitleCue
	offset := 0.0
	for i, scene := range scenes {
		sa := sceneAudio[i]

		var sceneCues []services.SubtitleCue
		if r.o.Transcriber != nil {
			data, err := os.ReadFile(sa.Path)
			if err == nil {
				words, terr := r.o.Transcriber.TranscribeAudio(ctx, data, language)
				if terr == nil {
					sceneCues = services.CuesFromWords(words, offset)
				} else {
					log.Printf("[Pipeline] job %s: scene %d transcription failed, using even spread: %v", r.job.ID, i, terr)
				}
			}
		}
		if sceneCues == nil {
			// Spread over the spoken part only; the lead-in pad is silent.
			sceneCues = services.EvenSpreadCues(scene.Narration, offset+sa.LeadInSec, sa.Duration-sa.LeadInSec)
		}

		cues = append(cues, sceneCues...)
		offset += sa.Duration
	}
	return cues
}

// finalize applies the overlay pass (subtitle burn, watermark, music) on
// encoder tiers that support it and moves the result to its final location.
func (r *run) finalize(ctx context.Context, result *render.Result, plan *models.RenderPlan, quality models.QualityMode, srtPath string) (string, error) {
	ext := filepath.Ext(result.VideoPath)
	finalPath := filepath.Join(r.jobDir, "final"+ext)

	if r.o.FFmpeg == nil || result.Encoder == "library" {
		if plan.Watermark != "" || srtPath != "" || plan.Music {
			log.Printf("[Pipeline] job %s: overlays unsupported on %s tier, skipping", r.job.ID, result.Encoder)
		}
		if err := os.Rename(result.VideoPath, finalPath); err != nil {
			return "", fmt.Errorf("failed to move final video: %w", err)
		}
		return finalPath, nil
	}

	overlaid := result.VideoPath
	if plan.Watermark != "" || srtPath != "" {
		overlaid = filepath.Join(r.jobDir, "overlaid"+ext)
		err := r.o.FFmpeg.Finalize(ctx, result.VideoPath, overlaid, services.FinalizeOptions{
			WatermarkText: plan.Watermark,
			SubtitlePath:  srtPath,
			Encoder:       result.Encoder,
			Quality:       quality,
		})
		if err != nil {
			return "", models.WrapPipelineError(err, models.ErrCodeRenderFailure, models.StageStitch, "overlay pass failed")
		}
	}

	if plan.Music && r.o.MusicPath != "" {
		if _, err := os.Stat(r.o.MusicPath); err == nil {
			if err := r.o.FFmpeg.MixBackgroundMusic(ctx, overlaid, r.o.MusicPath, finalPath); err != nil {
				return "", models.WrapPipelineError(err, models.ErrCodeRenderFailure, models.StageStitch, "music mix failed")
			}
			return finalPath, nil
		}
		log.Printf("[Pipeline] job %s: music file %s missing, skipping mix", r.job.ID, r.o.MusicPath)
	}

	if err := os.Rename(overlaid, finalPath); err != nil {
		return "", fmt.Errorf("failed to move final video: %w", err)
	}
	return finalPath, nil
}

func (r *run) addAsset(t models.AssetType, path, label string) {
	rel, err := filepath.Rel(r.jobDir, path)
	if err != nil {
		rel = path
	}
	r.assets = append(r.assets, models.Asset{Type: t, Path: rel, Label: label})
}
