package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyreel/storyreel/internal/audio"
	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/render"
	"github.com/storyreel/storyreel/internal/services"
	"github.com/storyreel/storyreel/internal/storage"
)

type fakeImages struct {
	err   error
	calls int
}

func (f *fakeImages) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png-bytes"), nil
}

type fakePacer struct {
	err error
}

func (f *fakePacer) PaceScene(ctx context.Context, scene models.Scene, voice string, pace float64, workDir string) (*audio.SceneAudio, error) {
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(workDir, fmt.Sprintf("scene_%d.mp3", scene.Index))
	if err := os.WriteFile(path, []byte("mp3"), 0644); err != nil {
		return nil, err
	}
	return &audio.SceneAudio{Path: path, Duration: scene.Duration, StretchRatio: 1.0}, nil
}

type fakeRenderer struct {
	err    error
	inputs []render.SceneInput
}

func (f *fakeRenderer) Render(ctx context.Context, scenes []render.SceneInput, workDir string, quality models.QualityMode) (*render.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = scenes
	path := filepath.Join(workDir, "stitched.mp4")
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		return nil, err
	}
	return &render.Result{VideoPath: path, Encoder: "stub"}, nil
}

func testPlan(n int) models.RenderPlan {
	plan := models.RenderPlan{Topic: "test", Voice: "nova", Publish: true}
	for i := 0; i < n; i++ {
		plan.Scenes = append(plan.Scenes, models.ScenePlan{
			Prompt:    fmt.Sprintf("prompt %d", i),
			Narration: fmt.Sprintf("narration line %d", i),
			Duration:  5.0,
		})
	}
	return plan
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeImages, *fakeRenderer) {
	t.Helper()
	store, err := storage.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	images := &fakeImages{}
	renderer := &fakeRenderer{}
	return &Orchestrator{
		Images:   images,
		Audio:    &fakePacer{},
		Renderer: renderer,
		Store:    store,
		WorkRoot: t.TempDir(),
	}, images, renderer
}

func testJob(n int) *models.Job {
	return &models.Job{ID: uuid.New(), Plan: testPlan(n), Status: models.JobStatusRunning}
}

func TestRunHappyPath(t *testing.T) {
	o, _, renderer := newTestOrchestrator(t)
	job := testJob(3)

	var stages []string
	var percents []int
	summary, err := o.Run(context.Background(), job, func(stage string, pct int) error {
		stages = append(stages, stage)
		percents = append(percents, pct)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "completed", summary.State)
	assert.Nil(t, summary.Error)
	assert.Equal(t, models.SummarySchemaVersion, summary.SchemaVersion)
	assert.NotEmpty(t, summary.FinalVideo)
	assert.Equal(t, job.Plan.Topic, summary.Plan.Topic)

	// Progress is monotonically increasing and finishes at 100.
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])
	assert.Contains(t, stages, models.StageImages)
	assert.Contains(t, stages, models.StageUpload)

	// Render inputs preserve scene order.
	require.Len(t, renderer.inputs, 3)
	for i, in := range renderer.inputs {
		assert.Equal(t, i, in.Index)
	}

	// Assets cover every stage output.
	var images, audios, videos int
	for _, a := range summary.Assets {
		switch a.Type {
		case models.AssetTypeImage:
			images++
		case models.AssetTypeAudio:
			audios++
		case models.AssetTypeVideo:
			videos++
		}
	}
	assert.Equal(t, 3, images)
	assert.Equal(t, 3, audios)
	assert.Equal(t, 1, videos)

	// Summary marker exists on disk and loads back.
	loaded, err := LoadSummary(o.JobDir(job.ID.String()))
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "completed", loaded.State)
}

func TestRunTTSFailureKeepsEarlierAssets(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.Audio = &fakePacer{err: models.NewPipelineError(models.ErrCodeTTSFailure, models.StageTTS, "all providers down")}
	job := testJob(2)

	summary, err := o.Run(context.Background(), job, nil)
	require.Error(t, err)

	assert.Equal(t, "error", summary.State)
	require.NotNil(t, summary.Error)
	assert.Equal(t, models.ErrCodeTTSFailure, summary.Error.Code)
	assert.Equal(t, models.StageTTS, summary.Error.Phase)

	// Image assets from the completed stage survive into the summary.
	assert.NotEmpty(t, summary.Assets)
	for _, a := range summary.Assets {
		assert.Equal(t, models.AssetTypeImage, a.Type)
	}
}

func TestRunCooperativeCancellation(t *testing.T) {
	o, images, _ := newTestOrchestrator(t)
	job := testJob(3)

	calls := 0
	summary, err := o.Run(context.Background(), job, func(stage string, pct int) error {
		calls++
		if calls >= 2 {
			return models.ErrCancelled
		}
		return nil
	})
	require.ErrorIs(t, err, models.ErrCancelled)

	assert.Equal(t, "cancelled", summary.State)
	assert.Nil(t, summary.Error)
	assert.Less(t, images.calls, 3, "cancellation must stop further scene work")
}

func TestRunRuntimeCeiling(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.RuntimeCeiling = time.Nanosecond
	job := testJob(1)

	summary, err := o.Run(context.Background(), job, nil)
	require.Error(t, err)

	assert.Equal(t, "error", summary.State)
	require.NotNil(t, summary.Error)
	assert.Equal(t, models.ErrCodeTimeout, summary.Error.Code)
}

func TestRunValidationFailure(t *testing.T) {
	o, images, _ := newTestOrchestrator(t)
	job := testJob(1)
	job.Plan.Scenes[0].Duration = "not-a-number"

	summary, err := o.Run(context.Background(), job, nil)
	require.Error(t, err)

	assert.Equal(t, "error", summary.State)
	require.NotNil(t, summary.Error)
	assert.Equal(t, models.ErrCodeValidationFailure, summary.Error.Code)
	assert.Contains(t, summary.Error.Message, "expected numeric value")
	assert.Zero(t, images.calls, "no provider call before validation passes")
}

func TestRunRenderFailureClassified(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.Renderer = &fakeRenderer{err: models.NewPipelineError(models.ErrCodeRenderFailure, models.StageStitch, "all encoder tiers failed")}
	job := testJob(1)

	summary, err := o.Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeRenderFailure, summary.Error.Code)
}

func TestRunClassifiesRawErrorWithCurrentStage(t *testing.T) {
	t.Run("images stage", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		o.Images = &fakeImages{err: fmt.Errorf("disk full")}
		job := testJob(2)

		summary, err := o.Run(context.Background(), job, nil)
		require.Error(t, err)

		require.NotNil(t, summary.Error)
		assert.Equal(t, models.ErrCodeUnknown, summary.Error.Code)
		assert.Equal(t, models.StageImages, summary.Error.Phase)
	})

	t.Run("tts stage", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		o.Audio = &fakePacer{err: fmt.Errorf("cache dir vanished")}
		job := testJob(2)

		summary, err := o.Run(context.Background(), job, nil)
		require.Error(t, err)

		require.NotNil(t, summary.Error)
		assert.Equal(t, models.ErrCodeUnknown, summary.Error.Code)
		assert.Equal(t, models.StageTTS, summary.Error.Phase,
			"an unclassified error carries the stage it surfaced in, not the enqueue-time stage")
	})
}

type fakeTranscriber struct{}

func (fakeTranscriber) TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]services.WordTimestamp, error) {
	return []services.WordTimestamp{
		{Word: "hello", Start: 0.1, End: 0.4},
		{Word: "world", Start: 0.4, End: 0.9},
	}, nil
}

func TestRunWritesSubtitles(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.Transcriber = fakeTranscriber{}
	job := testJob(2)

	summary, err := o.Run(context.Background(), job, nil)
	require.NoError(t, err)

	var srt string
	for _, a := range summary.Assets {
		if a.Type == models.AssetTypeSRT {
			srt = filepath.Join(o.JobDir(job.ID.String()), a.Path)
		}
	}
	require.NotEmpty(t, srt)

	data, err := os.ReadFile(srt)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	// The second scene's cue is offset by the first scene's duration.
	assert.Contains(t, string(data), "00:00:05,100")
}

func TestLoadSummaryUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	summary := models.JobSummary{SchemaVersion: 999, JobID: uuid.New(), State: "completed"}
	data, err := json.Marshal(summary)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SummaryFilename), data, 0644))

	_, err = LoadSummary(dir)
	assert.ErrorIs(t, err, models.ErrSummaryVersion)
}

func TestLoadSummaryMissing(t *testing.T) {
	summary, err := LoadSummary(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, summary)
}
