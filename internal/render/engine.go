package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/services"
)

// ---------------------------------------------------------------------------
// Video Render Engine
//
// Renders per-scene clips in parallel and concatenates them in scene order.
// Encoders are tried tier by tier: hardware H.264, then software x264, then
// an in-process library compositor that needs no external tooling at all.
// A tier failure fails the whole job over to the next tier, never a single
// scene, so one video never mixes encoder output.
// ---------------------------------------------------------------------------

// SceneInput is everything a scene render needs.
type SceneInput struct {
	Index     int
	ImagePath string
	AudioPath string
	Narration string
	Duration  float64 // seconds
}

// SceneEncoder renders individual scene clips and joins them. Implementations
// must be safe for concurrent RenderScene calls.
type SceneEncoder interface {
	Name() string
	// Ext is the container extension the encoder produces, e.g. ".mp4".
	Ext() string
	RenderScene(ctx context.Context, in SceneInput, outputPath string, quality models.QualityMode) error
	Concatenate(ctx context.Context, clipPaths []string, outputPath string) error
}

// ffmpegEncoder adapts FFmpegService to a specific H.264 encoder name.
type ffmpegEncoder struct {
	svc     *services.FFmpegService
	encoder string
}

func (f *ffmpegEncoder) Name() string { return f.encoder }
func (f *ffmpegEncoder) Ext() string  { return ".mp4" }

func (f *ffmpegEncoder) RenderScene(ctx context.Context, in SceneInput, outputPath string, quality models.QualityMode) error {
	effect := services.EffectForScene(in.Index)
	return f.svc.RenderScene(ctx, in.ImagePath, in.AudioPath, outputPath, effect, in.Duration, quality, f.encoder)
}

func (f *ffmpegEncoder) Concatenate(ctx context.Context, clipPaths []string, outputPath string) error {
	return f.svc.ConcatenateScenes(ctx, clipPaths, outputPath)
}

// Engine coordinates scene rendering across encoder tiers.
type Engine struct {
	encoders []SceneEncoder
	cache    *Cache
	workers  int
}

// NewEngine builds the encoder tier list by probing capabilities once.
// ffmpegSvc may be nil when the binary is absent; the library compositor is
// always the last tier.
func NewEngine(ctx context.Context, ffmpegSvc *services.FFmpegService, cache *Cache, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}

	var encoders []SceneEncoder
	if ffmpegSvc != nil && ffmpegSvc.Available() {
		best := ffmpegSvc.DetectEncoder(ctx)
		if best != "libx264" {
			encoders = append(encoders, &ffmpegEncoder{svc: ffmpegSvc, encoder: best})
		}
		encoders = append(encoders, &ffmpegEncoder{svc: ffmpegSvc, encoder: "libx264"})
	} else {
		log.Printf("[Render] ffmpeg unavailable, library compositor is the only tier")
	}
	encoders = append(encoders, NewLibraryEncoder())

	names := make([]string, len(encoders))
	for i, e := range encoders {
		names[i] = e.Name()
	}
	log.Printf("[Render] encoder tiers: %v (workers=%d)", names, workers)

	return &Engine{encoders: encoders, cache: cache, workers: workers}
}

// NewEngineWithEncoders wires an explicit tier list, used by tests.
func NewEngineWithEncoders(cache *Cache, workers int, encoders ...SceneEncoder) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{encoders: encoders, cache: cache, workers: workers}
}

// Result describes a finished render.
type Result struct {
	VideoPath  string
	Encoder    string // tier that produced the final video
	CacheHits  int
	SceneClips []string // in scene order
}

// Render produces the stitched video for the given scenes. Scenes render in
// parallel with bounded fan-out; concatenation preserves scene order
// regardless of completion order. On encoder failure, the whole job retries
// on the next tier.
func (e *Engine) Render(ctx context.Context, scenes []SceneInput, workDir string, quality models.QualityMode) (*Result, error) {
	if len(scenes) == 0 {
		return nil, models.NewPipelineError(models.ErrCodeValidationFailure, models.StageStitch, "no scenes to render")
	}

	var lastErr error
	for tierIdx, encoder := range e.encoders {
		result, err := e.renderWithEncoder(ctx, encoder, scenes, workDir, quality)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if tierIdx < len(e.encoders)-1 {
			log.Printf("[Render] tier %s failed, falling back to %s: %v",
				encoder.Name(), e.encoders[tierIdx+1].Name(), err)
		}
	}

	return nil, models.WrapPipelineError(lastErr, models.ErrCodeRenderFailure, models.StageStitch, "all encoder tiers failed")
}

func (e *Engine) renderWithEncoder(ctx context.Context, encoder SceneEncoder, scenes []SceneInput, workDir string, quality models.QualityMode) (*Result, error) {
	clips := make([]string, len(scenes))
	cacheHits := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	// Each goroutine writes only its own index, so no lock is needed.
	hitFlags := make([]bool, len(scenes))

	for i, scene := range scenes {
		i, scene := i, scene
		g.Go(func() error {
			key := SceneKey(scene.ImagePath, scene.Narration, scene.Duration, string(quality))

			if cached, ok := e.cache.Lookup(encoder.Name(), key, encoder.Ext()); ok {
				log.Printf("[Render] scene %d: cache hit (%s)", scene.Index, encoder.Name())
				clips[i] = cached
				hitFlags[i] = true
				return nil
			}

			out := filepath.Join(workDir, fmt.Sprintf("scene_%d_%s%s", scene.Index, encoder.Name(), encoder.Ext()))
			if err := encoder.RenderScene(gctx, scene, out, quality); err != nil {
				return fmt.Errorf("scene %d: %w", scene.Index, err)
			}

			cached, err := e.cache.Store(encoder.Name(), key, encoder.Ext(), out)
			if err != nil {
				// A cache write failure is not a render failure.
				log.Printf("[Render] scene %d: cache store failed: %v", scene.Index, err)
				clips[i] = out
				return nil
			}
			os.Remove(out)
			clips[i] = cached
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, hit := range hitFlags {
		if hit {
			cacheHits++
		}
	}

	finalPath := filepath.Join(workDir, "stitched"+encoder.Ext())
	if err := encoder.Concatenate(ctx, clips, finalPath); err != nil {
		return nil, fmt.Errorf("concatenation failed: %w", err)
	}

	log.Printf("[Render] stitched %d scenes with %s (%d cache hits)", len(scenes), encoder.Name(), cacheHits)

	return &Result{
		VideoPath:  finalPath,
		Encoder:    encoder.Name(),
		CacheHits:  cacheHits,
		SceneClips: clips,
	}, nil
}
