package audio

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/services"
)

// ---------------------------------------------------------------------------
// Audio Pacing Engine
//
// For each scene, synthesizes narration audio and reconciles its natural
// duration against the scene's target duration. Synthesis results are cached
// on disk keyed by (voice, normalized text, pace), so retried jobs and
// duplicate scenes never pay for a second provider call.
// ---------------------------------------------------------------------------

const (
	// Relative difference between raw and target duration that triggers a
	// time-stretch. Below this, the raw audio is used unchanged.
	paceTolerance = 0.02

	// Stretch ratios outside this band produce audible tempo artifacts, so
	// the computed ratio is clamped to it.
	stretchMin = 0.98
	stretchMax = 1.02

	// Fade ramps applied after silence trimming, to avoid clicks at
	// concatenation boundaries.
	fadeMs = 40

	// Silence pad prepended after trimming. The pad goes on last so the trim
	// cannot strip it; it keeps the first word off the scene boundary and
	// gives transitions a natural pause.
	leadInMs = 500
)

// Synthesizer produces narration audio for a scene. The provider fallback
// chain satisfies this.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, pace float64) (*services.SpeechResult, error)
}

// Processor covers the audio post-processing operations the engine needs.
// FFmpegService satisfies this.
type Processor interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	Stretch(ctx context.Context, inputPath, outputPath string, ratio float64) error
	TrimAndFade(ctx context.Context, inputPath, outputPath string, fadeMs int) error
	PrependSilence(ctx context.Context, inputPath, outputPath string, silenceMs int) error
}

// SceneAudio is the per-scene pacing result.
type SceneAudio struct {
	Path         string  // final processed audio file
	Duration     float64 // seconds, after processing, lead-in included
	LeadInSec    float64 // leading silence pad before the first word
	Paced        bool    // whether a time-stretch was applied
	StretchRatio float64 // 1.0 when no stretch was applied
	CacheHit     bool
	LatencyMs    int64 // synthesis latency; 0 on cache hit
}

// Engine synthesizes and paces scene narration.
type Engine struct {
	synth    Synthesizer
	proc     Processor
	cacheDir string
}

func NewEngine(synth Synthesizer, proc Processor, cacheDir string) (*Engine, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audio cache dir: %w", err)
	}
	return &Engine{synth: synth, proc: proc, cacheDir: cacheDir}, nil
}

// CacheKey derives the content-addressed key for a synthesis request.
// Whitespace in the text is collapsed so formatting differences in plan JSON
// do not defeat the cache.
func CacheKey(voice, text string, pace float64) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.3f", voice, normalized, pace)))
	return fmt.Sprintf("%x", sum)
}

// sidecar is the duration metadata stored next to each cached audio file, so
// a cache hit does not need to re-probe the file.
type sidecar struct {
	Duration float64 `json:"duration"`
}

func (e *Engine) cachePaths(key string) (audioPath, metaPath string) {
	return filepath.Join(e.cacheDir, key+".mp3"), filepath.Join(e.cacheDir, key+".json")
}

// lookupCache returns the cached audio path and duration for key, or ok=false.
// A cache entry is only valid when both the audio and its sidecar exist.
func (e *Engine) lookupCache(key string) (string, float64, bool) {
	audioPath, metaPath := e.cachePaths(key)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return "", 0, false
	}
	if _, err := os.Stat(audioPath); err != nil {
		return "", 0, false
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil || meta.Duration <= 0 {
		return "", 0, false
	}
	return audioPath, meta.Duration, true
}

// storeCache writes audio bytes and the duration sidecar. Audio is written
// first via rename so a concurrent reader never sees a file without metadata.
func (e *Engine) storeCache(key string, audioData []byte, duration float64) error {
	audioPath, metaPath := e.cachePaths(key)

	tmp := audioPath + ".tmp"
	if err := os.WriteFile(tmp, audioData, 0644); err != nil {
		return fmt.Errorf("failed to write cached audio: %w", err)
	}
	if err := os.Rename(tmp, audioPath); err != nil {
		return fmt.Errorf("failed to finalize cached audio: %w", err)
	}

	meta, _ := json.Marshal(sidecar{Duration: duration})
	if err := os.WriteFile(metaPath, meta, 0644); err != nil {
		return fmt.Errorf("failed to write audio sidecar: %w", err)
	}
	return nil
}

// PaceScene synthesizes narration for one scene and reconciles its duration
// against the scene's target. workDir receives the per-job processed output;
// the raw synthesis lives in the shared cache.
func (e *Engine) PaceScene(ctx context.Context, scene models.Scene, voice string, pace float64, workDir string) (*SceneAudio, error) {
	key := CacheKey(voice, scene.Narration, pace)

	result := &SceneAudio{StretchRatio: 1.0}

	rawPath, rawDuration, hit := e.lookupCache(key)
	if hit {
		result.CacheHit = true
		log.Printf("[Pacing] scene %d: cache hit (key=%s, duration=%.2fs)", scene.Index, key[:12], rawDuration)
	} else {
		start := time.Now()
		speech, err := e.synth.Synthesize(ctx, scene.Narration, voice, pace)
		if err != nil {
			return nil, err
		}
		result.LatencyMs = time.Since(start).Milliseconds()

		// Probe from a temp file before committing to the cache.
		probeTmp := filepath.Join(e.cacheDir, key+".probe")
		if err := os.WriteFile(probeTmp, speech.AudioData, 0644); err != nil {
			return nil, fmt.Errorf("failed to write synthesis output: %w", err)
		}
		rawDuration, err = e.proc.ProbeDuration(ctx, probeTmp)
		os.Remove(probeTmp)
		if err != nil {
			return nil, fmt.Errorf("failed to probe synthesized audio: %w", err)
		}

		if err := e.storeCache(key, speech.AudioData, rawDuration); err != nil {
			return nil, err
		}
		rawPath, _ = e.cachePaths(key)
		log.Printf("[Pacing] scene %d: synthesized %.2fs in %dms (key=%s)",
			scene.Index, rawDuration, result.LatencyMs, key[:12])
	}

	// Duration reconciliation against the scene target.
	stretched := rawPath
	if scene.Duration > 0 {
		diff := (rawDuration - scene.Duration) / scene.Duration
		if diff < 0 {
			diff = -diff
		}
		if diff > paceTolerance {
			ratio := rawDuration / scene.Duration
			if ratio < stretchMin {
				ratio = stretchMin
			}
			if ratio > stretchMax {
				ratio = stretchMax
			}
			stretched = filepath.Join(workDir, fmt.Sprintf("scene_%d_stretched.mp3", scene.Index))
			if err := e.proc.Stretch(ctx, rawPath, stretched, ratio); err != nil {
				return nil, fmt.Errorf("failed to stretch scene %d audio: %w", scene.Index, err)
			}
			result.Paced = true
			result.StretchRatio = ratio
			log.Printf("[Pacing] scene %d: stretched by %.3f (raw=%.2fs, target=%.2fs)",
				scene.Index, ratio, rawDuration, scene.Duration)
		}
	}

	trimmed := filepath.Join(workDir, fmt.Sprintf("scene_%d_trimmed.mp3", scene.Index))
	if err := e.proc.TrimAndFade(ctx, stretched, trimmed, fadeMs); err != nil {
		return nil, fmt.Errorf("failed to trim scene %d audio: %w", scene.Index, err)
	}
	if result.Paced {
		os.Remove(stretched)
	}

	finalPath := filepath.Join(workDir, fmt.Sprintf("scene_%d.mp3", scene.Index))
	if err := e.proc.PrependSilence(ctx, trimmed, finalPath, leadInMs); err != nil {
		return nil, fmt.Errorf("failed to pad scene %d audio: %w", scene.Index, err)
	}
	os.Remove(trimmed)
	result.LeadInSec = float64(leadInMs) / 1000.0

	duration, err := e.proc.ProbeDuration(ctx, finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to probe processed audio: %w", err)
	}

	result.Path = finalPath
	result.Duration = duration
	return result, nil
}
