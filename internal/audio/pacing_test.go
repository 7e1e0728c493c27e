package audio

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/storyreel/storyreel/internal/models"
	"github.com/storyreel/storyreel/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSynth struct {
	calls int
	audio []byte
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string, pace float64) (*services.SpeechResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &services.SpeechResult{AudioData: f.audio, Format: "mp3"}, nil
}

// fakeProc fakes the ffmpeg operations with plain file copies and a fixed
// duration table keyed by path suffix.
type fakeProc struct {
	rawDuration   float64
	stretchCalled bool
	stretchRatio  float64
	prependMs     int
	ops           []string
}

func (f *fakeProc) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return f.rawDuration, nil
}

func (f *fakeProc) Stretch(ctx context.Context, in, out string, ratio float64) error {
	f.stretchCalled = true
	f.stretchRatio = ratio
	f.ops = append(f.ops, "stretch")
	return copyFile(in, out)
}

func (f *fakeProc) TrimAndFade(ctx context.Context, in, out string, fadeMs int) error {
	f.ops = append(f.ops, "trim")
	return copyFile(in, out)
}

func (f *fakeProc) PrependSilence(ctx context.Context, in, out string, silenceMs int) error {
	f.prependMs = silenceMs
	f.ops = append(f.ops, "prepend")
	return copyFile(in, out)
}

func copyFile(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0644)
}

func TestCacheKeyNormalizesWhitespace(t *testing.T) {
	a := CacheKey("nova", "hello   world", 1.0)
	b := CacheKey("nova", " hello world ", 1.0)
	c := CacheKey("nova", "hello world", 1.1)
	d := CacheKey("onyx", "hello world", 1.0)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestPaceSceneWithinTolerance(t *testing.T) {
	synth := &fakeSynth{audio: []byte("fake-mp3")}
	proc := &fakeProc{rawDuration: 5.05} // 1% off a 5.0s target

	engine, err := NewEngine(synth, proc, t.TempDir())
	require.NoError(t, err)

	scene := models.Scene{Index: 0, Narration: "hello there", Duration: 5.0}
	out, err := engine.PaceScene(context.Background(), scene, "nova", 1.0, t.TempDir())
	require.NoError(t, err)

	assert.False(t, out.Paced)
	assert.False(t, proc.stretchCalled)
	assert.Equal(t, 1.0, out.StretchRatio)
	assert.False(t, out.CacheHit)
	assert.FileExists(t, out.Path)
}

func TestPaceSceneStretchClamped(t *testing.T) {
	synth := &fakeSynth{audio: []byte("fake-mp3")}
	// 5.3s against a 5.0s target is a 6% overshoot. The raw ratio of 1.06
	// must be clamped to the top of the band.
	proc := &fakeProc{rawDuration: 5.3}

	engine, err := NewEngine(synth, proc, t.TempDir())
	require.NoError(t, err)

	scene := models.Scene{Index: 2, Narration: "a longer narration line", Duration: 5.0}
	out, err := engine.PaceScene(context.Background(), scene, "nova", 1.0, t.TempDir())
	require.NoError(t, err)

	assert.True(t, out.Paced)
	assert.True(t, proc.stretchCalled)
	assert.InDelta(t, stretchMax, out.StretchRatio, 1e-9)
	assert.InDelta(t, stretchMax, proc.stretchRatio, 1e-9)
}

func TestPaceSceneCacheHitSkipsSynthesis(t *testing.T) {
	synth := &fakeSynth{audio: []byte("fake-mp3")}
	proc := &fakeProc{rawDuration: 5.0}

	cacheDir := t.TempDir()
	engine, err := NewEngine(synth, proc, cacheDir)
	require.NoError(t, err)

	scene := models.Scene{Index: 1, Narration: "cached line", Duration: 5.0}

	_, err = engine.PaceScene(context.Background(), scene, "nova", 1.0, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 1, synth.calls)

	out, err := engine.PaceScene(context.Background(), scene, "nova", 1.0, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, synth.calls, "second call must be served from cache")
	assert.True(t, out.CacheHit)
	assert.Zero(t, out.LatencyMs)
}

func TestPaceSceneAddsLeadInAfterTrim(t *testing.T) {
	synth := &fakeSynth{audio: []byte("fake-mp3")}
	proc := &fakeProc{rawDuration: 5.0}

	engine, err := NewEngine(synth, proc, t.TempDir())
	require.NoError(t, err)

	scene := models.Scene{Index: 0, Narration: "padded line", Duration: 5.0}
	out, err := engine.PaceScene(context.Background(), scene, "nova", 1.0, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, leadInMs, proc.prependMs)
	assert.InDelta(t, float64(leadInMs)/1000.0, out.LeadInSec, 1e-9)
	// The pad must come after the trim, or the trim would strip it again.
	assert.Equal(t, []string{"trim", "prepend"}, proc.ops)
	assert.FileExists(t, out.Path)
}

func TestPaceSceneSynthesisFailurePropagates(t *testing.T) {
	synth := &fakeSynth{err: fmt.Errorf("provider down")}
	proc := &fakeProc{rawDuration: 5.0}

	engine, err := NewEngine(synth, proc, t.TempDir())
	require.NoError(t, err)

	scene := models.Scene{Index: 0, Narration: "doomed", Duration: 5.0}
	_, err = engine.PaceScene(context.Background(), scene, "nova", 1.0, t.TempDir())
	assert.ErrorContains(t, err, "provider down")
}
