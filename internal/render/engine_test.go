package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/storyreel/storyreel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEncoder writes the scene index into the clip file so concat order can
// be verified, and can be told to fail wholesale.
type stubEncoder struct {
	name string
	fail bool

	mu      sync.Mutex
	renders int
}

func (s *stubEncoder) Name() string { return s.name }
func (s *stubEncoder) Ext() string  { return ".clip" }

func (s *stubEncoder) RenderScene(ctx context.Context, in SceneInput, outputPath string, quality models.QualityMode) error {
	s.mu.Lock()
	s.renders++
	s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("encoder %s broke", s.name)
	}
	return os.WriteFile(outputPath, []byte(fmt.Sprintf("clip-%d;", in.Index)), 0644)
}

func (s *stubEncoder) Concatenate(ctx context.Context, clipPaths []string, outputPath string) error {
	var sb strings.Builder
	for _, path := range clipPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sb.Write(data)
	}
	return os.WriteFile(outputPath, []byte(sb.String()), 0644)
}

func testScenes(n int) []SceneInput {
	scenes := make([]SceneInput, n)
	for i := range scenes {
		scenes[i] = SceneInput{
			Index:     i,
			ImagePath: fmt.Sprintf("/img/%d.png", i),
			Narration: fmt.Sprintf("narration %d", i),
			Duration:  3.5,
		}
	}
	return scenes
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	return cache
}

func TestRenderPreservesSceneOrder(t *testing.T) {
	enc := &stubEncoder{name: "stub"}
	engine := NewEngineWithEncoders(newTestCache(t), 4, enc)

	res, err := engine.Render(context.Background(), testScenes(8), t.TempDir(), models.QualityProxy)
	require.NoError(t, err)

	data, err := os.ReadFile(res.VideoPath)
	require.NoError(t, err)
	assert.Equal(t, "clip-0;clip-1;clip-2;clip-3;clip-4;clip-5;clip-6;clip-7;", string(data))
	assert.Equal(t, "stub", res.Encoder)
	assert.Zero(t, res.CacheHits)
}

func TestRenderFallsBackWholeJob(t *testing.T) {
	broken := &stubEncoder{name: "hw", fail: true}
	working := &stubEncoder{name: "sw"}
	engine := NewEngineWithEncoders(newTestCache(t), 2, broken, working)

	res, err := engine.Render(context.Background(), testScenes(3), t.TempDir(), models.QualityProxy)
	require.NoError(t, err)

	assert.Equal(t, "sw", res.Encoder)
	assert.Equal(t, 3, working.renders, "every scene re-renders on the fallback tier")
}

func TestRenderAllTiersFailClassified(t *testing.T) {
	engine := NewEngineWithEncoders(newTestCache(t), 2,
		&stubEncoder{name: "hw", fail: true},
		&stubEncoder{name: "sw", fail: true},
	)

	_, err := engine.Render(context.Background(), testScenes(2), t.TempDir(), models.QualityProxy)
	require.Error(t, err)

	var perr *models.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.ErrCodeRenderFailure, perr.Code)
}

func TestRenderServesRepeatFromCache(t *testing.T) {
	enc := &stubEncoder{name: "stub"}
	cache := newTestCache(t)
	engine := NewEngineWithEncoders(cache, 2, enc)

	scenes := testScenes(4)
	_, err := engine.Render(context.Background(), scenes, t.TempDir(), models.QualityProxy)
	require.NoError(t, err)
	require.Equal(t, 4, enc.renders)

	res, err := engine.Render(context.Background(), scenes, t.TempDir(), models.QualityProxy)
	require.NoError(t, err)

	assert.Equal(t, 4, enc.renders, "second run must not re-encode")
	assert.Equal(t, 4, res.CacheHits)
}

func TestRenderCacheKeyedByQuality(t *testing.T) {
	enc := &stubEncoder{name: "stub"}
	engine := NewEngineWithEncoders(newTestCache(t), 2, enc)

	scenes := testScenes(2)
	_, err := engine.Render(context.Background(), scenes, t.TempDir(), models.QualityProxy)
	require.NoError(t, err)

	res, err := engine.Render(context.Background(), scenes, t.TempDir(), models.QualityFinal)
	require.NoError(t, err)

	assert.Equal(t, 4, enc.renders, "quality change must bypass the proxy cache")
	assert.Zero(t, res.CacheHits)
}

func TestSceneKeyDeterministic(t *testing.T) {
	a := SceneKey("/img/1.png", "hello", 3.5, "PROXY")
	b := SceneKey("/img/1.png", "hello", 3.5, "PROXY")
	c := SceneKey("/img/1.png", "hello", 3.6, "PROXY")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCacheStoreAndLookup(t *testing.T) {
	cache := newTestCache(t)

	_, ok := cache.Lookup("sw", "abc", ".mp4")
	assert.False(t, ok)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("encoded"), 0644))

	stored, err := cache.Store("sw", "abc", ".mp4", src)
	require.NoError(t, err)

	found, ok := cache.Lookup("sw", "abc", ".mp4")
	require.True(t, ok)
	assert.Equal(t, stored, found)

	// A different tier must not see the entry.
	_, ok = cache.Lookup("hw", "abc", ".mp4")
	assert.False(t, ok)
}
