package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/storyreel/storyreel/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails PutFile for keys listed in failKeys but keeps serving
// the rest, to prove best-effort semantics.
type flakyStore struct {
	storage.ObjectStore
	mu       sync.Mutex
	failKeys map[string]bool
	puts     []string
}

func (f *flakyStore) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[key] {
		return fmt.Errorf("storage rejected %s", key)
	}
	f.puts = append(f.puts, key)
	return f.ObjectStore.PutFile(ctx, key, localPath)
}

func writeJobDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0755))
	for _, f := range []string{"images/scene_0.png", "final.mp4", "job_summary.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(f)), []byte("data"), 0644))
	}
	// Leftover from an interrupted atomic write must not be published.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "final.mp4.tmp"), []byte("partial"), 0644))
	return dir
}

func TestPublishJobDirUploadsEverything(t *testing.T) {
	local, err := storage.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	p := New(local, 2)
	uploaded, failed, err := p.PublishJobDir(context.Background(), "job-1", writeJobDir(t))
	require.NoError(t, err)

	assert.Equal(t, 3, uploaded)
	assert.Zero(t, failed)

	keys, err := local.List(context.Background(), "job-1/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1/images/scene_0.png", "job-1/final.mp4", "job-1/job_summary.json"}, keys)
}

func TestPublishJobDirBestEffort(t *testing.T) {
	local, err := storage.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	store := &flakyStore{ObjectStore: local, failKeys: map[string]bool{"job-2/final.mp4": true}}

	p := New(store, 2)
	uploaded, failed, err := p.PublishJobDir(context.Background(), "job-2", writeJobDir(t))
	require.NoError(t, err, "individual upload failures must not fail the publish")

	assert.Equal(t, 2, uploaded)
	assert.Equal(t, 1, failed)
}

func TestPublishJobDirSkipsExisting(t *testing.T) {
	local, err := storage.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	dir := writeJobDir(t)

	p := New(local, 2)
	_, _, err = p.PublishJobDir(context.Background(), "job-3", dir)
	require.NoError(t, err)

	uploaded, failed, err := p.PublishJobDir(context.Background(), "job-3", dir)
	require.NoError(t, err)
	assert.Zero(t, uploaded, "second publish finds every key present")
	assert.Zero(t, failed)
}
