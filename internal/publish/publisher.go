package publish

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/storyreel/storyreel/internal/storage"
)

// ---------------------------------------------------------------------------
// Artifact Publisher
//
// Best-effort upload of a finished job's remaining artifacts (images, audio,
// subtitles, summary). The final video was already uploaded by the pipeline's
// upload stage; everything here is supplementary, so publish failures are
// logged and counted but never flip a completed job back to failed.
// ---------------------------------------------------------------------------

// Publisher pushes job artifacts to the object store with a bounded number
// of concurrent uploads, to avoid congesting the storage backend when many
// jobs finish at once.
type Publisher struct {
	store     storage.ObjectStore
	uploadSem chan struct{}
}

func New(store storage.ObjectStore, maxConcurrent int) *Publisher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Publisher{
		store:     store,
		uploadSem: make(chan struct{}, maxConcurrent),
	}
}

// uploadWithLimit wraps an upload call with the semaphore.
func (p *Publisher) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case p.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-p.uploadSem }()

	return fn()
}

// PublishJobDir walks the job's work directory and uploads every regular file
// under the job id prefix, skipping keys that already exist. Returns the
// number of uploads that succeeded and the number that failed; an error is
// returned only when the directory itself cannot be read.
func (p *Publisher) PublishJobDir(ctx context.Context, jobID, jobDir string) (uploaded, failed int, err error) {
	entries, err := collectFiles(jobDir)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan job dir: %w", err)
	}

	for _, rel := range entries {
		key := fmt.Sprintf("%s/%s", jobID, rel)
		localPath := filepath.Join(jobDir, filepath.FromSlash(rel))

		exists, eerr := p.store.Exists(ctx, key)
		if eerr == nil && exists {
			continue
		}

		uerr := p.uploadWithLimit(ctx, key, func() error {
			return p.store.PutFile(ctx, key, localPath)
		})
		if uerr != nil {
			failed++
			log.Printf("[Publish] job %s: upload %s failed: %v", jobID, key, uerr)
			continue
		}
		uploaded++
	}

	log.Printf("[Publish] job %s: %d uploaded, %d failed", jobID, uploaded, failed)
	return uploaded, failed, nil
}

// collectFiles lists regular files under root as slash-separated relative
// paths. Temp files from interrupted atomic writes are skipped.
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Ext(path) == ".tmp" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}
