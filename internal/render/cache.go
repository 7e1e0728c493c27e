package render

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Cache is the content-addressed store for rendered scene clips. A scene is
// keyed by what went into it, not when it was rendered, so a retried job
// reuses every clip whose inputs did not change. Entries are namespaced per
// encoder tier: a clip rendered by the library fallback must never satisfy a
// lookup from the hardware path.
type Cache struct {
	root string
}

func NewCache(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create render cache dir: %w", err)
	}
	return &Cache{root: root}, nil
}

// SceneKey derives the cache key for a scene render from its inputs. The
// motion effect is deliberately absent: EffectForScene derives it from the
// scene index, so two renders with equal inputs always share an effect. If
// effect selection ever stops being index-deterministic, the effect must be
// folded into this key or cached clips will be served with the wrong motion.
func SceneKey(imagePath, narration string, durationSec float64, quality string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.3f|%s", imagePath, narration, durationSec, quality)))
	return fmt.Sprintf("%x", sum)
}

func (c *Cache) path(tier, key, ext string) string {
	return filepath.Join(c.root, tier, key+ext)
}

// Lookup returns the cached clip path for (tier, key), or ok=false.
// ext is the clip container extension, e.g. ".mp4".
func (c *Cache) Lookup(tier, key, ext string) (string, bool) {
	path := c.path(tier, key, ext)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Store copies a rendered clip into the cache and returns the cached path.
// The copy goes through a temp file and a rename, so a concurrent Lookup
// never observes a partially written clip.
func (c *Cache) Store(tier, key, ext, clipPath string) (string, error) {
	dst := c.path(tier, key, ext)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache tier dir: %w", err)
	}

	src, err := os.Open(clipPath)
	if err != nil {
		return "", fmt.Errorf("failed to open rendered clip: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".render-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to copy clip into cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close cache temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to finalize cache entry: %w", err)
	}
	return dst, nil
}
