package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// ImageRecord tracks one sandbox image the runner has already ensured is
// present locally, and when it was last used.
type ImageRecord struct {
	Ref      string    `json:"ref"`
	PulledAt time.Time `json:"pulledAt"`
	LastUsed time.Time `json:"lastUsed"`
}

// persistedState is the JSON structure written to StatePath.
type persistedState struct {
	Version string                  `json:"version"`
	Updated time.Time               `json:"updated"`
	Images  map[string]*ImageRecord `json:"images"`
}

// ImageCache tracks which sandbox images have already been pulled, so
// EnsureImage can skip a redundant ImagePull on the hot path. State is
// persisted to a JSON file with atomic write-then-rename, the same pattern
// the host-side jail bookkeeping used for its own small state file.
type ImageCache struct {
	statePath string
	docker    *client.Client
	logger    *log.Logger

	mu     sync.RWMutex
	images map[string]*ImageRecord
}

// NewImageCache constructs a cache backed by dockerClient, persisting
// bookkeeping to statePath (empty disables persistence).
func NewImageCache(dockerClient *client.Client, statePath string, logger *log.Logger) *ImageCache {
	if logger == nil {
		logger = log.New(os.Stdout, "[imagecache] ", log.LstdFlags|log.Lmsgprefix)
	}
	c := &ImageCache{
		statePath: statePath,
		docker:    dockerClient,
		logger:    logger,
		images:    make(map[string]*ImageRecord),
	}
	if err := c.loadState(); err != nil {
		logger.Printf("warning: could not load image cache state: %v", err)
	}
	return c
}

// EnsureImage pulls ref if it has never been recorded as present, then
// records (or refreshes) its last-used timestamp.
func (c *ImageCache) EnsureImage(ctx context.Context, ref string) error {
	c.mu.RLock()
	_, known := c.images[ref]
	c.mu.RUnlock()

	if !known {
		if err := c.pull(ctx, ref); err != nil {
			return fmt.Errorf("pull sandbox image %s: %w", ref, err)
		}
	}

	c.mu.Lock()
	rec, exists := c.images[ref]
	now := time.Now()
	if !exists {
		rec = &ImageRecord{Ref: ref, PulledAt: now}
		c.images[ref] = rec
	}
	rec.LastUsed = now
	c.mu.Unlock()

	if err := c.saveState(); err != nil {
		c.logger.Printf("warning: failed to save image cache state: %v", err)
	}
	return nil
}

func (c *ImageCache) pull(ctx context.Context, ref string) error {
	c.logger.Printf("pulling sandbox image %s", ref)
	reader, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// Drain the pull's progress stream; the gateway has no interactive
	// console to render it against.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Evict drops a tracked image record (it does not remove the local image
// from the Docker daemon, only the cache's bookkeeping of it).
func (c *ImageCache) Evict(ref string) {
	c.mu.Lock()
	delete(c.images, ref)
	c.mu.Unlock()
	if err := c.saveState(); err != nil {
		c.logger.Printf("warning: failed to save image cache state: %v", err)
	}
}

// Records returns a snapshot of every tracked image.
func (c *ImageCache) Records() []*ImageRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ImageRecord, 0, len(c.images))
	for _, rec := range c.images {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

func (c *ImageCache) saveState() error {
	if c.statePath == "" {
		return nil
	}

	c.mu.RLock()
	state := persistedState{
		Version: "1.0",
		Updated: time.Now(),
		Images:  c.images,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal image cache state: %w", err)
	}

	if dir := filepath.Dir(c.statePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create image cache state directory: %w", err)
		}
	}

	tempPath := c.statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("write image cache state: %w", err)
	}
	if err := os.Rename(tempPath, c.statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename image cache state: %w", err)
	}
	return nil
}

func (c *ImageCache) loadState() error {
	if c.statePath == "" {
		return nil
	}

	data, err := os.ReadFile(c.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read image cache state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal image cache state: %w", err)
	}

	c.mu.Lock()
	c.images = state.Images
	if c.images == nil {
		c.images = make(map[string]*ImageRecord)
	}
	c.mu.Unlock()

	c.logger.Printf("loaded image cache state: %d images (updated=%s)",
		len(state.Images), state.Updated.Format(time.RFC3339))
	return nil
}
