package sandbox

import (
	"path/filepath"
	"testing"
	"time"
)

func TestImageCacheStatePersistsAcrossInstances(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "images.json")

	c1 := NewImageCache(nil, statePath, nil)
	c1.mu.Lock()
	c1.images["alpine:latest"] = &ImageRecord{Ref: "alpine:latest", PulledAt: time.Now(), LastUsed: time.Now()}
	c1.mu.Unlock()
	if err := c1.saveState(); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	c2 := NewImageCache(nil, statePath, nil)
	records := c2.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 restored record, got %d", len(records))
	}
	if records[0].Ref != "alpine:latest" {
		t.Errorf("ref = %q, want alpine:latest", records[0].Ref)
	}
}

func TestImageCacheEvictRemovesRecordAndPersists(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "images.json")

	c := NewImageCache(nil, statePath, nil)
	c.mu.Lock()
	c.images["node:18-alpine"] = &ImageRecord{Ref: "node:18-alpine", PulledAt: time.Now(), LastUsed: time.Now()}
	c.mu.Unlock()
	c.saveState()

	c.Evict("node:18-alpine")
	if len(c.Records()) != 0 {
		t.Fatalf("expected no records after evict, got %d", len(c.Records()))
	}

	reloaded := NewImageCache(nil, statePath, nil)
	if len(reloaded.Records()) != 0 {
		t.Fatalf("expected eviction to persist, got %d records", len(reloaded.Records()))
	}
}

func TestImageCacheWithEmptyStatePathDoesNotPersist(t *testing.T) {
	c := NewImageCache(nil, "", nil)
	c.mu.Lock()
	c.images["alpine:latest"] = &ImageRecord{Ref: "alpine:latest"}
	c.mu.Unlock()
	if err := c.saveState(); err != nil {
		t.Fatalf("saveState with empty path should be a no-op, got error: %v", err)
	}
}
