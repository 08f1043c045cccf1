package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverrideParsesYAMLWire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	contents := "allowedDomains:\n  - api.example.com\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	pol, err := loadOverride(path)
	if err != nil {
		t.Fatalf("loadOverride: %v", err)
	}
	if d := pol.IsAllowed("api.example.com", "GET", "/"); !d.Allow {
		t.Errorf("expected api.example.com to be allowed, reason=%s", d.Reason)
	}
	if d := pol.IsAllowed("evil.example.com", "GET", "/"); d.Allow {
		t.Error("expected evil.example.com to be denied")
	}
}

func TestLoadOverrideMissingFileReturnsError(t *testing.T) {
	if _, err := loadOverride(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing override file")
	}
}

func TestNewDefaultOverrideWatcherFallsBackToDefaultWhenFileAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	w, err := NewDefaultOverrideWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewDefaultOverrideWatcher: %v", err)
	}
	defer w.watcher.Close()

	if d := w.Current().IsAllowed("registry.npmjs.org", "GET", "/some-package"); !d.Allow {
		t.Errorf("expected fallback to policy.Default(), got deny: %s", d.Reason)
	}
}
