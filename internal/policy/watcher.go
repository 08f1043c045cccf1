package policy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultOverrideWatcher hot-reloads a YAML file that overrides
// policy.Default() for local development, so an operator can tune
// DefaultPolicy without restarting the gateway.
type DefaultOverrideWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu       sync.RWMutex
	current  *Policy
	onReload []func(*Policy)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDefaultOverrideWatcher loads path once; watching it for changes
// begins only when Start is called. path need not exist yet; in that case
// policy.Default() is used until a file appears.
func NewDefaultOverrideWatcher(path string, logger *log.Logger) (*DefaultOverrideWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[policy-watcher] ", log.LstdFlags|log.Lmsgprefix)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dow := &DefaultOverrideWatcher{path: path, watcher: w, logger: logger, current: Default()}
	if pol, err := loadOverride(path); err == nil {
		dow.current = pol
	} else if !os.IsNotExist(err) {
		logger.Printf("warning: could not load default-policy override: %v", err)
	}

	return dow, nil
}

// Start begins watching in the background. ctx's cancellation stops it.
func (w *DefaultOverrideWatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if err := w.watcher.Add(w.path); err != nil {
		dir := filepath.Dir(w.path)
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch override file/dir: %w", err)
		}
		w.logger.Printf("watching directory %s for default-policy override changes", dir)
	} else {
		w.logger.Printf("watching %s for default-policy override changes", w.path)
	}

	w.wg.Add(1)
	go w.loop(runCtx)
	return nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *DefaultOverrideWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}

// Current returns the effective override policy, or policy.Default() when
// no override file has ever successfully loaded.
func (w *DefaultOverrideWatcher) Current() *Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked with the new policy after each
// successful reload.
func (w *DefaultOverrideWatcher) OnReload(cb func(*Policy)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, cb)
}

func (w *DefaultOverrideWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var debounce *time.Timer
	const debounceWindow = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceWindow, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *DefaultOverrideWatcher) reload() {
	pol, err := loadOverride(w.path)
	if err != nil {
		w.logger.Printf("error reloading default-policy override: %v", err)
		return
	}

	w.mu.Lock()
	w.current = pol
	callbacks := make([]func(*Policy), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Printf("default-policy override reloaded from %s", w.path)
	for _, cb := range callbacks {
		cb(pol)
	}
}

func loadOverride(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wire Wire
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse default-policy override: %w", err)
	}

	pol, err := New(wire)
	if err != nil {
		return nil, fmt.Errorf("compile default-policy override: %w", err)
	}
	return pol, nil
}
