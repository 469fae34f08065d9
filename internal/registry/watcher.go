package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"continuum/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher watches the command manifest directory after startup.
// The registry itself is write-once-at-startup, so the watcher does not hot
// reload anything: it records that manifests have drifted from the running
// registry and logs that a restart is required. The introspection surface
// exposes the stale flag so operators can see the drift.
type ManifestWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	dir         string
	stale       bool
	changedAt   time.Time
	changedFile string
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewManifestWatcher creates a watcher for the given manifest directory.
func NewManifestWatcher(dir string) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ManifestWatcher{
		watcher: watcher,
		dir:     dir,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
// A missing directory is tolerated: it may be created later, and until then
// there is nothing to drift.
func (mw *ManifestWatcher) Start(ctx context.Context) error {
	mw.mu.Lock()
	if mw.running {
		mw.mu.Unlock()
		return nil // Already running
	}
	mw.running = true
	mw.mu.Unlock()

	log := logging.Get(logging.CategoryRegistry)
	if err := mw.watcher.Add(mw.dir); err != nil {
		log.Warn("manifest watcher: initial watch failed (dir may not exist): %v", err)
	} else {
		log.Info("manifest watcher: watching %s", mw.dir)
	}

	go mw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (mw *ManifestWatcher) Stop() {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.stopCh)
	<-mw.doneCh

	if err := mw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRegistry).Error("manifest watcher: close: %v", err)
	}
}

// Stale reports whether a manifest changed since startup, and which file
// changed last.
func (mw *ManifestWatcher) Stale() (bool, string) {
	mw.mu.RLock()
	defer mw.mu.RUnlock()
	return mw.stale, mw.changedFile
}

func (mw *ManifestWatcher) run(ctx context.Context) {
	defer close(mw.doneCh)

	log := logging.Get(logging.CategoryRegistry)
	for {
		select {
		case <-ctx.Done():
			return

		case <-mw.stopCh:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			mw.handleEvent(event)

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			log.Error("manifest watcher: %v", err)
		}
	}
}

func (mw *ManifestWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // Ignore chmod, etc.
	}

	mw.mu.Lock()
	first := !mw.stale
	mw.stale = true
	mw.changedAt = time.Now()
	mw.changedFile = event.Name
	mw.mu.Unlock()

	log := logging.Get(logging.CategoryRegistry)
	if first {
		log.Warn("manifest %s changed after startup; registry is immutable, restart to pick up changes", event.Name)
	} else {
		log.Debug("manifest %s changed (registry already stale)", event.Name)
	}
}
