// Package tuning watches a JSON file on disk and copies its non-structural
// settings — the release interval, poisoning and quiescent-pool decommit
// flags — into a caller-supplied allocator.Config whenever the file
// changes. The allocator itself does not read those fields, so a reload
// changes the Config's values, not how a running allocator behaves.
package tuning

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/partalloc/partalloc/internal/alloclog"
	"github.com/partalloc/partalloc/internal/allocator"
)

// File mirrors the subset of allocator.Config that's safe to change after
// containers already exist.
type File struct {
	ReleaseLocalIntervalMS int  `json:"release_local_interval_ms"`
	PoisonOnCorrupt        bool `json:"poison_on_corrupt"`
	DecommitQuiescentPools bool `json:"decommit_quiescent_pools"`
}

// Watcher applies a tuning File's contents to a target Config whenever the
// backing file changes, until Close is called.
type Watcher struct {
	path   string
	target *allocator.Config
	log    *alloclog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	done    chan struct{}
}

// Watch starts watching path and applies its contents to target immediately
// and on every subsequent write. The caller must call Close when done.
func Watch(path string, target *allocator.Config, log *alloclog.Logger) (*Watcher, error) {
	if log == nil {
		log = alloclog.Discard
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:    path,
		target:  target,
		log:     log,
		watcher: fw,
		done:    make(chan struct{}),
	}

	if err := fw.Add(path); err != nil {
		_ = fw.Close()

		return nil, err
	}

	w.reload()

	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(50 * time.Millisecond)
			}

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.log.Warn("tuning watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("tuning reload: %v", err)

		return
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		w.log.Warn("tuning reload: invalid JSON: %v", err)

		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.target.ReleaseLocalInterval = time.Duration(f.ReleaseLocalIntervalMS) * time.Millisecond
	w.target.PoisonOnCorrupt = f.PoisonOnCorrupt
	w.target.DecommitQuiescentPools = f.DecommitQuiescentPools

	w.log.Info("tuning reloaded from %s", w.path)
}

// Close stops the watch goroutine and releases the underlying fsnotify
// handle.
func (w *Watcher) Close() error {
	close(w.done)

	return w.watcher.Close()
}
