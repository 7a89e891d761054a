// Package watch implements the filesystem-watch ingest producer: an
// fsnotify-backed recursive directory watcher plus the startup
// compensation scan, both feeding a workspace's single-consumer ingest
// queue. A watched-directory table tracks what has been added, a single
// dispatch routine fans fsnotify's event and error channels out by op,
// and a directory created under a watched parent is re-added
// recursively so nothing beneath it is missed.
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/velorift/vrift/pkg/vlog"
)

var (
	ErrNotReady       = errors.New("watch: watcher is not ready")
	ErrAlreadyStarted = errors.New("watch: already started")
)

// DedupWindow is how long a path's most recent event suppresses a repeat
// submission of the same kind (upsert or removal) for the same path,
// bounding the ingest churn from editors
// and build tools that write a file several times in quick succession.
const DedupWindow = 200 * time.Millisecond

// Submitter is the subset of *daemon.Workspace the watcher and
// compensation scan depend on. Declaring it here rather than importing
// internal/daemon avoids a package cycle (internal/daemon will, in turn,
// own the watch.Watcher it starts for each workspace).
type Submitter interface {
	ProjectRoot() string
	Ready() bool
	SubmitUpsert(absPath string) error
	SubmitRemove(absPath string) error
}

// Watcher recursively watches a Submitter's project root and funnels
// create/write/remove/rename events into the workspace's ingest queue,
// deduplicating bursts of events against the same path.
type Watcher struct {
	mtx     sync.Mutex
	sub     Submitter
	fsw     *fsnotify.Watcher
	watched map[string]bool

	recentMtx sync.Mutex
	recent    map[string]time.Time

	log        *vlog.Logger
	routineRet chan error
	started    bool
}

// New creates a Watcher for sub. Call AddRecursive to begin watching a
// directory tree, then Start to kick off the dispatch routine.
func New(sub Submitter) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		sub:     sub,
		fsw:     fsw,
		watched: make(map[string]bool),
		recent:  make(map[string]time.Time),
		log:     vlog.Default.Named("watch"),
	}, nil
}

// AddRecursive adds root and every subdirectory beneath it (skipping
// .vrift) to the fsnotify watch list.
func (w *Watcher) AddRecursive(root string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.addNoLock(root)
}

func (w *Watcher) addNoLock(dir string) error {
	if w.fsw == nil {
		return nil // closed while an event was still in flight
	}
	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == ".vrift" {
			continue
		}
		if err := w.addNoLock(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// readyPollInterval and readyPollTimeout bound how long Start waits for
// the ingest queue consumer to report Ready before giving up. The
// consumer goroutine typically flips ready within microseconds of being
// spawned; this is a defensive bound against a slow scheduler, not a
// real startup sequencing dependency.
const (
	readyPollInterval = time.Millisecond
	readyPollTimeout  = time.Second
)

// Start runs the startup compensation scan synchronously, then launches
// the background dispatch routine. It refuses to run until the
// workspace's ingest queue consumer reports Ready: producers must never
// outrun the consumer they feed.
func (w *Watcher) Start() error {
	w.mtx.Lock()
	if w.started {
		w.mtx.Unlock()
		return ErrAlreadyStarted
	}
	w.mtx.Unlock()

	deadline := time.Now().Add(readyPollTimeout)
	for !w.sub.Ready() {
		if time.Now().After(deadline) {
			return ErrNotReady
		}
		time.Sleep(readyPollInterval)
	}

	if _, _, err := w.CompensationScan(); err != nil {
		return err
	}

	w.mtx.Lock()
	w.started = true
	w.routineRet = make(chan error, 1)
	fsw := w.fsw
	w.mtx.Unlock()

	go w.routine(fsw, w.routineRet)
	return nil
}

// CompensationScan walks the project root once at startup, comparing
// on-disk mtimes against the manifest and submitting upserts/removals
// for anything that drifted while no daemon was running to observe
// it. It delegates the actual walk-and-diff to the
// Submitter; the type assertion to an interface exposing FullScan lets
// *daemon.Workspace provide a richer implementation than Submitter alone
// while keeping Submitter minimal for the common SubmitUpsert/SubmitRemove
// path used by individual fsnotify events.
func (w *Watcher) CompensationScan() (ingested int, removed int, err error) {
	type fullScanner interface {
		FullScan() (int, int, error)
	}
	if fs, ok := w.sub.(fullScanner); ok {
		return fs.FullScan()
	}
	return 0, 0, nil
}

// Close stops the dispatch routine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	w.mtx.Lock()
	if w.fsw == nil {
		w.mtx.Unlock()
		return nil
	}
	fsw := w.fsw
	retCh := w.routineRet
	w.fsw = nil
	w.mtx.Unlock()

	if err := fsw.Close(); err != nil {
		return err
	}
	if retCh != nil {
		return <-retCh
	}
	return nil
}

// shouldDedup reports whether path was seen within DedupWindow and, if
// not, records the current time against it.
func (w *Watcher) shouldDedup(path string) bool {
	now := time.Now()
	w.recentMtx.Lock()
	defer w.recentMtx.Unlock()

	if last, ok := w.recent[path]; ok && now.Sub(last) < DedupWindow {
		w.recent[path] = now
		return true
	}
	w.recent[path] = now

	// Opportunistically prune old entries so the map doesn't grow
	// unbounded across a long-running watch.
	if len(w.recent) > 4096 {
		for p, t := range w.recent {
			if now.Sub(t) > DedupWindow {
				delete(w.recent, p)
			}
		}
	}
	return false
}

// routine holds its own reference to the fsnotify watcher: Close nils
// w.fsw under the lock before this goroutine has necessarily observed
// the closed channels, so reading the field here would race.
func (w *Watcher) routine(fsw *fsnotify.Watcher, errch chan error) {
	var retErr error

watchLoop:
	for {
		select {
		case err, ok := <-fsw.Errors:
			if !ok {
				break watchLoop
			}
			w.log.Error("filesystem notification error: %v", err)
		case evt, ok := <-fsw.Events:
			if !ok {
				break watchLoop
			}
			w.handleEvent(evt)
		}
	}
	errch <- retErr
}

func (w *Watcher) handleEvent(evt fsnotify.Event) {
	switch {
	case evt.Op&fsnotify.Create != 0:
		fi, err := os.Stat(evt.Name)
		if err != nil {
			return
		}
		if fi.IsDir() {
			w.mtx.Lock()
			addErr := w.addNoLock(evt.Name)
			w.mtx.Unlock()
			if addErr != nil {
				w.log.Error("failed to add watch for new directory %s: %v", evt.Name, addErr)
				return
			}
		}
		if w.shouldDedup(evt.Name) {
			return
		}
		if err := w.sub.SubmitUpsert(evt.Name); err != nil {
			w.log.Error("failed to ingest %s: %v", evt.Name, err)
		}
	case evt.Op&fsnotify.Write != 0:
		if w.shouldDedup(evt.Name) {
			return
		}
		if err := w.sub.SubmitUpsert(evt.Name); err != nil {
			w.log.Error("failed to ingest %s: %v", evt.Name, err)
		}
	case evt.Op&fsnotify.Rename != 0, evt.Op&fsnotify.Remove != 0:
		// Removals are deduplicated under their own key, so a removal
		// right after a create or write of the same path is still
		// submitted.
		if w.shouldDedup(evt.Name + "\x00remove") {
			return
		}
		if err := w.sub.SubmitRemove(evt.Name); err != nil {
			w.log.Error("failed to remove %s: %v", evt.Name, err)
		}
	}
}
