// Package daemon implements the per-project Velo Rift daemon: the
// multi-tenant socket server (one goroutine per connection, a shared
// map of live state protected by a mutex), the single-consumer ingest
// queue, workspace bring-up (manifest + VDir + reingest journal), and
// the periodic commit and shutdown lifecycle.
package daemon

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/interpose"
	"github.com/velorift/vrift/internal/journal"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/registry"
	"github.com/velorift/vrift/internal/vdir"
	"github.com/velorift/vrift/internal/watch"
	"github.com/velorift/vrift/pkg/vlog"
)

// Workspace is one registered project: its manifest, its VDir, its
// reingest journal, and the single-consumer ingest queue that serializes
// every mutation to the latter two.
type Workspace struct {
	ID         registry.ProjectID
	Root       string
	SocketPath string
	VDirPath   string

	Manifest *manifest.Store
	VDir     *vdir.Writer
	Journal  *journal.Journal

	store   *cas.Store
	queue   *ingestQueue
	watcher *watch.Watcher
	log     *vlog.Logger

	session  sessionState
	vriftDir string

	locksMu  sync.Mutex
	locks    map[string]*flock.Flock
	locksDir string
}

// vriftDir returns <root>/.vrift, creating it and its staging/locks
// children if necessary.
func vriftDir(root string) (string, error) {
	dir := filepath.Join(root, ".vrift")
	for _, sub := range []string{"", "staging", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("creating %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return dir, nil
}

// openWorkspace opens (or creates) every on-disk component for a
// registered workspace, replays the reingest journal for crash recovery,
// and rebuilds the VDir from the manifest so a restarted daemon's cache
// reflects whatever was durably committed.
func openWorkspace(reg *registry.Workspace, store *cas.Store) (*Workspace, error) {
	vd, err := vriftDir(reg.Root)
	if err != nil {
		return nil, err
	}

	// Named manifest.lmdb per the persisted-state layout; the base
	// layer itself is a bbolt file, which keeps the same
	// single-writer/multi-reader transactional contract.
	manifestPath := filepath.Join(vd, "manifest.lmdb")
	m, err := manifest.Open(manifestPath, manifest.Options{})
	if err != nil {
		return nil, err
	}

	vw, err := vdir.OpenOrCreate(reg.VDirPath, vdir.DefaultCapacity)
	if err != nil {
		m.Close()
		return nil, err
	}

	journalPath := filepath.Join(vd, "reingest_journal.bin")
	jr, err := journal.Open(journalPath)
	if err != nil {
		vw.Close()
		m.Close()
		return nil, err
	}

	session, err := loadSession(vd)
	if err != nil {
		vw.Close()
		m.Close()
		jr.Close()
		return nil, err
	}

	ws := &Workspace{
		ID:         reg.ProjectID,
		Root:       reg.Root,
		SocketPath: reg.SocketPath,
		VDirPath:   reg.VDirPath,
		Manifest:   m,
		VDir:       vw,
		Journal:    jr,
		store:      store,
		log:        vlog.Default.Named("workspace"),
		session:    session,
		vriftDir:   vd,
		locks:      make(map[string]*flock.Flock),
		locksDir:   filepath.Join(vd, "locks"),
	}

	if err := recoverJournal(ws, journalPath); err != nil {
		return nil, err
	}
	if err := rebuildVDirFromManifest(ws); err != nil {
		return nil, err
	}

	ws.queue = newIngestQueue(ws, store)

	consumeBacklog(ws)

	w, err := watch.New(ws)
	if err != nil {
		return nil, fmt.Errorf("creating watcher for %s: %w", ws.Root, err)
	}
	if err := w.AddRecursive(ws.Root); err != nil {
		return nil, fmt.Errorf("watching %s: %w", ws.Root, err)
	}
	// Start polls queue.Ready() itself (the producer-startup gate); the
	// consumer goroutine spawned by newIngestQueue above is already
	// running by the time we get here, so this succeeds immediately.
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting watcher for %s: %w", ws.Root, err)
	}
	ws.watcher = w

	return ws, nil
}

// consumeBacklog drains <project>/.vrift/reingest_backlog.log: reingest
// attempts a client logged while no daemon was reachable. Each
// record whose staging file still exists is promoted through the normal
// reingest path; the file is truncated afterward so records aren't
// replayed twice. Failures are logged and skipped rather than failing
// workspace bring-up, since a stale record (staging file already gone)
// is expected after a messy shutdown.
func consumeBacklog(ws *Workspace) {
	path := filepath.Join(ws.vriftDir, interpose.BacklogName)
	data, err := os.ReadFile(path)
	if err != nil {
		return // no backlog: the common case
	}

	for _, line := range strings.Split(string(data), "\n") {
		virtualPath, stagingPath, ok := interpose.ParseBacklogLine(line)
		if !ok {
			continue
		}
		if _, err := os.Stat(stagingPath); err != nil {
			ws.log.Warn("backlog: staging file %s for %s is gone, skipping", stagingPath, virtualPath)
			continue
		}
		if _, err := ws.Reingest(virtualPath, stagingPath); err != nil {
			ws.log.Error("backlog: reingest of %s failed: %v", virtualPath, err)
			continue
		}
		ws.log.Info("backlog: promoted %s", virtualPath)
	}

	if err := os.Truncate(path, 0); err != nil {
		ws.log.Warn("backlog: truncating %s: %v", path, err)
	}
}

// recoverJournal replays pending reingest records left by a crashed
// daemon. InFlight entries (CAS write never finished) are logged and
// left for the client's own backlog retry; NeedsReview entries (the CAS
// write finished but the manifest/VDir update never committed) are
// surfaced as an operator-review warning, per spec: the design does not
// auto-replay them, since doing so safely requires careful VDir/journal
// ordering that a human should confirm the first time.
func recoverJournal(ws *Workspace, path string) error {
	pending, err := journal.Recover(path)
	if err != nil {
		return fmt.Errorf("recovering reingest journal for %s: %w", ws.Root, err)
	}
	for _, e := range pending {
		switch e.Status {
		case journal.InFlight:
			ws.log.Warn("reingest journal: in-flight entry %s for %s (staging %s) never finished; will be retried if the client backlog resubmits it", e.ID, e.VirtualPath, e.StagingPath)
		case journal.NeedsReview:
			ws.log.Warn("reingest journal: entry %s for %s has CAS hash %s but no committed manifest update; needs operator review", e.ID, e.VirtualPath, e.Hash)
		}
	}
	return nil
}

// rebuildVDirFromManifest repopulates the VDir from the manifest's merged
// view. The VDir is a cache, not a source of truth: a restarted
// daemon's delta is gone, but everything the base layer durably
// committed is replayed back into the cache here.
func rebuildVDirFromManifest(ws *Workspace) error {
	return ws.Manifest.Iter(func(e manifest.Entry) error {
		return ws.VDir.Upsert(vdir.UpsertParams{
			PathHash:    vdirPathHash(e.Path),
			Path:        e.Path,
			ContentHash: e.VNode.ContentHash,
			Size:        e.VNode.Size,
			MTimeNS:     e.VNode.MTimeNS,
			Mode:        e.VNode.Mode,
			Flags:       e.VNode.Flags,
		})
	})
}

// vdirPathHash derives the VDir's 64-bit slot key from a manifest path:
// the low 8 bytes of the path's 32-byte BLAKE3 hash. Using a prefix of
// the same hash the manifest already keys on (rather than an independent
// hash function) keeps the two layers' notion of "the same path"
// trivially consistent.
func vdirPathHash(path string) uint64 {
	h := manifest.PathHash(path)
	return binary.LittleEndian.Uint64(h[:8])
}

// ProjectRoot returns the workspace's root directory, satisfying the
// watch package's Submitter interface without that package importing
// this one.
func (ws *Workspace) ProjectRoot() string { return ws.Root }

// flockFor returns (opening lazily) the advisory lockfile for name, one
// per distinct manifest-key hash, under <project>/.vrift/locks/.
func (ws *Workspace) flockFor(name string) *flock.Flock {
	ws.locksMu.Lock()
	defer ws.locksMu.Unlock()

	if fl, ok := ws.locks[name]; ok {
		return fl
	}
	fl := flock.New(filepath.Join(ws.locksDir, name+".lock"))
	ws.locks[name] = fl
	return fl
}

// Close tears down every open handle. Callers should Commit the
// manifest first if a final durable flush is desired.
func (ws *Workspace) Close() error {
	if ws.watcher != nil {
		if err := ws.watcher.Close(); err != nil {
			ws.log.Warn("closing watcher for %s: %v", ws.Root, err)
		}
	}
	ws.queue.stop()

	var firstErr error
	if err := ws.Journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := ws.VDir.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := ws.Manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
