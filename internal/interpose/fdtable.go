package interpose

import (
	"sync"

	"github.com/velorift/vrift/internal/manifest"
)

// fdEntry is everything the table remembers about one open VFS-domain
// file descriptor: enough for fstat to answer without a kernel or daemon
// round-trip, and enough for close to know whether a reingest is owed.
type fdEntry struct {
	manifestKey string
	vnode       manifest.VNode
	stagingPath string // "" if this FD is a read-only CAS-blob open
	mmapRefs    int32

	// deferredClose is set by Session.Close when mmapRefs is still
	// nonzero at close time: the real fd has already been closed, but
	// the reingest it owes is postponed until Munmap drains the last
	// mapping.
	deferredClose bool
}

// fdTable is the per-process open-FD table named in the interposition
// layer's per-process state: every VFS-domain FD a process has open,
// keyed by the real FD number the kernel (or, in tests, fakeBackend)
// handed back from open/openat.
type fdTable struct {
	mu      sync.Mutex
	entries map[int]*fdEntry
}

func newFDTable() *fdTable {
	return &fdTable{entries: make(map[int]*fdEntry)}
}

func (t *fdTable) track(fd int, manifestKey string, vnode manifest.VNode, stagingPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = &fdEntry{manifestKey: manifestKey, vnode: vnode, stagingPath: stagingPath}
}

func (t *fdTable) get(fd int) (*fdEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	return e, ok
}

func (t *fdTable) untrack(fd int) (*fdEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	delete(t.entries, fd)
	return e, ok
}

// incMmap tracks mmap's refcount on a tracked FD; a nonzero refcount at
// close time delays reingest until munmap drains it.
func (t *fdTable) incMmap(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[fd]; ok {
		e.mmapRefs++
	}
}

// markDeferredClose flags fd's entry as having been closed while its
// mmap refcount was still nonzero.
func (t *fdTable) markDeferredClose(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[fd]; ok {
		e.deferredClose = true
	}
}

// decMmapAndMaybeFinalize decrements fd's mmap refcount and, if it
// reaches zero on an entry whose Close was deferred, removes the entry
// from the table and returns it so the caller can perform the reingest
// Close postponed.
func (t *fdTable) decMmapAndMaybeFinalize(fd int) (remaining int32, e *fdEntry, finalize bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[fd]
	if !ok {
		return 0, nil, false
	}
	if entry.mmapRefs > 0 {
		entry.mmapRefs--
	}
	if entry.mmapRefs == 0 && entry.deferredClose {
		delete(t.entries, fd)
		return 0, entry, true
	}
	return entry.mmapRefs, nil, false
}

// dirtyTracker is the process-local set of manifest keys that currently
// have a live copy-on-write staging file, used by stat/fstat to decide
// whether to answer from the staging copy instead of the VDir cache.
type dirtyTracker struct {
	mu   sync.Mutex
	keys map[string]string // manifest key -> staging path
}

func newDirtyTracker() *dirtyTracker {
	return &dirtyTracker{keys: make(map[string]string)}
}

func (d *dirtyTracker) mark(manifestKey, stagingPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[manifestKey] = stagingPath
}

func (d *dirtyTracker) lookup(manifestKey string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.keys[manifestKey]
	return p, ok
}

func (d *dirtyTracker) clear(manifestKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, manifestKey)
}
