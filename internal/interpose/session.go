package interpose

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/vdir"
	"github.com/velorift/vrift/internal/vrerr"
)

// syntheticDev is the fixed st_dev value every VDir-backed stat reports,
// letting a caller recognize (and callers that care, like a build tool's
// own cache-key logic, distinguish) a VFS-virtual file from a real one.
const syntheticDev = 0x56524654 // "VRFT"

// Config bundles a Session's fixed configuration: the two path roots the
// PathResolver tests against and the filesystem locations of the CAS,
// staging directory, and lock directory the virtualizing bodies read and
// write.
type Config struct {
	VFSPrefix   string
	ProjectRoot string
	StagingDir  string
	LocksDir    string
}

// Session is the per-process interposition state object: the
// phase/circuit-breaker state machine, the path resolver, the read-only
// VDir cache, the CAS store, the open-FD table, the dirty tracker, and a
// lazy daemon connection, bundled behind the virtualizing syscall bodies.
// A Session is created once per process and is safe for concurrent use
// from multiple goroutines/threads; in an injected build it is shared
// across every OS thread in the target process.
type Session struct {
	state    *ProcessState
	resolver *PathResolver
	cfg      Config

	vdir   *vdir.Reader
	store  *cas.Store
	daemon DaemonClient
	raw    RawBackend

	fds     *fdTable
	dirty   *dirtyTracker
	tele    *telemetry
	backlog *backlog

	cwdMu sync.Mutex
	cwd   string

	nofileSoft uint64
}

// New creates a Session. vd may be nil if the VDir mmap is not yet
// available (every lookup then falls through to the daemon); store and
// daemon are required.
func New(cfg Config, vd *vdir.Reader, store *cas.Store, daemon DaemonClient, raw RawBackend) *Session {
	cwd, _ := os.Getwd()
	var backlogPath string
	if cfg.StagingDir != "" {
		backlogPath = filepath.Join(filepath.Dir(cfg.StagingDir), BacklogName)
	}
	return &Session{
		state:    NewProcessState(),
		resolver: &PathResolver{VFSPrefix: cfg.VFSPrefix, ProjectRoot: cfg.ProjectRoot},
		cfg:      cfg,
		vdir:     vd,
		store:    store,
		daemon:   daemon,
		raw:      raw,
		fds:      newFDTable(),
		dirty:    newDirtyTracker(),
		tele:     newTelemetry(),
		backlog:  &backlog{path: backlogPath},
		cwd:      cwd,
	}
}

// Bootstrap drives the phase state machine from NotStarted to Ready. It
// must be called, and must complete, before any virtualizing body runs;
// callers on the raw-passthrough path (i.e. Phase() != Ready) never call
// into Session methods other than Phase/Ready/TripBreaker at all.
func (s *Session) Bootstrap() {
	if !s.state.BeginInit() {
		return
	}
	s.state.MarkReady()
}

func pathHash64(key string) uint64 {
	h := manifest.PathHash(key)
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(h[i]) << (8 * i)
	}
	return v
}

func vnodeToStat(key string, v manifest.VNode) FileStat {
	return FileStat{
		Dev:    syntheticDev,
		Ino:    pathHash64(key),
		Mode:   v.Mode,
		Nlink:  1,
		Size:   int64(v.Size),
		Mtime:  time.Unix(0, int64(v.MTimeNS)),
		IsDir:  v.Kind() == manifest.KindDir,
		IsLink: v.Kind() == manifest.KindSymlink,
	}
}

// lookup resolves a manifest entry for key the way every read-path body
// does: the VDir cache first, the daemon over IPC on miss.
func (s *Session) lookup(key string) (manifest.VNode, bool, error) {
	if s.vdir != nil {
		if e, found, err := s.vdir.Lookup(pathHash64(key)); err == nil && found {
			if e.IsTombstone() {
				return manifest.VNode{}, false, nil
			}
			// The top two flag bits are VDir-internal (dirty/tombstone
			// markers) and must not leak into the manifest-level vnode.
			return manifest.VNode{
				ContentHash: e.ContentHash,
				Size:        e.Size,
				MTimeNS:     uint64(e.MTimeSec)*1e9 + uint64(e.MTimeNsec),
				Mode:        e.Mode,
				Flags:       e.Flags & 0x3fff,
			}, true, nil
		}
	}
	entry, found, err := s.daemon.ManifestGet(key)
	if err != nil {
		return manifest.VNode{}, false, err
	}
	return entry.VNode, found, nil
}

func (s *Session) cwdSnapshot() string {
	s.cwdMu.Lock()
	defer s.cwdMu.Unlock()
	return s.cwd
}

// SetCwd updates the cached cwd used to absolute-ify relative paths,
// called by the chdir/fchdir virtualizing bodies.
func (s *Session) SetCwd(p string) { s.cwdMu.Lock(); s.cwd = p; s.cwdMu.Unlock() }

// resolveOrPassthrough resolves p against the VFS domain; ok is false
// when the call should fall through to s.raw unchanged.
func (s *Session) resolveOrPassthrough(p string) (VfsPath, bool) {
	return s.resolver.Resolve(p, s.cwdSnapshot())
}

// --- open / openat -----------------------------------------------------

// OpenFlags mirrors the subset of O_* flags the virtualizing open body
// distinguishes: write intent versus read-only, and whether creation is
// permitted on a miss.
type OpenFlags struct {
	WriteIntent bool
	Create      bool
	Mode        uint32
}

// Open implements the virtualized open/openat body. It returns the real FD the
// caller should use (a direct CAS-blob FD for a read-only hit, a
// staging-file FD for a write-intent hit, or an FD on a newly created
// file at the real path for a write-intent miss), or ok=false to signal
// raw passthrough.
func (s *Session) Open(rawPath string, flags OpenFlags) (fd int, ok bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return 0, false, nil
	}
	ev := s.tele.begin(evOpen)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()

	vnode, found, err := s.lookup(vp.ManifestKey)
	if err != nil {
		return 0, true, err
	}

	if !found {
		if !flags.WriteIntent {
			return 0, true, fmt.Errorf("open %s: %w", vp.ManifestKey, vrerr.NotFound)
		}
		fd, err := s.raw.Open(vp.Absolute, os.O_RDWR|os.O_CREATE, flags.Mode)
		if err != nil {
			return 0, true, err
		}
		s.fds.track(fd, vp.ManifestKey, manifest.VNode{}, "")
		return fd, true, nil
	}

	if !flags.WriteIntent {
		blobPath := s.store.BlobPath(vnode.ContentHash, int64(vnode.Size))
		fd, err := s.raw.Open(blobPath, os.O_RDONLY, 0)
		if err != nil {
			return 0, true, err
		}
		s.fds.track(fd, vp.ManifestKey, vnode, "")
		return fd, true, nil
	}

	// Break-before-write: stage a private copy-on-write file under
	// <project>/.vrift/staging/ and hand the caller a descriptor onto
	// that instead of the shared, immutable CAS blob.
	stagingPath := s.newStagingPath()
	blobPath := s.store.BlobPath(vnode.ContentHash, int64(vnode.Size))
	if err := s.raw.Copy(blobPath, stagingPath); err != nil {
		return 0, true, fmt.Errorf("staging %s: %w", vp.ManifestKey, err)
	}
	fd, err = s.raw.Open(stagingPath, os.O_RDWR, flags.Mode)
	if err != nil {
		return 0, true, err
	}
	s.fds.track(fd, vp.ManifestKey, vnode, stagingPath)
	s.dirty.mark(vp.ManifestKey, stagingPath)
	return fd, true, nil
}

var stagingCounter int64

func (s *Session) newStagingPath() string {
	n := atomic.AddInt64(&stagingCounter, 1)
	name := fmt.Sprintf("%d-%d-%d", os.Getpid(), time.Now().UnixNano(), n)
	return filepath.Join(s.cfg.StagingDir, name)
}

// --- stat family ---------------------------------------------------------

// Stat implements the virtualized stat/lstat body: dirty-tracker override first,
// then the VDir/daemon lookup, synthesizing Dev/Ino so CAS-deduplicated
// files never alias inode numbers.
func (s *Session) Stat(rawPath string) (st FileStat, handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return FileStat{}, false, nil
	}
	ev := s.tele.begin(evStat)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()

	if stagingPath, dirty := s.dirty.lookup(vp.ManifestKey); dirty {
		st, err = s.raw.Stat(stagingPath)
		if err != nil {
			return FileStat{}, true, err
		}
		st.Dev = syntheticDev
		st.Ino = pathHash64(vp.ManifestKey)
		return st, true, nil
	}

	vnode, found, err := s.lookup(vp.ManifestKey)
	if err != nil {
		return FileStat{}, true, err
	}
	if !found {
		return FileStat{}, true, fmt.Errorf("stat %s: %w", vp.ManifestKey, vrerr.NotFound)
	}
	return vnodeToStat(vp.ManifestKey, vnode), true, nil
}

// Fstat implements the virtualized fstat body: answer entirely from the open-FD
// table, stat'ing the live staging file if one is tracked.
func (s *Session) Fstat(fd int) (st FileStat, handled bool, err error) {
	e, tracked := s.fds.get(fd)
	if !tracked {
		return FileStat{}, false, nil
	}
	ev := s.tele.begin(evFstat)
	ev.setHash(pathHash64(e.manifestKey))
	defer func() { ev.done(err) }()
	if e.stagingPath != "" {
		st, err = s.raw.Stat(e.stagingPath)
		if err != nil {
			return FileStat{}, true, err
		}
		st.Dev = syntheticDev
		st.Ino = pathHash64(e.manifestKey)
		return st, true, nil
	}
	return vnodeToStat(e.manifestKey, e.vnode), true, nil
}

// --- directories -----------------------------------------------------------

// DirHandle is the synthetic-DIR object opendir/readdir/closedir share:
// the VDir's child entries first, then physical entries from the real
// (unmanaged-file) directory, skipping names already yielded.
type DirHandle struct {
	entries []DirEntry
	pos     int
}

// Opendir implements the virtualized opendir body.
func (s *Session) Opendir(rawPath string) (h *DirHandle, handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return nil, false, nil
	}
	ev := s.tele.begin(evOpendir)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()

	seen := make(map[string]bool)
	var entries []DirEntry

	if listErr := s.listManifestChildren(vp.ManifestKey, func(name string, isDir bool) {
		if !seen[name] {
			seen[name] = true
			entries = append(entries, DirEntry{Name: name, IsDir: isDir})
		}
	}); listErr != nil {
		return nil, true, listErr
	}

	if physical, err := s.raw.ReadDir(vp.Absolute); err == nil {
		for _, e := range physical {
			if !seen[e.Name] {
				seen[e.Name] = true
				entries = append(entries, e)
			}
		}
	}

	return &DirHandle{entries: entries}, true, nil
}

// listManifestChildren lists the manifest's direct children of
// manifestKey through the daemon client's optional ListDir method:
// ipcClient sends a ManifestListDir request, and session_test.go's
// fakeDaemon answers from its in-memory entries. A DaemonClient without
// ListDir (the VRIFT_MANIFEST static client) contributes no manifest
// children.
func (s *Session) listManifestChildren(manifestKey string, yield func(name string, isDir bool)) error {
	type lister interface {
		ListDir(path string) ([]manifest.Entry, error)
	}
	l, ok := s.daemon.(lister)
	if !ok {
		return nil
	}
	entries, err := l.ListDir(manifestKey)
	if err != nil {
		return err
	}
	for _, e := range entries {
		yield(path.Base(e.Path), e.VNode.Kind() == manifest.KindDir)
	}
	return nil
}

// Readdir yields the next entry, or ok=false at end of stream.
func (h *DirHandle) Readdir() (DirEntry, bool) {
	if h.pos >= len(h.entries) {
		return DirEntry{}, false
	}
	e := h.entries[h.pos]
	h.pos++
	return e, true
}

// --- mutation syscalls -----------------------------------------------------

// checkTier rejects an operation against a Tier-1 entry with EPERM.
// Callers pass the already-resolved entry.
func checkTier(tier manifest.Tier) error {
	if tier == manifest.Tier1Immutable {
		return vrerr.EPERM
	}
	return nil
}

// crossesBoundary implements the rename/link boundary rule: both sides
// of the operation must be on the same side of the VFS domain.
func (s *Session) crossesBoundary(oldIn, newIn bool) error {
	if oldIn != newIn {
		return vrerr.EXDEV
	}
	return nil
}

// Unlink implements the virtualized unlink body: a successful unlink
// removes the manifest entry along with the physical file.
func (s *Session) Unlink(rawPath string) (handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return false, nil
	}
	ev := s.tele.begin(evUnlink)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	entry, found, err := s.daemon.ManifestGet(vp.ManifestKey)
	if err != nil {
		return true, err
	}
	if found {
		if err := checkTier(entry.Tier); err != nil {
			return true, err
		}
	}
	if err := s.raw.Unlink(vp.Absolute); err != nil {
		return true, err
	}
	if found {
		if err := s.daemon.ManifestRemove(vp.ManifestKey); err != nil {
			return true, err
		}
	}
	s.dirty.clear(vp.ManifestKey)
	return true, nil
}

// Rename implements the virtualized rename body.
func (s *Session) Rename(oldPath, newPath string) (handled bool, err error) {
	oldVP, oldIn := s.resolveOrPassthrough(oldPath)
	newVP, newIn := s.resolveOrPassthrough(newPath)
	if !oldIn && !newIn {
		return false, nil
	}
	ev := s.tele.begin(evRename)
	if oldIn {
		ev.setHash(pathHash64(oldVP.ManifestKey))
	}
	defer func() { ev.done(err) }()
	if err := s.crossesBoundary(oldIn, newIn); err != nil {
		return true, err
	}
	entry, found, err := s.daemon.ManifestGet(oldVP.ManifestKey)
	if err != nil {
		return true, err
	}
	if found {
		if err := checkTier(entry.Tier); err != nil {
			return true, err
		}
		if err := s.daemon.ManifestRename(oldVP.ManifestKey, newVP.ManifestKey); err != nil {
			return true, err
		}
	}
	if stagingPath, dirty := s.dirty.lookup(oldVP.ManifestKey); dirty {
		s.dirty.clear(oldVP.ManifestKey)
		s.dirty.mark(newVP.ManifestKey, stagingPath)
	}
	return true, nil
}

// Mkdir implements the virtualized mkdir body: a successful mkdir
// inserts a directory manifest entry. New directories are Tier2Mutable,
// the same default a fresh manifest entry gets anywhere else in this
// codebase.
func (s *Session) Mkdir(rawPath string, mode uint32) (handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return false, nil
	}
	ev := s.tele.begin(evMkdir)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err := s.raw.Mkdir(vp.Absolute, mode); err != nil {
		return true, err
	}
	vnode := manifest.VNode{Mode: mode}.WithKind(manifest.KindDir)
	if err := s.daemon.ManifestUpsert(vp.ManifestKey, vnode, manifest.Tier2Mutable); err != nil {
		return true, err
	}
	return true, nil
}

// Rmdir implements the virtualized rmdir body: a successful rmdir removes the
// directory's manifest entry, the same as Unlink does for files.
func (s *Session) Rmdir(rawPath string) (handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return false, nil
	}
	ev := s.tele.begin(evRmdir)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	entry, found, err := s.daemon.ManifestGet(vp.ManifestKey)
	if err != nil {
		return true, err
	}
	if found && checkTier(entry.Tier) != nil {
		return true, vrerr.EPERM
	}
	if err := s.raw.Rmdir(vp.Absolute); err != nil {
		return true, err
	}
	if found {
		if err := s.daemon.ManifestRemove(vp.ManifestKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Link implements the virtualized link body.
func (s *Session) Link(oldPath, newPath string) (bool, error) {
	_, oldIn := s.resolveOrPassthrough(oldPath)
	_, newIn := s.resolveOrPassthrough(newPath)
	if !oldIn && !newIn {
		return false, nil
	}
	if err := s.crossesBoundary(oldIn, newIn); err != nil {
		return true, err
	}
	return true, nil
}

// Symlink implements the virtualized symlink body: the target string is
// stored as a CAS blob and a symlink entry referencing it by hash is
// inserted, with Size set to the target string's byte length.
func (s *Session) Symlink(target, linkPath string) (handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(linkPath)
	if !ok {
		return false, nil
	}
	ev := s.tele.begin(evSymlink)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err := s.raw.Symlink(target, vp.Absolute); err != nil {
		return true, err
	}
	hash, err := s.daemon.CasInsert([]byte(target))
	if err != nil {
		return true, err
	}
	vnode := manifest.VNode{ContentHash: hash, Size: uint64(len(target))}.WithKind(manifest.KindSymlink)
	if err := s.daemon.ManifestUpsert(vp.ManifestKey, vnode, manifest.Tier2Mutable); err != nil {
		return true, err
	}
	return true, nil
}

// Chmod/Chown-family/Truncate/Utimes all share the same Tier-1 rejection
// shape; chmodLike centralizes it.
func (s *Session) chmodLike(rawPath string) (vp VfsPath, handled bool, err error) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return VfsPath{}, false, nil
	}
	entry, found, gerr := s.daemon.ManifestGet(vp.ManifestKey)
	if gerr != nil {
		return vp, true, gerr
	}
	if found {
		if terr := checkTier(entry.Tier); terr != nil {
			return vp, true, terr
		}
	}
	return vp, true, nil
}

func (s *Session) Chmod(rawPath string, mode uint32) (handled bool, err error) {
	vp, handled, err := s.chmodLike(rawPath)
	if !handled {
		return handled, err
	}
	ev := s.tele.begin(evChmod)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err != nil {
		return true, err
	}
	return true, s.raw.Chmod(vp.Absolute, mode)
}

func (s *Session) Chown(rawPath string, uid, gid int) (handled bool, err error) {
	vp, handled, err := s.chmodLike(rawPath)
	if !handled {
		return handled, err
	}
	ev := s.tele.begin(evChown)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err != nil {
		return true, err
	}
	return true, s.raw.Chown(vp.Absolute, uid, gid)
}

func (s *Session) Lchown(rawPath string, uid, gid int) (handled bool, err error) {
	vp, handled, err := s.chmodLike(rawPath)
	if !handled {
		return handled, err
	}
	ev := s.tele.begin(evChown)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err != nil {
		return true, err
	}
	return true, s.raw.Lchown(vp.Absolute, uid, gid)
}

// Truncate implements the virtualized truncate body: rejected with EPERM
// on Tier-1 entries; otherwise it truncates the staging copy when one is
// open, or the physical file at the path when none is.
func (s *Session) Truncate(rawPath string, size int64) (handled bool, err error) {
	vp, handled, err := s.chmodLike(rawPath)
	if !handled {
		return handled, err
	}
	ev := s.tele.begin(evTruncate)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err != nil {
		return true, err
	}
	if stagingPath, dirty := s.dirty.lookup(vp.ManifestKey); dirty {
		return true, s.raw.Truncate(stagingPath, size)
	}
	return true, s.raw.Truncate(vp.Absolute, size)
}

// Utimes implements the virtualized utimes/utimensat/futimens body: Tier-1
// rejected outright; Tier-2 permitted only on the staging copy.
func (s *Session) Utimes(rawPath string, atime, mtime time.Time) (handled bool, err error) {
	vp, handled, err := s.chmodLike(rawPath)
	if !handled {
		return handled, err
	}
	ev := s.tele.begin(evUtimes)
	ev.setHash(pathHash64(vp.ManifestKey))
	defer func() { ev.done(err) }()
	if err != nil {
		return true, err
	}
	stagingPath, dirty := s.dirty.lookup(vp.ManifestKey)
	if !dirty {
		return true, vrerr.EPERM
	}
	return true, s.raw.Utimes(stagingPath, atime, mtime)
}

// --- close / mmap / flock --------------------------------------------------

// Close implements the virtualized close body: a tracked FD with no staging file
// is a raw close; one with a staging file and a zero mmap refcount
// triggers a synchronous Reingest before the FD is dropped from the
// table. A nonzero refcount defers reingest to the matching Munmap call.
func (s *Session) Close(fd int) (handled bool, err error) {
	e, tracked := s.fds.get(fd)
	if !tracked {
		return false, nil
	}
	ev := s.tele.begin(evClose)
	ev.setHash(pathHash64(e.manifestKey))
	defer func() { ev.done(err) }()
	if e.stagingPath == "" {
		s.fds.untrack(fd)
		return true, s.raw.Close(fd)
	}
	if e.mmapRefs > 0 {
		s.fds.markDeferredClose(fd)
		return true, s.raw.Close(fd)
	}
	return true, s.reingestAndClose(fd, e)
}

func (s *Session) reingestAndClose(fd int, e *fdEntry) error {
	if err := s.raw.Close(fd); err != nil {
		return err
	}
	err := s.reingestOrBacklog(e.manifestKey, e.stagingPath)
	s.fds.untrack(fd)
	s.dirty.clear(e.manifestKey)
	return err
}

// reingestOrBacklog sends the reingest to the daemon, falling back to
// the per-project backlog file when the daemon is unreachable: the
// staging file stays in place and the daemon promotes it on next
// startup, so the close itself still succeeds.
func (s *Session) reingestOrBacklog(manifestKey, stagingPath string) error {
	_, err := s.daemon.Reingest(manifestKey, stagingPath)
	if err != nil && errors.Is(err, vrerr.DaemonUnreachable) {
		if logErr := s.backlog.log(manifestKey, stagingPath); logErr == nil {
			return nil
		}
	}
	return err
}

// Mmap increments the mmap refcount on a tracked FD; untracked FDs
// passthrough (ok=false).
func (s *Session) Mmap(fd int) bool {
	if _, tracked := s.fds.get(fd); !tracked {
		return false
	}
	s.fds.incMmap(fd)
	s.tele.begin(evMmap).done(nil)
	return true
}

// Munmap decrements the refcount. If it reaches zero on an FD whose
// Close was deferred pending the mapping's release, Munmap performs the
// reingest Close postponed and drops the FD from the table; otherwise it
// just reports the new refcount.
func (s *Session) Munmap(fd int) (remaining int32, tracked bool, err error) {
	if _, ok := s.fds.get(fd); !ok {
		return 0, false, nil
	}
	ev := s.tele.begin(evMunmap)
	defer func() { ev.done(err) }()
	remaining, e, finalize := s.fds.decMmapAndMaybeFinalize(fd)
	if finalize {
		err = s.reingestOrBacklog(e.manifestKey, e.stagingPath)
		s.dirty.clear(e.manifestKey)
	}
	return remaining, true, err
}

// Flock implements the virtualized flock redirection: per-manifest-key lockfile
// under <project>/.vrift/locks/, rather than a meaningless per-inode
// kernel lock on a shared CAS blob.
func (s *Session) Flock(fd int, exclusive bool) (handled bool, err error) {
	e, tracked := s.fds.get(fd)
	if !tracked {
		return false, nil
	}
	ev := s.tele.begin(evFlock)
	ev.setHash(pathHash64(e.manifestKey))
	defer func() { ev.done(err) }()
	return true, s.daemon.FlockAcquire(strconv.FormatUint(pathHash64(e.manifestKey), 16))
}

func (s *Session) Funlock(fd int) (bool, error) {
	e, tracked := s.fds.get(fd)
	if !tracked {
		return false, nil
	}
	name := strconv.FormatUint(pathHash64(e.manifestKey), 16)
	return true, s.daemon.FlockRelease(name)
}

// --- exec / rlimit / dlopen -------------------------------------------------

// PrepareExec implements the virtualized execve/posix_spawn body: it sets
// the target path's mode to 0755 immediately before the real exec,
// clearing a read-only mode that a file copy-cloned from a read-only CAS
// blob carries. It does not clear the file's immutable flag.
func (s *Session) PrepareExec(rawPath string) {
	vp, ok := s.resolveOrPassthrough(rawPath)
	if !ok {
		return
	}
	_ = s.raw.Chmod(vp.Absolute, 0755)
}

// SetNofileLimit updates the cached RLIMIT_NOFILE soft limit the open-FD
// table sizing assumes, called by the setrlimit interception.
func (s *Session) SetNofileLimit(soft uint64) { atomic.StoreUint64(&s.nofileSoft, soft) }

// NofileLimit returns the cached soft limit.
func (s *Session) NofileLimit() uint64 { return atomic.LoadUint64(&s.nofileSoft) }

// dlopen/dlsym are intentionally not wrapped: forwarding them raw
// prevents the layer from trying to resolve itself via the dynamic
// loader, so there is no virtualizing body to write — every call path
// in cmd/vriftpreload wires these symbols straight to libdl with no
// Session involvement at all.
