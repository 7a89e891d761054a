package interpose

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/velorift/vrift/pkg/vlog"
)

// Event kinds recorded by the virtualizing bodies. One per intercepted
// call family, matching the names a reader of the ring buffer would
// expect to grep for.
const (
	evOpen     = "open"
	evStat     = "stat"
	evFstat    = "fstat"
	evOpendir  = "opendir"
	evUnlink   = "unlink"
	evRename   = "rename"
	evMkdir    = "mkdir"
	evRmdir    = "rmdir"
	evSymlink  = "symlink"
	evChmod    = "chmod"
	evChown    = "chown"
	evTruncate = "truncate"
	evUtimes   = "utimes"
	evClose    = "close"
	evMmap     = "mmap"
	evMunmap   = "munmap"
	evFlock    = "flock"
)

// ringCapacity bounds the per-process event buffer. One entry per
// intercepted call; old entries are evicted, never flushed to disk.
const ringCapacity = 1024

// kindStats accumulates per-syscall counts and latencies when profiling
// is enabled (VRIFT_PROFILE).
type kindStats struct {
	Count   uint64 `json:"count"`
	Errors  uint64 `json:"errors"`
	TotalNS int64  `json:"total_ns"`
	MeanNS  int64  `json:"mean_ns"`
}

// telemetry is the process-local observability state of the
// interposition layer: a compact event ring every virtualizing body
// appends to, plus (when VRIFT_PROFILE is set) per-syscall counters and
// nanosecond latency sums written out as a JSON summary at process exit.
// It never prints anything on its own; the library communicates with the
// caller only via errno unless explicitly asked to dump.
type telemetry struct {
	ring      *vlog.Ring
	profiling bool

	mu    sync.Mutex
	stats map[string]*kindStats
}

func newTelemetry() *telemetry {
	return &telemetry{
		ring:      vlog.NewRing(ringCapacity),
		profiling: os.Getenv("VRIFT_PROFILE") != "",
		stats:     make(map[string]*kindStats),
	}
}

// eventScope is one in-flight virtualizing body's measurement. Bodies
// call begin at entry, setHash once the path is resolved, and done (in a
// defer) with the body's final error.
type eventScope struct {
	t     *telemetry
	kind  string
	hash  uint64
	start time.Time
}

func (t *telemetry) begin(kind string) *eventScope {
	return &eventScope{t: t, kind: kind, start: time.Now()}
}

func (e *eventScope) setHash(h uint64) { e.hash = h }

func (e *eventScope) done(err error) {
	ns := time.Since(e.start).Nanoseconds()
	e.t.ring.Push(fmt.Sprintf("%s %016x errno=%d ns=%d", e.kind, e.hash, errnoOf(err), ns))

	if !e.t.profiling {
		return
	}
	e.t.mu.Lock()
	s, ok := e.t.stats[e.kind]
	if !ok {
		s = &kindStats{}
		e.t.stats[e.kind] = s
	}
	s.Count++
	if err != nil {
		s.Errors++
	}
	s.TotalNS += ns
	e.t.mu.Unlock()
}

// errnoOf digs the kernel errno out of err: 0 for nil, -1 for an error
// that carries no syscall.Errno (policy rejections like vrerr.EPERM and
// vrerr.EXDEV are sentinels, not errnos, so they record -1).
func errnoOf(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}

// Events returns the buffered ring entries, oldest first.
func (t *telemetry) Events() []string { return t.ring.Dump() }

// WriteSummary emits the per-syscall profile as JSON. With profiling
// disabled it writes an empty syscall map, so the output shape is stable
// either way.
func (t *telemetry) WriteSummary(w io.Writer) error {
	t.mu.Lock()
	out := struct {
		PID      int                   `json:"pid"`
		Syscalls map[string]*kindStats `json:"syscalls"`
	}{PID: os.Getpid(), Syscalls: make(map[string]*kindStats, len(t.stats))}
	for k, s := range t.stats {
		cp := *s
		if cp.Count > 0 {
			cp.MeanNS = cp.TotalNS / int64(cp.Count)
		}
		out.Syscalls[k] = &cp
	}
	t.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&out)
}

// Events exposes the Session's telemetry ring for diagnostics.
func (s *Session) Events() []string { return s.tele.Events() }

// WriteProfile writes the per-syscall latency summary to w. The
// LD_PRELOAD build calls this from its exit hook when VRIFT_PROFILE is
// set; if VRIFT_PROFILE names a path the summary goes there, otherwise
// to stderr (acceptable only because the user explicitly opted in — the
// library otherwise never writes to the host process's streams).
func (s *Session) WriteProfile(w io.Writer) error { return s.tele.WriteSummary(w) }

// DumpProfile honors VRIFT_PROFILE's value: unset is a no-op, "1"/"true"
// writes to stderr, anything else is treated as a destination path.
func (s *Session) DumpProfile() error {
	dest := os.Getenv("VRIFT_PROFILE")
	switch dest {
	case "":
		return nil
	case "1", "true":
		return s.WriteProfile(os.Stderr)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.WriteProfile(f)
}
