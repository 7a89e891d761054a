package vdir

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/velorift/vrift/internal/vrerr"
)

// ErrStale is returned by Open when the file's magic/version doesn't
// match what this package expects; the caller should treat the VDir as
// absent and fall back to IPC until the daemon rebuilds it. It wraps
// vrerr.Corruption.
var ErrStale = fmt.Errorf("vdir: stale or incompatible header, rebuild required: %w", vrerr.Corruption)

// Reader is a client-side, read-only view of a VDir.
type Reader struct {
	base
}

// Open maps path read-only and validates its header. A magic/version
// mismatch or failed CRC returns ErrStale without otherwise erroring.
func Open(path string) (*Reader, error) {
	// The capacity isn't known up front; a zero-length probe read of
	// the header determines it before mapping the full file.
	probe, err := mmapFile(path, headerSize, false, false)
	if err != nil {
		return nil, err
	}
	hdr := header{data: probe[:headerSize]}
	capacity := hdr.capacity()
	magic := hdr.magic()
	version := hdr.version()
	unmapQuiet(probe)

	if magic != Magic || version != Version {
		return nil, ErrStale
	}

	size := fileSize(capacity, defaultPathAreaSize(capacity))
	data, err := mmapFile(path, size, false, false)
	if err != nil {
		return nil, err
	}

	r := &Reader{base: base{data: data, hdr: header{data: data[:headerSize]}}}
	if !r.hdr.crcValid() {
		r.close()
		return nil, ErrStale
	}
	return r, nil
}

// Close unmaps the VDir file.
func (r *Reader) Close() error { return r.base.close() }

func (r *Reader) genPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[offGeneration]))
}

// maxSpins bounds how many times Lookup retries before falling back
// (callers are expected to fall back to an IPC round-trip to the
// daemon on failure).
const maxSpins = 100

// Lookup walks slots starting at pathHash's home slot until it finds a
// matching hash (hit), an empty slot (miss), or a full scan (miss),
// validating each read against the seqlock. It returns ErrRetryExceeded
// if the writer is making progress faster than this reader can observe a
// stable snapshot. A hit whose Entry.IsTombstone() is true represents a
// removed manifest entry still occupying its slot; callers that want
// removal semantics (as opposed to raw slot inspection) should treat
// that case as a miss themselves.
func (r *Reader) Lookup(pathHash uint64) (Entry, bool, error) {
	for spin := 0; spin < maxSpins; spin++ {
		e, ok, retry := r.tryLookup(pathHash)
		if !retry {
			return e, ok, nil
		}
		if spin > 8 {
			runtime.Gosched()
		}
	}
	return Entry{}, false, ErrRetryExceeded
}

// ErrRetryExceeded is returned by Lookup when the seqlock could not be
// observed stable within the retry budget.
var ErrRetryExceeded = fmt.Errorf("vdir: exceeded retry budget observing a stable snapshot")

func (r *Reader) tryLookup(pathHash uint64) (e Entry, found bool, retry bool) {
	g1 := atomic.LoadUint64(r.genPtr())
	if g1&1 != 0 {
		return Entry{}, false, true // write in progress
	}

	capN := r.capacity()
	if capN == 0 {
		return Entry{}, false, false
	}
	home := pathHash % uint64(capN)

	var hit slot
	hitFound := false
	for i := uint64(0); i < uint64(capN); i++ {
		idx := uint32((home + i) % uint64(capN))
		s := r.slotAt(idx)
		if s.isEmpty() {
			break
		}
		if s.pathHash() == pathHash {
			hit = s
			hitFound = true
			break
		}
	}

	var snapshot Entry
	if hitFound {
		snapshot = Entry{
			PathHash:    hit.pathHash(),
			ContentHash: hit.contentHash(),
			Size:        hit.size(),
			MTimeSec:    hit.mtimeSec(),
			MTimeNsec:   hit.mtimeNsec(),
			Mode:        hit.mode(),
			Flags:       hit.flags(),
			Path:        r.readPath(hit.pathOffset(), hit.pathLen()),
		}
	}

	g2 := atomic.LoadUint64(r.genPtr())
	if g1 != g2 {
		return Entry{}, false, true
	}

	return snapshot, hitFound, false
}

func (r *Reader) readPath(off, length uint32) string {
	if int(off)+int(length) > len(r.data) {
		return ""
	}
	return string(r.data[off : off+length])
}

func unmapQuiet(data []byte) {
	b := base{data: data}
	_ = b.close()
}
