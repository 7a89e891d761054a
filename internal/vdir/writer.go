package vdir

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/pkg/vlog"
)

// Writer is the daemon-side handle on a VDir. Writers are
// single-threaded: callers must serialize their own calls (the daemon
// does this by routing all mutations through its ingest queue).
type Writer struct {
	base
	path         string
	nextPathOff  uint32 // bump allocator into the path arena; not persisted
	pathAreaSize uint32
	log          *vlog.Logger
}

// OpenOrCreate opens path as a VDir, creating it with the given capacity
// if it doesn't exist. An existing file with a mismatched magic or
// version is truncated and rebuilt from scratch; callers are expected to
// repopulate it from the manifest afterward.
func OpenOrCreate(path string, capacity uint32) (*Writer, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	pathArea := defaultPathAreaSize(capacity)
	size := fileSize(capacity, pathArea)

	_, statErr := os.Stat(path)
	create := statErr != nil

	data, err := mmapFile(path, size, true, true)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		base:         base{data: data, hdr: header{data: data[:headerSize]}},
		path:         path,
		pathAreaSize: pathArea,
		log:          vlog.Default.Named("vdir"),
	}

	if create || !w.validHeader(capacity) {
		w.initHeader(capacity)
	}
	w.nextPathOff = headerSize + capacity*slotSize

	return w, nil
}

func (w *Writer) validHeader(capacity uint32) bool {
	return w.hdr.magic() == Magic && w.hdr.version() == Version && w.hdr.capacity() == capacity && w.hdr.crcValid()
}

func (w *Writer) initHeader(capacity uint32) {
	for i := range w.data {
		w.data[i] = 0
	}
	w.hdr.setMagic(Magic)
	w.hdr.setVersion(Version)
	w.hdr.setCapacity(capacity)
	w.hdr.setTableOffset(headerSize)
	w.hdr.setEntryCount(0)
	atomic.StoreUint64(w.genPtr(), 0)
	w.hdr.refreshCRC()
}

func (w *Writer) genPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&w.data[offGeneration]))
}

// beginWrite marks the VDir as "write in progress" by making the
// generation odd, per the seqlock protocol.
func (w *Writer) beginWrite() {
	atomic.AddUint64(w.genPtr(), 1)
}

// endWrite stores the header CRC as the header will read once the
// generation is even again, then increments the generation, marking the
// VDir as stable.
func (w *Writer) endWrite() {
	next := append([]byte(nil), w.data[:headerSize]...)
	*(*uint64)(unsafe.Pointer(&next[offGeneration])) = atomic.LoadUint64(w.genPtr()) + 1
	w.hdr.setCRC(header{data: next}.computeCRC())
	atomic.AddUint64(w.genPtr(), 1)
}

// Close unmaps the VDir file.
func (w *Writer) Close() error { return w.base.close() }

// UpsertParams describes one slot's worth of data for Upsert.
type UpsertParams struct {
	PathHash    uint64
	Path        string
	ContentHash cas.Hash
	Size        uint64
	MTimeNS     uint64
	Mode        uint32
	Flags       uint16
}

// Upsert writes or updates the slot for params.PathHash, linear-probing
// from the home slot until it finds an empty slot or one already holding
// that hash. Entries are never moved between slots once placed.
func (w *Writer) Upsert(p UpsertParams) error {
	if p.PathHash == 0 {
		return fmt.Errorf("vdir: path hash must be non-zero")
	}

	capN := w.capacity()
	home := p.PathHash % uint64(capN)

	var target slot
	found := false
	isNew := false

	for i := uint64(0); i < uint64(capN); i++ {
		idx := uint32((home + i) % uint64(capN))
		s := w.slotAt(idx)
		if s.isEmpty() {
			target = s
			isNew = true
			found = true
			break
		}
		if s.pathHash() == p.PathHash {
			target = s
			found = true
			break
		}
	}

	if !found {
		return fmt.Errorf("vdir: table full, cannot upsert")
	}

	pathOff, err := w.writePathArena(p.Path)
	if err != nil {
		return err
	}

	w.beginWrite()
	target.setPathHash(p.PathHash)
	target.setContentHash(p.ContentHash)
	target.setSize(p.Size)
	target.setMTimeSec(int64(p.MTimeNS / 1e9))
	target.setMTimeNsec(uint32(p.MTimeNS % 1e9))
	target.setMode(p.Mode)
	target.setFlags(p.Flags)
	target.setPathOffset(pathOff)
	target.setPathLen(uint32(len(p.Path)))
	if isNew {
		w.hdr.setEntryCount(w.hdr.entryCount() + 1)
	}
	w.endWrite()

	if isNew {
		w.warnIfNearCapacity()
	}

	return nil
}

func (w *Writer) warnIfNearCapacity() {
	capN := w.capacity()
	if capN == 0 {
		return
	}
	if uint64(w.hdr.entryCount())*100 >= uint64(capN)*80 {
		w.log.Warn("vdir: entry_count at %d/%d (>=80%% capacity); evict stale entries or restart with a larger capacity", w.hdr.entryCount(), capN)
	}
}

// dirtyBit (flags bit 15) flags a slot with an in-progress CoW staging
// write. tombstoneBit (flags bit 14) marks a slot whose manifest entry
// was removed; the slot itself is kept (entries are never moved or
// reclaimed outside a full rebuild) but Lookup callers must treat a
// tombstoned hit as a miss.
const (
	dirtyBit     = uint16(1) << 15
	tombstoneBit = uint16(1) << 14
)

// MarkDirty sets or clears the dirty bit of the slot's flags field for
// pathHash, used by the daemon to flag entries with an in-progress CoW
// staging write.
func (w *Writer) MarkDirty(pathHash uint64, on bool) error {
	s, ok := w.find(pathHash)
	if !ok {
		return fmt.Errorf("vdir: no slot for hash %d", pathHash)
	}

	w.beginWrite()
	if on {
		s.setFlags(s.flags() | dirtyBit)
	} else {
		s.setFlags(s.flags() &^ dirtyBit)
	}
	w.endWrite()
	return nil
}

// Remove tombstones the slot for pathHash in place: the content hash and
// size are cleared and the tombstone bit is set, so readers see a miss
// without the table needing to reclaim or relocate the slot. A later
// Upsert of the same path hash (e.g. the path is recreated) clears the
// tombstone bit implicitly, since Upsert always rewrites every field.
func (w *Writer) Remove(pathHash uint64) error {
	s, ok := w.find(pathHash)
	if !ok {
		return nil // already absent: nothing to tombstone
	}

	w.beginWrite()
	s.setContentHash(cas.Hash{})
	s.setSize(0)
	s.setFlags(s.flags() | tombstoneBit)
	w.endWrite()
	return nil
}

func (w *Writer) find(pathHash uint64) (slot, bool) {
	capN := w.capacity()
	home := pathHash % uint64(capN)
	for i := uint64(0); i < uint64(capN); i++ {
		idx := uint32((home + i) % uint64(capN))
		s := w.slotAt(idx)
		if s.isEmpty() {
			return slot{}, false
		}
		if s.pathHash() == pathHash {
			return s, true
		}
	}
	return slot{}, false
}

// writePathArena bump-allocates room for path in the arena following the
// slot table, returning its offset. Re-upserting the same path each time
// a file changes does waste arena space across the VDir's lifetime; a
// full rebuild (which the daemon already performs on restart) reclaims
// it.
func (w *Writer) writePathArena(path string) (uint32, error) {
	need := uint32(len(path))
	areaStart := headerSize + w.capacity()*slotSize
	areaEnd := areaStart + w.pathAreaSize

	if w.nextPathOff+need > areaEnd {
		return 0, fmt.Errorf("vdir: path arena exhausted, restart with a larger capacity")
	}

	off := w.nextPathOff
	copy(w.data[off:off+need], path)
	w.nextPathOff += need
	return off, nil
}

// Flush is a no-op beyond what mmap's MAP_SHARED already guarantees
// (every write is visible to readers immediately); it exists to let
// callers force a durability point via msync when they need one.
func (w *Writer) Flush() error {
	return msync(w.data)
}
