package vdir

import (
	"encoding/binary"

	"github.com/velorift/vrift/internal/cas"
)

// slotSize is the on-disk size of one table slot: the packed fields below
// total 74 bytes; the remaining 22 bytes are reserved padding, bringing
// each slot to the fixed 96-byte stride.
//
// path_hash[8] | content_hash[32] | size[8] | mtime_sec[8] | mtime_nsec[4]
// | mode[4] | flags[2] | path_offset[4] | path_len[4] | reserved[22]
const slotPackedSize = 8 + cas.HashSize + 8 + 8 + 4 + 4 + 2 + 4 + 4
const slotSize = 96

const (
	slotOffPathHash    = 0
	slotOffContentHash = 8
	slotOffSize        = slotOffContentHash + cas.HashSize
	slotOffMTimeSec    = slotOffSize + 8
	slotOffMTimeNsec   = slotOffMTimeSec + 8
	slotOffMode        = slotOffMTimeNsec + 4
	slotOffFlags       = slotOffMode + 4
	slotOffPathOffset  = slotOffFlags + 2
	slotOffPathLen     = slotOffPathOffset + 4
)

// Entry is a reader-facing snapshot of one VDir slot, copied out of the
// mmap region so it remains valid after the writer moves on.
type Entry struct {
	PathHash    uint64
	ContentHash cas.Hash
	Size        uint64
	MTimeSec    int64
	MTimeNsec   uint32
	Mode        uint32
	Flags       uint16
	Path        string
}

// IsDirty reports whether the entry has an in-progress CoW staging write
// (the dirty bit set by Writer.MarkDirty).
func (e Entry) IsDirty() bool { return e.Flags&dirtyBit != 0 }

// IsTombstone reports whether the entry's manifest record was removed
// (the tombstone bit set by Writer.Remove). Callers should treat a
// tombstoned hit as a miss.
func (e Entry) IsTombstone() bool { return e.Flags&tombstoneBit != 0 }

// slot is a view over one slotSize-byte region of the mmap'd table.
type slot struct {
	data []byte // data[:slotSize]
}

func (s slot) pathHash() uint64 { return binary.LittleEndian.Uint64(s.data[slotOffPathHash:]) }
func (s slot) isEmpty() bool    { return s.pathHash() == 0 }

func (s slot) setPathHash(v uint64) {
	binary.LittleEndian.PutUint64(s.data[slotOffPathHash:], v)
}

func (s slot) contentHash() cas.Hash {
	var h cas.Hash
	copy(h[:], s.data[slotOffContentHash:slotOffContentHash+cas.HashSize])
	return h
}

func (s slot) setContentHash(h cas.Hash) {
	copy(s.data[slotOffContentHash:slotOffContentHash+cas.HashSize], h[:])
}

func (s slot) size() uint64          { return binary.LittleEndian.Uint64(s.data[slotOffSize:]) }
func (s slot) setSize(v uint64)      { binary.LittleEndian.PutUint64(s.data[slotOffSize:], v) }
func (s slot) mtimeSec() int64       { return int64(binary.LittleEndian.Uint64(s.data[slotOffMTimeSec:])) }
func (s slot) setMTimeSec(v int64)   { binary.LittleEndian.PutUint64(s.data[slotOffMTimeSec:], uint64(v)) }
func (s slot) mtimeNsec() uint32     { return binary.LittleEndian.Uint32(s.data[slotOffMTimeNsec:]) }
func (s slot) setMTimeNsec(v uint32) { binary.LittleEndian.PutUint32(s.data[slotOffMTimeNsec:], v) }
func (s slot) mode() uint32          { return binary.LittleEndian.Uint32(s.data[slotOffMode:]) }
func (s slot) setMode(v uint32)      { binary.LittleEndian.PutUint32(s.data[slotOffMode:], v) }
func (s slot) flags() uint16         { return binary.LittleEndian.Uint16(s.data[slotOffFlags:]) }
func (s slot) setFlags(v uint16)     { binary.LittleEndian.PutUint16(s.data[slotOffFlags:], v) }
func (s slot) pathOffset() uint32    { return binary.LittleEndian.Uint32(s.data[slotOffPathOffset:]) }
func (s slot) setPathOffset(v uint32) {
	binary.LittleEndian.PutUint32(s.data[slotOffPathOffset:], v)
}
func (s slot) pathLen() uint32     { return binary.LittleEndian.Uint32(s.data[slotOffPathLen:]) }
func (s slot) setPathLen(v uint32) { binary.LittleEndian.PutUint32(s.data[slotOffPathLen:], v) }

func (s slot) clear() {
	for i := range s.data {
		s.data[i] = 0
	}
}
