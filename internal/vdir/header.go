// Package vdir implements the VDir hot cache: a fixed-capacity,
// mmap-backed, open-addressed hash table exposing the manifest to
// in-process readers via a seqlock. The daemon is the sole writer;
// clients are unbounded, untrusted readers.
package vdir

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// Magic identifies a VDir file: the four ASCII bytes "VRFT" read as
	// a little-endian uint32.
	Magic uint32 = 0x54465256
	// Version is the current on-disk schema version. Opening an older
	// (or mismatched) version forces a rebuild rather than an in-place
	// migration.
	Version uint32 = 2

	headerSize = 64

	// DefaultCapacity is the default slot count when none is specified.
	DefaultCapacity = 65536
)

// header offsets within the mmap region.
const (
	offMagic       = 0
	offVersion     = 4
	offGeneration  = 8
	offEntryCount  = 16
	offCapacity    = 20
	offTableOffset = 24
	offCRC32       = 28
)

// header is a read/write view over the first 64 bytes of the mmap
// region. Fields are accessed directly against the backing byte slice so
// layout and endianness are explicit and platform-independent.
type header struct {
	data []byte // data[:headerSize]
}

func (h header) magic() uint32       { return binary.LittleEndian.Uint32(h.data[offMagic:]) }
func (h header) version() uint32     { return binary.LittleEndian.Uint32(h.data[offVersion:]) }
func (h header) entryCount() uint32  { return binary.LittleEndian.Uint32(h.data[offEntryCount:]) }
func (h header) capacity() uint32    { return binary.LittleEndian.Uint32(h.data[offCapacity:]) }
func (h header) tableOffset() uint32 { return binary.LittleEndian.Uint32(h.data[offTableOffset:]) }
func (h header) storedCRC() uint32   { return binary.LittleEndian.Uint32(h.data[offCRC32:]) }

func (h header) setMagic(v uint32)       { binary.LittleEndian.PutUint32(h.data[offMagic:], v) }
func (h header) setVersion(v uint32)     { binary.LittleEndian.PutUint32(h.data[offVersion:], v) }
func (h header) setEntryCount(v uint32)  { binary.LittleEndian.PutUint32(h.data[offEntryCount:], v) }
func (h header) setCapacity(v uint32)    { binary.LittleEndian.PutUint32(h.data[offCapacity:], v) }
func (h header) setTableOffset(v uint32) { binary.LittleEndian.PutUint32(h.data[offTableOffset:], v) }
func (h header) setCRC(v uint32)         { binary.LittleEndian.PutUint32(h.data[offCRC32:], v) }

// computeCRC covers every header field except the CRC itself.
func (h header) computeCRC() uint32 {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, h.data[:offCRC32]...)
	buf = append(buf, h.data[offCRC32+4:headerSize]...)
	return crc32.ChecksumIEEE(buf)
}

func (h header) refreshCRC() { h.setCRC(h.computeCRC()) }

func (h header) crcValid() bool { return h.storedCRC() == h.computeCRC() }
