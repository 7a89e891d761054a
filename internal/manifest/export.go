package manifest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// exportedVNodeSize is the 58-byte wire format used when a manifest is
// handed to another process (e.g. a client loading VRIFT_MANIFEST at
// startup): content_hash[32] | size[8] | mtime[8] | mode[4] | flags[2] |
// padding[2] | tier[2].
const exportedVNodeSize = 32 + 8 + 8 + 4 + 2 + 2 + 2

// Export writes the merged manifest view to w as a length-prefixed
// sequence of (path string, packed vnode, tier) records. Iteration order
// matches Iter and carries the same non-snapshot caveat: callers that
// need a consistent export must stop writers first.
func (s *Store) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)

	err := s.Iter(func(e Entry) error {
		pathBytes := []byte(e.Path)

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pathBytes)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(pathBytes); err != nil {
			return err
		}

		rec := encodeExportedVNode(e.VNode, e.Tier)
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("exporting manifest: %w", err)
	}
	return bw.Flush()
}

// Import reads records written by Export and inserts each into the
// delta layer. The caller must Commit afterward to make them durable.
func (s *Store) Import(r io.Reader) error {
	return ReadExport(r, func(e Entry) error {
		s.Insert(e.Path, e.VNode, e.Tier)
		return nil
	})
}

// ReadExport streams records written by Export to fn, for consumers that
// don't want (or can't have) a bbolt-backed Store — e.g. a client
// process loading VRIFT_MANIFEST at startup into an in-memory lookup
// table. fn returning an error stops the read and that error is
// returned.
func ReadExport(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReader(r)

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading manifest record length: %w", err)
		}
		pathLen := binary.LittleEndian.Uint32(lenBuf[:])

		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(br, pathBytes); err != nil {
			return fmt.Errorf("reading manifest record path: %w", err)
		}

		var rec [exportedVNodeSize]byte
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			return fmt.Errorf("reading manifest record body: %w", err)
		}

		v, tier := decodeExportedVNode(rec)
		if err := fn(Entry{Path: NormalizePath(string(pathBytes)), VNode: v, Tier: tier}); err != nil {
			return err
		}
	}
}

func encodeExportedVNode(v VNode, tier Tier) [exportedVNodeSize]byte {
	var buf [exportedVNodeSize]byte
	off := 0
	copy(buf[off:], v.ContentHash[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], v.Size)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], v.MTimeNS)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], v.Mode)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], v.Flags)
	off += 4 // flags[2] + padding[2]
	binary.LittleEndian.PutUint16(buf[off:], uint16(tier))
	return buf
}

func decodeExportedVNode(buf [exportedVNodeSize]byte) (VNode, Tier) {
	var v VNode
	off := 0
	copy(v.ContentHash[:], buf[off:off+32])
	off += 32
	v.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	v.MTimeNS = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	v.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	v.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 4
	tier := Tier(binary.LittleEndian.Uint16(buf[off:]))
	return v, tier
}
