package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/velorift/vrift/internal/cas"
)

// Status classifies a pending entry found during recovery.
type Status int

const (
	// InFlight means the CAS write hadn't finished when the daemon
	// crashed; the staging file is presumably still present and safe to
	// retry or discard.
	InFlight Status = iota
	// NeedsReview means the CAS write completed (a hash was recorded)
	// but the manifest/VDir update never committed: the blob exists in
	// the CAS but no entry references it yet.
	NeedsReview
)

// PendingEntry is one reingest operation that was in flight when the
// journal was last open.
type PendingEntry struct {
	ID          uuid.UUID
	VirtualPath string
	StagingPath string
	PreHash     cas.Hash
	Hash        cas.Hash
	Status      Status
}

// Recover replays every record in the journal file at path and returns
// the entries that never reached a Done record. It does not mutate the
// file; callers that want to discard resolved entries should follow up
// with Compact.
func Recover(path string) ([]PendingEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening reingest journal %s: %w", path, err)
	}
	defer f.Close()

	pending := make(map[uuid.UUID]*PendingEntry)

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading journal record length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])

		rec := make([]byte, n)
		if _, err := io.ReadFull(f, rec); err != nil {
			return nil, fmt.Errorf("reading journal record: %w", err)
		}

		if err := applyRecord(pending, rec); err != nil {
			return nil, err
		}
	}

	result := make([]PendingEntry, 0, len(pending))
	for _, e := range pending {
		result = append(result, *e)
	}
	return result, nil
}

func applyRecord(pending map[uuid.UUID]*PendingEntry, rec []byte) error {
	if len(rec) < 1+16 {
		return fmt.Errorf("journal: truncated record")
	}
	kind := recordKind(rec[0])
	var id uuid.UUID
	copy(id[:], rec[1:17])
	body := rec[17:]

	switch kind {
	case recordBegin:
		vp, rest, err := readLenPrefixed(body)
		if err != nil {
			return err
		}
		sp, rest, err := readLenPrefixed(rest)
		if err != nil {
			return err
		}
		if len(rest) != cas.HashSize {
			return fmt.Errorf("journal: malformed begin record")
		}
		var preHash cas.Hash
		copy(preHash[:], rest)

		pending[id] = &PendingEntry{
			ID:          id,
			VirtualPath: string(vp),
			StagingPath: string(sp),
			PreHash:     preHash,
			Status:      InFlight,
		}
	case recordHashKnown:
		if len(body) != cas.HashSize {
			return fmt.Errorf("journal: malformed hash-known record")
		}
		e, ok := pending[id]
		if !ok {
			return nil // Begin record was already compacted away
		}
		copy(e.Hash[:], body)
		e.Status = NeedsReview
	case recordDone:
		delete(pending, id)
	default:
		return fmt.Errorf("journal: unknown record kind %d", kind)
	}
	return nil
}

func readLenPrefixed(buf []byte) (value, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("journal: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("journal: truncated field")
	}
	return buf[:n], buf[n:], nil
}

// Compact rewrites the journal file at path to contain only Begin/
// HashKnown records for entries that are still pending (i.e. it drops
// every record for an id that reached Done), bounding the journal's
// growth across a long-running daemon's lifetime.
func Compact(path string) error {
	pending, err := Recover(path)
	if err != nil {
		return err
	}

	tmp := path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating compacted journal: %w", err)
	}

	for _, e := range pending {
		if err := writeRecord(f, encodeBegin(e.ID, e.VirtualPath, e.StagingPath, e.PreHash)); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if e.Status == NeedsReview {
			if err := writeRecord(f, encodeHashKnown(e.ID, e.Hash)); err != nil {
				f.Close()
				os.Remove(tmp)
				return err
			}
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

func writeRecord(f *os.File, rec []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.Write(rec)
	return err
}
