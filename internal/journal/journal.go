// Package journal implements the reingest journal: an append-only
// crash-recovery log of in-flight CoW-close reingest operations. Entries
// are appended before the CAS write, updated with the resulting hash
// after the CAS write, and marked done after the manifest/VDir update
// commits. On daemon restart, entries with a hash but no completion
// record are surfaced for operator review.
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/pkg/vlog"
)

type recordKind uint8

const (
	recordBegin recordKind = iota
	recordHashKnown
	recordDone
)

// Journal is an append-only file of reingest lifecycle records.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	log  *vlog.Logger
	path string
}

// Open opens (creating if necessary) the journal file at path for
// appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening reingest journal %s: %w", path, err)
	}
	return &Journal{f: f, log: vlog.Default.Named("journal"), path: path}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Begin appends a Begin record and returns the entry id later calls
// reference. preHash is the content hash of the file before this write
// cycle started, if known (zero hash otherwise).
func (j *Journal) Begin(virtualPath, stagingPath string, preHash cas.Hash) (uuid.UUID, error) {
	id := uuid.New()
	rec := encodeBegin(id, virtualPath, stagingPath, preHash)
	return id, j.append(rec)
}

// RecordHash appends a HashKnown record once the CAS write for id has
// completed.
func (j *Journal) RecordHash(id uuid.UUID, hash cas.Hash) error {
	return j.append(encodeHashKnown(id, hash))
}

// Done appends a Done record once the manifest/VDir update for id has
// committed. A Done entry is no longer considered pending by Recover.
func (j *Journal) Done(id uuid.UUID) error {
	return j.append(encodeDone(id))
}

func (j *Journal) append(rec []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(rec)))

	if _, err := j.f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("appending journal record length: %w", err)
	}
	if _, err := j.f.Write(rec); err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}
	return j.f.Sync()
}
