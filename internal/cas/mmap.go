package cas

import (
	"fmt"
	"os"

	"github.com/velorift/vrift/internal/vrerr"
	"golang.org/x/sys/unix"
)

// Mapping is a read-only mmap view of a blob. The caller must call Close
// when done. Unlike Get, Mmap does not verify content against the hash:
// callers that need the integrity guarantee should use Get, or verify the
// mapped bytes themselves.
type Mapping struct {
	data []byte
}

// Bytes returns the mapped region.
func (m *Mapping) Bytes() []byte { return m.data }

// Close unmaps the region.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Mmap maps the blob for h/size read-only.
func (s *Store) Mmap(h Hash, size int64) (*Mapping, error) {
	path := s.blobPath(h, size, "")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", h, vrerr.NotFound)
		}
		return nil, err
	}
	defer f.Close()

	if size == 0 {
		return &Mapping{data: []byte{}}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap blob %s: %w", h, err)
	}

	return &Mapping{data: data}, nil
}
