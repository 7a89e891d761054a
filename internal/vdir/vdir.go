package vdir

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// base holds the mmap region shared by the writer and reader views. The
// generation field at offGeneration doubles as the seqlock.
type base struct {
	data []byte
	hdr  header
}

func (b *base) close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return err
}

func (b *base) slotAt(i uint32) slot {
	off := int(b.hdr.tableOffset()) + int(i)*slotSize
	return slot{data: b.data[off : off+slotSize]}
}

func (b *base) capacity() uint32 { return b.hdr.capacity() }

func fileSize(capacity uint32, pathAreaSize uint32) int64 {
	return int64(headerSize) + int64(capacity)*int64(slotSize) + int64(pathAreaSize)
}

// defaultPathAreaSize budgets an average 256 bytes per slot for the
// variable-length path arena appended after the fixed-size table.
func defaultPathAreaSize(capacity uint32) uint32 {
	return capacity * 256
}

// mmapFile opens path (creating and sizing it to size if create is true)
// and maps it with the given protection.
func mmapFile(path string, size int64, create bool, writable bool) ([]byte, error) {
	flags := os.O_RDWR
	if !writable {
		flags = os.O_RDONLY
	}
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening vdir file %s: %w", path, err)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf("sizing vdir file %s: %w", path, err)
		}
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat vdir file %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vdir file %s: %w", path, err)
	}

	return data, nil
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
