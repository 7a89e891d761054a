package cas

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

// Mode selects how a source file is absorbed into the CAS during a batch
// ingest.
type Mode int

const (
	// Phantom renames the source file into the CAS, leaving nothing behind
	// at the original path.
	Phantom Mode = iota
	// SolidTier1 hardlinks the source into the CAS (falling back to copy
	// across devices) then symlinks the original path to the CAS copy.
	SolidTier1
	// SolidTier2 hardlinks the source into the CAS and leaves the original
	// file in place, untouched.
	SolidTier2
)

// IngestResult is the per-file outcome of a batch ingest.
type IngestResult struct {
	SourcePath string
	Hash       Hash
	Size       int64
	WasNew     bool
	Err        error
}

// defaultWorkers caps concurrency at min(CPU/2, 4): enough to overlap I/O
// wait without saturating the disk's queue depth on the common case.
// VRIFT_THREADS overrides the cap entirely.
func defaultWorkers() int {
	if s := os.Getenv("VRIFT_THREADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// IngestBatch hashes and stores every path in sources concurrently using a
// worker pool of the given size (0 selects the default), applying mode's
// ingest semantics to each. Results are returned in the same order as
// sources.
func (s *Store) IngestBatch(sources []string, mode Mode, workers int) []IngestResult {
	if workers <= 0 {
		workers = defaultWorkers()
	}

	results := make([]IngestResult, len(sources))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			h, size, wasNew, err := s.ingestOne(src, mode)
			results[i] = IngestResult{SourcePath: src, Hash: h, Size: size, WasNew: wasNew, Err: err}
			return nil // per-file errors are reported, not fatal to the batch
		})
	}
	g.Wait()

	return results
}

func (s *Store) ingestOne(src string, mode Mode) (Hash, int64, bool, error) {
	fi, err := os.Lstat(src)
	if err != nil {
		return Hash{}, 0, false, fmt.Errorf("stat %s: %w", src, err)
	}

	switch mode {
	case Phantom:
		h, size, err := s.storeByMove(src)
		return h, size, true, err
	case SolidTier1, SolidTier2:
		h, size, wasNew, err := s.storeByHardlink(src, fi.Size())
		if err != nil {
			return h, size, wasNew, err
		}
		if mode == SolidTier1 {
			if err := os.Remove(src); err == nil {
				if err := os.Symlink(s.blobPath(h, size, ""), src); err != nil {
					return h, size, wasNew, fmt.Errorf("symlinking %s back to CAS: %w", src, err)
				}
			}
		}
		return h, size, wasNew, nil
	default:
		return Hash{}, 0, false, fmt.Errorf("unknown ingest mode %v", mode)
	}
}

// StoreByMove streams src's bytes through the hasher without a full
// in-memory copy, then moves src into the CAS, for callers promoting a
// staging file (e.g. the daemon's reingest handler) rather than batch
// ingest.
func (s *Store) StoreByMove(src string) (Hash, int64, error) {
	return s.storeByMove(src)
}

// storeByMove streams src's bytes through the hasher without a full
// in-memory copy, then renames src into the CAS. Falls back to copy+unlink
// on cross-device rename failure.
func (s *Store) storeByMove(src string) (Hash, int64, error) {
	h, size, err := hashFile(src)
	if err != nil {
		return Hash{}, 0, err
	}

	final := s.blobPath(h, size, "")
	if _, err := os.Stat(final); err == nil {
		os.Remove(src) // dedup: identical bytes already in the CAS
		return h, size, nil
	}

	dir := s.fanoutDir(h)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return h, size, fmt.Errorf("creating fan-out dir: %w", err)
	}

	if err := os.Rename(src, final); err != nil {
		if isCrossDevice(err) {
			if err := copyThenUnlink(src, final); err != nil {
				return h, size, err
			}
			return h, size, lockDown(final)
		}
		if _, statErr := os.Stat(final); statErr == nil {
			os.Remove(src)
			return h, size, nil
		}
		return h, size, fmt.Errorf("renaming %s into CAS: %w", src, err)
	}

	return h, size, lockDown(final)
}

// storeByHardlink hardlinks src into the CAS fan-out path, falling back to
// a copy across devices.
func (s *Store) storeByHardlink(src string, size int64) (Hash, int64, bool, error) {
	h, _, err := hashFile(src)
	if err != nil {
		return Hash{}, 0, false, err
	}

	final := s.blobPath(h, size, "")
	if _, err := os.Stat(final); err == nil {
		return h, size, false, nil
	}

	dir := s.fanoutDir(h)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return h, size, false, fmt.Errorf("creating fan-out dir: %w", err)
	}

	tmp := filepath.Join(dir, s.tempName())
	if err := os.Link(src, tmp); err != nil {
		if isCrossDevice(err) {
			if err := copyFile(src, tmp); err != nil {
				return h, size, false, err
			}
		} else {
			return h, size, false, fmt.Errorf("hardlinking %s into CAS: %w", src, err)
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		if _, statErr := os.Stat(final); statErr == nil {
			return h, size, false, nil
		}
		return h, size, false, fmt.Errorf("renaming hardlink into place: %w", err)
	}

	return h, size, true, lockDown(final)
}

func hashFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	hw := blake3.New(HashSize, nil)
	n, err := io.Copy(hw, f)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("hashing %s: %w", path, err)
	}

	var h Hash
	copy(h[:], hw.Sum(nil))
	return h, n, nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func copyThenUnlink(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s for copy fallback: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating %s for copy fallback: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	return nil
}

// WarmDirectories creates all 65,536 second-level fan-out directories in
// parallel to amortize mkdir cost ahead of a large batch ingest. It probes
// ff/ff first and is a no-op if that directory already exists.
func (s *Store) WarmDirectories(workers int) error {
	probe := filepath.Join(s.base(), "ff", "ff")
	if _, err := os.Stat(probe); err == nil {
		return nil
	}

	if workers <= 0 {
		workers = defaultWorkers()
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for a := 0; a < 256; a++ {
		a := a
		g.Go(func() error {
			aa := byteHex(a)
			for b := 0; b < 256; b++ {
				dir := filepath.Join(s.base(), aa, byteHex(b))
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

const hexDigits = "0123456789abcdef"

func byteHex(b int) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xf]})
}
