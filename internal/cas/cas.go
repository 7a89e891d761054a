// Package cas implements TheSource: a BLAKE3-addressed, deduplicating,
// immutable blob store. Blobs are written with an atomic-rename protocol
// so concurrent writers of identical content never observe a partial
// file, and are served back either by full read (with hash verification)
// or by read-only mmap (verification skipped, the caller's choice of
// integrity tier).
package cas

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/velorift/vrift/internal/vrerr"
	"github.com/velorift/vrift/pkg/vlog"
	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a blob hash: a 32-byte BLAKE3 digest.
const HashSize = 32

// Hash is a BLAKE3 content hash.
type Hash [HashSize]byte

// String renders the hash as 64 lowercase hex characters.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash used for directories and
// for the content_hash field of symlink vnodes in the manifest.
func (h Hash) IsZero() bool { return h == Hash{} }

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash %q has %d bytes, want %d", s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// Sum computes the BLAKE3 hash of b.
func Sum(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// Store is TheSource: a fan-out directory tree of immutable blobs rooted at
// Root:
//
//	<root>/blake3/<hash[0:2]>/<hash[2:4]>/<hex>_<size>[.<ext>]
type Store struct {
	Root string // base directory; blobs live under Root/blake3/...

	log *vlog.Logger

	// writerSeq disambiguates concurrent temp-file names from this
	// process: a per-writer unique counter avoids colliding with other
	// writers of the same blob.
	writerSeq uint64
	seqMu     sync.Mutex
}

// New returns a Store rooted at root, creating the root and its top-level
// "blake3" directory if necessary.
func New(root string) (*Store, error) {
	root = filepath.Clean(root)
	base := filepath.Join(root, "blake3")
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("creating CAS root %s: %w", base, err)
	}

	return &Store{Root: root, log: vlog.Default.Named("cas")}, nil
}

func (s *Store) base() string { return filepath.Join(s.Root, "blake3") }

// fanoutDir returns the two-level fan-out directory for a hash, e.g.
// <root>/blake3/aa/bb.
func (s *Store) fanoutDir(h Hash) string {
	hex := h.String()
	return filepath.Join(s.base(), hex[0:2], hex[2:4])
}

// blobPath returns the final on-disk path for a blob of the given hash and
// size. ext, if non-empty, is appended as a literal suffix (e.g. ".tar").
func (s *Store) blobPath(h Hash, size int64, ext string) string {
	name := h.String() + "_" + strconv.FormatInt(size, 10) + ext
	return filepath.Join(s.fanoutDir(h), name)
}

// BlobPath exposes the on-disk path for a blob of the given hash and size,
// for callers (e.g. the daemon's Protect handler, the interposition
// layer's direct-open fast path) that need to address the blob file
// itself rather than go through Get/Mmap.
func (s *Store) BlobPath(h Hash, size int64) string {
	return s.blobPath(h, size, "")
}

// SetImmutable toggles the OS-level immutable attribute on the blob for
// h/size, best effort (see setImmutable/clearImmutable).
func (s *Store) SetImmutable(h Hash, size int64, on bool) error {
	path := s.blobPath(h, size, "")
	if on {
		return setImmutable(path)
	}
	clearImmutable(path)
	return nil
}

// globBlobPath finds the on-disk path for a hash regardless of the
// extension suffix recorded at ingest time (size is always known from the
// manifest, so most callers can use blobPath directly; this is used when
// the size isn't handy, e.g. from Exists-by-hash-only callers).
func (s *Store) globBlobPath(h Hash) (string, error) {
	dir := s.fanoutDir(h)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", vrerr.NotFound
		}
		return "", err
	}

	prefix := h.String() + "_"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && !isTempName(e.Name()) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", vrerr.NotFound
}

// tempName returns a per-writer-unique temp filename in the same directory
// as the eventual blob, so the final rename is atomic on the same
// filesystem. The name combines PID, a per-process counter, and random
// bytes, analogous to a TID-allocation scheme.
func (s *Store) tempName() string {
	s.seqMu.Lock()
	s.writerSeq++
	seq := s.writerSeq
	s.seqMu.Unlock()

	var nonce [4]byte
	rand.Read(nonce[:])

	return fmt.Sprintf(".tmp-%d-%d-%s", os.Getpid(), seq, hex.EncodeToString(nonce[:]))
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".tmp-")
}

// StoreBytes writes b to the CAS, returning its hash. It is idempotent on
// content: if a blob with the resulting hash already exists, StoreBytes
// returns immediately without touching the filesystem again.
func (s *Store) StoreBytes(b []byte) (Hash, error) {
	h := Sum(b)
	return h, s.writeBlob(h, int64(len(b)), bytes.NewReader(b))
}

// writeBlob writes r to a temp file in the blob's fan-out directory, syncs
// and closes it, then renames it into place. A losing writer in a race
// simply discards its temp file once it observes the winner's blob.
func (s *Store) writeBlob(h Hash, size int64, r io.Reader) error {
	final := s.blobPath(h, size, "")

	if _, err := os.Stat(final); err == nil {
		return nil // already present: dedup
	}

	dir := s.fanoutDir(h)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating fan-out dir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, s.tempName())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating temp blob %s: %w", tmp, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp blob %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp blob %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp blob %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		// Another writer may have won the race; if the target now
		// exists, that's success per the atomic-rename invariant.
		if _, statErr := os.Stat(final); statErr == nil {
			os.Remove(tmp)
			return nil
		}
		os.Remove(tmp)
		return fmt.Errorf("renaming temp blob into place: %w", err)
	}

	return lockDown(final)
}

// lockDown applies the store's read-only permission policy: owner
// read-only, no write bits for anyone.
func lockDown(path string) error {
	if err := os.Chmod(path, 0444); err != nil {
		return fmt.Errorf("locking down %s: %w", path, err)
	}
	return setImmutable(path)
}

// Get reads and returns the full contents of the blob addressed by h,
// verifying the content against h.
func (s *Store) Get(h Hash) ([]byte, error) {
	path, size, err := s.resolve(h)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", h, err)
	}
	if int64(len(b)) != size {
		return nil, fmt.Errorf("blob %s: %w", h, vrerr.HashMismatch)
	}
	if Sum(b) != h {
		return nil, fmt.Errorf("blob %s: %w", h, vrerr.HashMismatch)
	}

	return b, nil
}

// resolve finds the on-disk path and declared size for a hash by scanning
// the fan-out directory, since the filename's size suffix isn't known to
// the caller in general (only the manifest tracks it; CAS-level callers
// that already know the size should prefer a direct blobPath lookup, which
// Exists does).
func (s *Store) resolve(h Hash) (path string, size int64, err error) {
	path, err = s.globBlobPath(h)
	if err != nil {
		return "", 0, err
	}

	base := filepath.Base(path)
	us := strings.LastIndexByte(base, '_')
	if us < 0 {
		return "", 0, fmt.Errorf("malformed blob filename %s", base)
	}
	sizeStr := base[us+1:]
	if dot := strings.IndexByte(sizeStr, '.'); dot >= 0 {
		sizeStr = sizeStr[:dot]
	}
	size, err = strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed blob size in %s: %w", base, err)
	}
	return path, size, nil
}

// Exists reports whether a blob for hash h of the given size is present.
// Checking the filename's embedded size lets callers catch a truncated
// blob in O(1) without reading or hashing it.
func (s *Store) Exists(h Hash, size int64) bool {
	_, err := os.Stat(s.blobPath(h, size, ""))
	return err == nil
}

// Delete removes the blob for h/size, clearing the immutable flag first if
// the platform set one (best effort, as in sweep).
func (s *Store) Delete(h Hash, size int64) error {
	path := s.blobPath(h, size, "")
	clearImmutable(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", h, err)
	}
	return nil
}
