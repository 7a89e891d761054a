package cas

import (
	"os"
	"path/filepath"
	"strings"
)

// Entry is one blob discovered during iteration.
type Entry struct {
	Hash Hash
	Size int64
	Path string
}

// Iter streams every blob in the store to fn, skipping temp files left
// behind by in-flight or interrupted writers. Walking the fan-out tree
// lazily instead of building an in-memory list keeps this resumable
// across sparse directories. fn returning an error stops the walk and
// that error is returned.
func (s *Store) Iter(fn func(Entry) error) error {
	return filepath.WalkDir(s.base(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if isTempName(name) {
			return nil
		}

		us := strings.IndexByte(name, '_')
		if us != 64 { // not a 64-hex-prefixed blob filename
			return nil
		}

		h, err := ParseHash(name[:64])
		if err != nil {
			return nil // not parseable as a hash: skip
		}

		sizeStr := name[us+1:]
		if dot := strings.IndexByte(sizeStr, '.'); dot >= 0 {
			sizeStr = sizeStr[:dot]
		}

		size, perr := parseSize(sizeStr)
		if perr != nil {
			return nil
		}

		return fn(Entry{Hash: h, Size: size, Path: path})
	})
}

func parseSize(s string) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotNumeric
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

var errNotNumeric = &iterErr{"size suffix is not numeric"}

type iterErr struct{ s string }

func (e *iterErr) Error() string { return e.s }
