package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/pkg/vlog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries") // path hash -> packed vnode+tier
	bucketPaths   = []byte("paths")   // path hash -> normalized path string
)

const defaultMapSize = 1 << 30 // 1 GiB, expandable

// deltaKind distinguishes a pending upsert from a pending deletion in the
// delta layer.
type deltaKind uint8

const (
	deltaModified deltaKind = iota
	deltaDeleted
)

type deltaRecord struct {
	kind  deltaKind
	entry Entry // valid only when kind == deltaModified
}

// Store is the manifest: a durable bbolt base layered under a volatile
// in-memory delta. Reads consult the delta first, falling through to the
// base; a Deleted delta record hides any base entry.
type Store struct {
	db  *bolt.DB
	log *vlog.Logger

	mu    sync.RWMutex
	delta map[cas.Hash]deltaRecord
	paths map[cas.Hash]string // newly inserted paths, pending commit
}

// Options configures Open.
type Options struct {
	// MapSize bounds the base layer's mmap size. Zero selects the
	// default of 1 GiB.
	MapSize int
	// Timeout bounds how long Open waits for the file lock held by
	// another process.
	Timeout time.Duration
}

// Open opens (creating if necessary) the base layer at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.MapSize <= 0 {
		opts.MapSize = defaultMapSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	db, err := bolt.Open(path, 0644, &bolt.Options{
		Timeout:         opts.Timeout,
		InitialMmapSize: opts.MapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening manifest base %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPaths); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing manifest buckets: %w", err)
	}

	return &Store{
		db:    db,
		log:   vlog.Default.Named("manifest"),
		delta: make(map[cas.Hash]deltaRecord),
		paths: make(map[cas.Hash]string),
	}, nil
}

// Close closes the underlying base database.
func (s *Store) Close() error { return s.db.Close() }

// Get looks up the entry at the given logical path, checking the delta
// before falling through to the base.
func (s *Store) Get(path string) (Entry, bool, error) {
	h := PathHash(path)

	s.mu.RLock()
	rec, inDelta := s.delta[h]
	s.mu.RUnlock()

	if inDelta {
		if rec.kind == deltaDeleted {
			return Entry{}, false, nil
		}
		return rec.entry, true, nil
	}

	return s.getBase(h)
}

func (s *Store) getBase(h cas.Hash) (Entry, bool, error) {
	var e Entry
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEntries)
		raw := bkt.Get(h[:])
		if raw == nil {
			return nil
		}
		pbkt := tx.Bucket(bucketPaths)
		pathRaw := pbkt.Get(h[:])

		decoded, err := decodeEntry(string(pathRaw), raw)
		if err != nil {
			return err
		}
		e = decoded
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading manifest base: %w", err)
	}
	return e, found, nil
}

// Insert writes the delta layer only; it becomes durable on the next
// Commit.
func (s *Store) Insert(path string, v VNode, tier Tier) {
	path = NormalizePath(path)
	h := PathHash(path)

	s.mu.Lock()
	s.delta[h] = deltaRecord{kind: deltaModified, entry: Entry{Path: path, VNode: v, Tier: tier}}
	s.paths[h] = path
	s.mu.Unlock()
}

// Remove marks path as deleted in the delta layer (a whiteout), hiding
// any base entry until Commit folds the deletion in.
func (s *Store) Remove(path string) {
	h := PathHash(path)

	s.mu.Lock()
	s.delta[h] = deltaRecord{kind: deltaDeleted}
	delete(s.paths, h)
	s.mu.Unlock()
}

// MarkStale is an alias for Remove: a stale entry is treated identically
// to an explicit deletion until reingest either restores or confirms it.
func (s *Store) MarkStale(path string) { s.Remove(path) }

// Commit opens a single write transaction, applies every delta record to
// the base, and clears the in-memory delta.
func (s *Store) Commit() error {
	s.mu.Lock()
	if len(s.delta) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.delta
	pendingPaths := s.paths
	s.delta = make(map[cas.Hash]deltaRecord)
	s.paths = make(map[cas.Hash]string)
	s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		paths := tx.Bucket(bucketPaths)

		for h, rec := range pending {
			switch rec.kind {
			case deltaDeleted:
				if err := entries.Delete(h[:]); err != nil {
					return err
				}
				if err := paths.Delete(h[:]); err != nil {
					return err
				}
			case deltaModified:
				encoded := encodeEntry(rec.entry)
				if err := entries.Put(h[:], encoded); err != nil {
					return err
				}
				if p, ok := pendingPaths[h]; ok {
					if err := paths.Put(h[:], []byte(p)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing manifest delta: %w", err)
	}
	return nil
}

// Sync forces the base layer's durability guarantee (an fsync), useful
// after Commit when a caller needs a hard guarantee before replying to an
// IPC request.
func (s *Store) Sync() error {
	return s.db.Sync()
}

// Len returns the merged entry count: base entries not whited out or
// shadowed, plus delta-modified entries.
func (s *Store) Len() (int, error) {
	count := 0
	if err := s.Iter(func(Entry) error {
		count++
		return nil
	}); err != nil {
		return 0, err
	}
	return count, nil
}

// Iter yields the merged view: every delta-modified entry, then every
// base entry whose hash neither appears in the delta nor is whited out.
// Iteration is not a consistent snapshot across concurrent writers.
func (s *Store) Iter(fn func(Entry) error) error {
	s.mu.RLock()
	delta := make(map[cas.Hash]deltaRecord, len(s.delta))
	for h, rec := range s.delta {
		delta[h] = rec
	}
	s.mu.RUnlock()

	for _, rec := range delta {
		if rec.kind != deltaModified {
			continue
		}
		if err := fn(rec.entry); err != nil {
			return err
		}
	}

	return s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		paths := tx.Bucket(bucketPaths)
		c := entries.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h cas.Hash
			copy(h[:], k)
			if _, shadowed := delta[h]; shadowed {
				continue
			}
			pathRaw := paths.Get(k)
			e, err := decodeEntry(string(pathRaw), v)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

const packedVNodeSize = cas.HashSize + 8 + 8 + 4 + 2 + 1 // + tier byte

func encodeEntry(e Entry) []byte {
	buf := make([]byte, packedVNodeSize)
	off := 0
	copy(buf[off:], e.VNode.ContentHash[:])
	off += cas.HashSize
	binary.LittleEndian.PutUint64(buf[off:], e.VNode.Size)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.VNode.MTimeNS)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], e.VNode.Mode)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], e.VNode.Flags)
	off += 2
	buf[off] = byte(e.Tier)
	return buf
}

var errMalformedEntry = errors.New("malformed manifest entry record")

func decodeEntry(path string, buf []byte) (Entry, error) {
	if len(buf) != packedVNodeSize {
		return Entry{}, errMalformedEntry
	}
	var v VNode
	off := 0
	copy(v.ContentHash[:], buf[off:off+cas.HashSize])
	off += cas.HashSize
	v.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	v.MTimeNS = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	v.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	v.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	tier := Tier(buf[off])

	return Entry{Path: path, VNode: v, Tier: tier}, nil
}
