package vdir

import (
	"path/filepath"
	"testing"

	"github.com/velorift/vrift/internal/cas"
)

func TestUpsertAndLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 1024)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer w.Close()

	h := cas.Sum([]byte("content"))
	params := UpsertParams{
		PathHash:    42,
		Path:        "/src/main.go",
		ContentHash: h,
		Size:        7,
		MTimeNS:     1_500_000_000,
		Mode:        0644,
		Flags:       0,
	}
	if err := w.Upsert(params); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	e, ok, err := r.Lookup(42)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("Lookup: not found")
	}
	if e.ContentHash != h {
		t.Fatalf("Lookup returned wrong content hash")
	}
	if e.Path != "/src/main.go" {
		t.Fatalf("Lookup returned path %q, want /src/main.go", e.Path)
	}
	if e.MTimeSec != 1 || e.MTimeNsec != 500_000_000 {
		t.Fatalf("Lookup returned mtime %d.%d, want 1.500000000", e.MTimeSec, e.MTimeNsec)
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer w.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	_, ok, err := r.Lookup(12345)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("Lookup found an entry in an empty table")
	}
}

func TestUpsertUpdatesExistingSlotInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer w.Close()

	h1 := cas.Sum([]byte("v1"))
	if err := w.Upsert(UpsertParams{PathHash: 7, Path: "/a", ContentHash: h1, Size: 2}); err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}
	if w.hdr.entryCount() != 1 {
		t.Fatalf("entry count = %d, want 1", w.hdr.entryCount())
	}

	h2 := cas.Sum([]byte("v2"))
	if err := w.Upsert(UpsertParams{PathHash: 7, Path: "/a", ContentHash: h2, Size: 2}); err != nil {
		t.Fatalf("Upsert v2: %v", err)
	}
	if w.hdr.entryCount() != 1 {
		t.Fatalf("entry count after update = %d, want 1 (in-place update)", w.hdr.entryCount())
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	e, ok, err := r.Lookup(7)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if e.ContentHash != h2 {
		t.Fatal("Lookup returned stale content hash after update")
	}
}

func TestMarkDirtySetsFlagBit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer w.Close()

	if err := w.Upsert(UpsertParams{PathHash: 3, Path: "/dirty"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := w.MarkDirty(3, true); err != nil {
		t.Fatalf("MarkDirty(on): %v", err)
	}

	s, ok := w.find(3)
	if !ok {
		t.Fatal("find: slot missing")
	}
	if s.flags()&(1<<15) == 0 {
		t.Fatal("MarkDirty did not set the dirty bit")
	}

	if err := w.MarkDirty(3, false); err != nil {
		t.Fatalf("MarkDirty(off): %v", err)
	}
	s, _ = w.find(3)
	if s.flags()&(1<<15) != 0 {
		t.Fatal("MarkDirty did not clear the dirty bit")
	}
}

func TestRemoveTombstonesSlotInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer w.Close()

	h := cas.Sum([]byte("gone"))
	if err := w.Upsert(UpsertParams{PathHash: 11, Path: "/x", ContentHash: h, Size: 4}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := w.Remove(11); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	e, ok, err := r.Lookup(11)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("Lookup: tombstoned slot should still be a raw hit")
	}
	if !e.IsTombstone() {
		t.Fatal("Lookup: expected tombstone bit set")
	}
	if !e.ContentHash.IsZero() {
		t.Fatal("Remove should clear the content hash")
	}

	// Recreating the path clears the tombstone bit.
	if err := w.Upsert(UpsertParams{PathHash: 11, Path: "/x", ContentHash: h, Size: 4}); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	s, ok := w.find(11)
	if !ok {
		t.Fatal("find: slot missing after re-Upsert")
	}
	if s.flags()&tombstoneBit != 0 {
		t.Fatal("re-Upsert should have cleared the tombstone bit")
	}
}

func TestRemoveOfAbsentHashIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer w.Close()

	if err := w.Remove(999); err != nil {
		t.Fatalf("Remove of absent hash should be a no-op, got: %v", err)
	}
}

func TestOpenRejectsStaleHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	w.hdr.setVersion(Version + 1)
	w.hdr.refreshCRC()
	w.Close()

	if _, err := Open(path); err != ErrStale {
		t.Fatalf("Open returned %v, want ErrStale", err)
	}
}

func TestReopenWithSameCapacityPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdir.dat")

	w1, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate (first): %v", err)
	}
	h := cas.Sum([]byte("persisted"))
	if err := w1.Upsert(UpsertParams{PathHash: 9, Path: "/p", ContentHash: h}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	w1.Close()

	w2, err := OpenOrCreate(path, 64)
	if err != nil {
		t.Fatalf("OpenOrCreate (second): %v", err)
	}
	defer w2.Close()

	s, ok := w2.find(9)
	if !ok {
		t.Fatal("reopened vdir lost its entry")
	}
	if s.contentHash() != h {
		t.Fatal("reopened vdir entry has wrong content hash")
	}
}
