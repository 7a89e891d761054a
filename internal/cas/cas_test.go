package cas

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSumIsDeterministic(t *testing.T) {
	data := []byte("the quick brown fox")
	h1 := Sum(data)
	h2 := Sum(data)
	if h1 != h2 {
		t.Fatalf("Sum not deterministic: %s != %s", h1, h2)
	}
}

func TestSumDiffersOnDifferentContent(t *testing.T) {
	h1 := Sum([]byte("a"))
	h2 := Sum([]byte("b"))
	if h1 == h2 {
		t.Fatalf("distinct content produced the same hash %s", h1)
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	h := Sum([]byte("round trip me"))
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Fatalf("ParseHash(%s) = %s, want original", h.String(), parsed)
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"not-hex",
		"abcd", // too short
	}
	for _, c := range cases {
		if _, err := ParseHash(c); err == nil {
			t.Errorf("ParseHash(%q) succeeded, want error", c)
		}
	}
}

func TestStoreBytesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	content := []byte("hello, velorift")
	h, err := s.StoreBytes(content)
	if err != nil {
		t.Fatalf("StoreBytes: %v", err)
	}

	if !s.Exists(h, int64(len(content))) {
		t.Fatalf("Exists(%s) = false after StoreBytes", h)
	}

	got, err := s.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get returned %q, want %q", got, content)
	}
}

func TestStoreBytesDedupes(t *testing.T) {
	s := newTestStore(t)

	content := []byte("duplicate me")
	h1, err := s.StoreBytes(content)
	if err != nil {
		t.Fatalf("StoreBytes (first): %v", err)
	}
	h2, err := s.StoreBytes(content)
	if err != nil {
		t.Fatalf("StoreBytes (second): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical content produced different hashes: %s != %s", h1, h2)
	}

	// Only one blob should exist on disk for this hash.
	count := 0
	if err := s.Iter(func(e Entry) error {
		if e.Hash == h1 {
			count++
		}
		return nil
	}); err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if count != 1 {
		t.Fatalf("found %d blobs for deduped content, want 1", count)
	}
}

func TestGetDetectsTruncation(t *testing.T) {
	s := newTestStore(t)

	content := []byte("a blob that will be corrupted")
	h, err := s.StoreBytes(content)
	if err != nil {
		t.Fatalf("StoreBytes: %v", err)
	}

	path := s.blobPath(h, int64(len(content)), "")
	clearImmutable(path)
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, content[:len(content)-5], 0644); err != nil {
		t.Fatalf("truncating blob: %v", err)
	}

	if _, err := s.Get(h); err == nil {
		t.Fatal("Get succeeded on truncated blob, want error")
	}
}

func TestConcurrentWritesOfSameContentConverge(t *testing.T) {
	s := newTestStore(t)

	content := []byte("written by many goroutines at once")
	const writers = 16

	var wg sync.WaitGroup
	hashes := make([]Hash, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			hashes[i], errs[i] = s.StoreBytes(content)
		}()
	}
	wg.Wait()

	want := Sum(content)
	for i := range hashes {
		if errs[i] != nil {
			t.Fatalf("writer %d: %v", i, errs[i])
		}
		if hashes[i] != want {
			t.Fatalf("writer %d returned %s, want %s", i, hashes[i], want)
		}
	}

	got, err := s.Get(want)
	if err != nil {
		t.Fatalf("Get after concurrent writes: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get returned %q, want %q", got, content)
	}
}

func TestMmapMatchesGet(t *testing.T) {
	s := newTestStore(t)

	content := []byte("mapped content")
	h, err := s.StoreBytes(content)
	if err != nil {
		t.Fatalf("StoreBytes: %v", err)
	}

	m, err := s.Mmap(h, int64(len(content)))
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	defer m.Close()

	if !bytes.Equal(m.Bytes(), content) {
		t.Fatalf("Mmap bytes = %q, want %q", m.Bytes(), content)
	}
}

func TestMmapEmptyBlob(t *testing.T) {
	s := newTestStore(t)

	h, err := s.StoreBytes(nil)
	if err != nil {
		t.Fatalf("StoreBytes(nil): %v", err)
	}

	m, err := s.Mmap(h, 0)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	defer m.Close()

	if len(m.Bytes()) != 0 {
		t.Fatalf("Mmap of empty blob returned %d bytes", len(m.Bytes()))
	}
}

func TestIterSkipsTempFiles(t *testing.T) {
	s := newTestStore(t)

	content := []byte("real blob")
	h, err := s.StoreBytes(content)
	if err != nil {
		t.Fatalf("StoreBytes: %v", err)
	}

	// Plant a stray temp file alongside the real blob.
	dir := s.fanoutDir(h)
	tempPath := filepath.Join(dir, s.tempName())
	if err := os.WriteFile(tempPath, []byte("leftover"), 0644); err != nil {
		t.Fatalf("writing stray temp file: %v", err)
	}

	seen := map[Hash]int{}
	if err := s.Iter(func(e Entry) error {
		seen[e.Hash]++
		return nil
	}); err != nil {
		t.Fatalf("Iter: %v", err)
	}

	if seen[h] != 1 {
		t.Fatalf("Iter saw hash %d times, want 1", seen[h])
	}
}

func TestIngestBatchPhantomMode(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	var paths []string
	var contents [][]byte
	for i := 0; i < 5; i++ {
		p := filepath.Join(srcDir, fmt.Sprintf("file-%d", i))
		c := []byte(fmt.Sprintf("payload number %d", i))
		if err := os.WriteFile(p, c, 0644); err != nil {
			t.Fatalf("writing source file: %v", err)
		}
		paths = append(paths, p)
		contents = append(contents, c)
	}

	results := s.IngestBatch(paths, Phantom, 2)
	if len(results) != len(paths) {
		t.Fatalf("got %d results, want %d", len(results), len(paths))
	}

	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("ingest %d: %v", i, r.Err)
		}
		if r.Hash != Sum(contents[i]) {
			t.Fatalf("ingest %d: hash mismatch", i)
		}
		if _, err := os.Stat(paths[i]); !os.IsNotExist(err) {
			t.Fatalf("phantom ingest left source file %s behind", paths[i])
		}
		got, err := s.Get(r.Hash)
		if err != nil {
			t.Fatalf("Get after ingest %d: %v", i, err)
		}
		if !bytes.Equal(got, contents[i]) {
			t.Fatalf("ingest %d: content mismatch", i)
		}
	}
}

func TestIngestBatchSolidTier2KeepsSource(t *testing.T) {
	s := newTestStore(t)
	srcDir := t.TempDir()

	p := filepath.Join(srcDir, "keepme")
	content := []byte("stays in place")
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	results := s.IngestBatch([]string{p}, SolidTier2, 1)
	if results[0].Err != nil {
		t.Fatalf("ingest: %v", results[0].Err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("SolidTier2 removed source file: %v", err)
	}
}

func TestWarmDirectories(t *testing.T) {
	s := newTestStore(t)

	if err := s.WarmDirectories(4); err != nil {
		t.Fatalf("WarmDirectories: %v", err)
	}

	for _, probe := range []string{"00", "ff", "7a"} {
		dir := filepath.Join(s.base(), probe, probe)
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected fan-out dir %s to exist: %v", dir, err)
		}
	}
}

func TestSweepDeletesUnreferencedBlobs(t *testing.T) {
	s := newTestStore(t)

	live, err := NewLiveSet(8, 0.01)
	if err != nil {
		t.Fatalf("NewLiveSet: %v", err)
	}

	keep, err := s.StoreBytes([]byte("keep this one"))
	if err != nil {
		t.Fatalf("StoreBytes(keep): %v", err)
	}
	live.Mark(keep)

	drop, err := s.StoreBytes([]byte("nobody references this anymore"))
	if err != nil {
		t.Fatalf("StoreBytes(drop): %v", err)
	}

	result, err := s.Sweep(live)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("Sweep deleted %d blobs, want 1", result.Deleted)
	}

	if !s.Exists(keep, int64(len("keep this one"))) {
		t.Fatal("Sweep deleted a live blob")
	}
	if s.Exists(drop, int64(len("nobody references this anymore"))) {
		t.Fatal("Sweep left an unreferenced blob behind")
	}
}
