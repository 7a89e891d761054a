package manifest

import (
	"path/filepath"
	"testing"

	"github.com/velorift/vrift/internal/cas"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "manifest.db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                "/",
		"a/b":             "/a/b",
		"/a//b":           "/a/b",
		"/a/b/":           "/a/b",
		"/":               "/",
		"//double//slash": "/double/slash",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInsertGetBeforeCommit(t *testing.T) {
	s := newTestStore(t)

	v := VNode{ContentHash: cas.Sum([]byte("x")), Size: 1}.WithKind(KindFile)
	s.Insert("/src/main.go", v, Tier2Mutable)

	e, ok, err := s.Get("/src/main.go")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get: entry not found before commit")
	}
	if e.VNode.ContentHash != v.ContentHash {
		t.Fatalf("Get returned wrong content hash")
	}
}

func TestCommitPersistsAcrossCleanDelta(t *testing.T) {
	s := newTestStore(t)

	v := VNode{ContentHash: cas.Sum([]byte("y")), Size: 1}.WithKind(KindFile)
	s.Insert("/pkg/foo.go", v, Tier1Immutable)

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	e, ok, err := s.Get("/pkg/foo.go")
	if err != nil {
		t.Fatalf("Get after commit: %v", err)
	}
	if !ok {
		t.Fatal("Get: entry not found after commit")
	}
	if e.Tier != Tier1Immutable {
		t.Fatalf("Get returned tier %v, want Tier1Immutable", e.Tier)
	}
}

func TestRemoveHidesBaseEntry(t *testing.T) {
	s := newTestStore(t)

	v := VNode{ContentHash: cas.Sum([]byte("z")), Size: 1}
	s.Insert("/tmp/out.o", v, Tier2Mutable)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s.Remove("/tmp/out.o")

	if _, ok, err := s.Get("/tmp/out.o"); err != nil {
		t.Fatalf("Get: %v", err)
	} else if ok {
		t.Fatal("Get: deleted entry still visible before commit")
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit (delete): %v", err)
	}

	if _, ok, err := s.Get("/tmp/out.o"); err != nil {
		t.Fatalf("Get: %v", err)
	} else if ok {
		t.Fatal("Get: deleted entry still visible after commit")
	}
}

func TestIterMergesBaseAndDelta(t *testing.T) {
	s := newTestStore(t)

	s.Insert("/a", VNode{}, Tier2Mutable)
	s.Insert("/b", VNode{}, Tier2Mutable)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Shadow /b in the delta, and add a brand new /c.
	s.Insert("/b", VNode{Size: 99}, Tier2Mutable)
	s.Insert("/c", VNode{}, Tier2Mutable)

	seen := map[string]VNode{}
	if err := s.Iter(func(e Entry) error {
		seen[e.Path] = e.VNode
		return nil
	}); err != nil {
		t.Fatalf("Iter: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("Iter saw %d entries, want 3: %v", len(seen), seen)
	}
	if seen["/b"].Size != 99 {
		t.Fatalf("Iter returned stale /b, delta shadow not applied")
	}
}

func TestIterSkipsWhitedOutBaseEntries(t *testing.T) {
	s := newTestStore(t)

	s.Insert("/keep", VNode{}, Tier2Mutable)
	s.Insert("/drop", VNode{}, Tier2Mutable)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s.Remove("/drop")

	seen := map[string]bool{}
	if err := s.Iter(func(e Entry) error {
		seen[e.Path] = true
		return nil
	}); err != nil {
		t.Fatalf("Iter: %v", err)
	}

	if seen["/drop"] {
		t.Fatal("Iter surfaced a whited-out entry before commit")
	}
	if !seen["/keep"] {
		t.Fatal("Iter dropped an unrelated live entry")
	}
}

func TestVNodeKindAndExecutableBits(t *testing.T) {
	v := VNode{}.WithKind(KindSymlink).WithExecutable(true)
	if v.Kind() != KindSymlink {
		t.Fatalf("Kind() = %v, want KindSymlink", v.Kind())
	}
	if !v.Executable() {
		t.Fatal("Executable() = false, want true")
	}

	v = v.WithExecutable(false)
	if v.Kind() != KindSymlink {
		t.Fatal("WithExecutable altered the kind bits")
	}
	if v.Executable() {
		t.Fatal("Executable() = true after WithExecutable(false)")
	}
}
