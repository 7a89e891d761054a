package manifest

import (
	"bytes"
	"testing"

	"github.com/velorift/vrift/internal/cas"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)

	src.Insert("/a/file.txt", VNode{ContentHash: cas.Sum([]byte("a")), Size: 1}.WithKind(KindFile), Tier2Mutable)
	src.Insert("/a/dep", VNode{}.WithKind(KindDir), Tier1Immutable)
	if err := src.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newTestStore(t)
	if err := dst.Import(&buf); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := dst.Commit(); err != nil {
		t.Fatalf("Commit (dst): %v", err)
	}

	e, ok, err := dst.Get("/a/file.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("imported manifest missing /a/file.txt")
	}
	if e.Tier != Tier2Mutable {
		t.Fatalf("imported tier = %v, want Tier2Mutable", e.Tier)
	}

	e2, ok, err := dst.Get("/a/dep")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("imported manifest missing /a/dep")
	}
	if e2.VNode.Kind() != KindDir {
		t.Fatal("imported /a/dep lost its directory kind")
	}
	if e2.Tier != Tier1Immutable {
		t.Fatal("imported /a/dep lost its tier")
	}
}
