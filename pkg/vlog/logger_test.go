package vlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN)

	l.Debug("d %d", 1)
	l.Info("i %d", 2)
	l.Warn("w %d", 3)
	l.Error("e %d", 4)

	out := buf.String()
	if strings.Contains(out, "d 1") || strings.Contains(out, "i 2") {
		t.Fatalf("sub-threshold lines were emitted:\n%s", out)
	}
	if !strings.Contains(out, "w 3") || !strings.Contains(out, "e 4") {
		t.Fatalf("expected WARN and ERROR lines:\n%s", out)
	}
}

func TestSetLevelTakesEffect(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, ERROR)

	l.Info("before")
	l.SetLevel(DEBUG)
	l.Info("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("INFO emitted while level was ERROR:\n%s", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("INFO suppressed after SetLevel(DEBUG):\n%s", out)
	}
}

func TestNamedReplacesCallerPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO).Named("cas")

	l.Info("hello")

	out := buf.String()
	if !strings.Contains(out, " cas: hello") {
		t.Fatalf("expected the name prefix, got:\n%s", out)
	}
	if strings.Contains(out, ".go:") {
		t.Fatalf("named logger should not carry a file:line prefix:\n%s", out)
	}
}

func TestLevelString(t *testing.T) {
	for lvl, want := range map[Level]string{
		DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR", FATAL: "FATAL",
	} {
		if got := lvl.String(); got != want {
			t.Fatalf("Level(%d).String() = %q, want %q", lvl, got, want)
		}
	}
	if got := Level(99).String(); got != "Level(99)" {
		t.Fatalf("unknown level renders as %q", got)
	}
}

func TestRingEvictsOldestAndDumpsInOrder(t *testing.T) {
	r := NewRing(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		r.Push(s)
	}

	got := r.Dump()
	if len(got) != 3 {
		t.Fatalf("expected 3 buffered entries, got %d: %v", len(got), got)
	}
	want := []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Dump() = %v, want %v", got, want)
		}
	}
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing(8)
	r.Push("only")

	got := r.Dump()
	if len(got) != 1 || got[0] != "only" {
		t.Fatalf("Dump() = %v, want [only]", got)
	}
}
