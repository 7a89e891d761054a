package interpose

import (
	"bytes"
	"encoding/json"
	"strings"
	"syscall"
	"testing"

	"github.com/velorift/vrift/internal/manifest"
)

func TestTelemetryRingRecordsVirtualizingBodies(t *testing.T) {
	env := newTestEnv(t)
	env.seed("/src/a.txt", manifest.Tier2Mutable, []byte("x"))

	fd, _, err := env.sess.Open(env.abs("src/a.txt"), OpenFlags{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := env.sess.Stat(env.abs("src/a.txt")); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	env.sess.Close(fd)

	events := env.sess.Events()
	if len(events) < 3 {
		t.Fatalf("expected at least open/stat/close events, got %v", events)
	}

	var sawOpen, sawStat, sawClose bool
	for _, e := range events {
		switch {
		case strings.HasPrefix(e, "open "):
			sawOpen = true
		case strings.HasPrefix(e, "stat "):
			sawStat = true
		case strings.HasPrefix(e, "close "):
			sawClose = true
		}
		if !strings.Contains(e, "errno=") || !strings.Contains(e, "ns=") {
			t.Fatalf("event %q missing errno/ns fields", e)
		}
	}
	if !sawOpen || !sawStat || !sawClose {
		t.Fatalf("missing event kinds in %v", events)
	}
}

func TestProfileSummaryCountsAndErrors(t *testing.T) {
	t.Setenv("VRIFT_PROFILE", "1")
	env := newTestEnv(t)
	env.seed("/src/a.txt", manifest.Tier2Mutable, []byte("x"))

	if _, _, err := env.sess.Stat(env.abs("src/a.txt")); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// A miss still records a stat sample, with its error counted.
	env.sess.Stat(env.abs("missing.txt"))

	var buf bytes.Buffer
	if err := env.sess.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}

	var out struct {
		PID      int                   `json:"pid"`
		Syscalls map[string]*kindStats `json:"syscalls"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("summary is not valid JSON: %v\n%s", err, buf.String())
	}

	st, ok := out.Syscalls["stat"]
	if !ok {
		t.Fatalf("summary has no stat bucket: %s", buf.String())
	}
	if st.Count != 2 {
		t.Fatalf("stat count = %d, want 2", st.Count)
	}
	if st.Errors != 1 {
		t.Fatalf("stat errors = %d, want 1", st.Errors)
	}
	if st.Count > 0 && st.MeanNS < 0 {
		t.Fatalf("mean latency is negative: %d", st.MeanNS)
	}
}

func TestProfileDisabledKeepsSummaryEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.seed("/src/a.txt", manifest.Tier2Mutable, []byte("x"))
	if _, _, err := env.sess.Stat(env.abs("src/a.txt")); err != nil {
		t.Fatalf("Stat: %v", err)
	}

	var buf bytes.Buffer
	if err := env.sess.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	var out struct {
		Syscalls map[string]*kindStats `json:"syscalls"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if len(out.Syscalls) != 0 {
		t.Fatalf("expected no counters without VRIFT_PROFILE, got %v", out.Syscalls)
	}
	// The ring still buffers events regardless of profiling.
	if len(env.sess.Events()) == 0 {
		t.Fatal("expected ring events even with profiling disabled")
	}
}

func TestErrnoOf(t *testing.T) {
	if got := errnoOf(nil); got != 0 {
		t.Fatalf("errnoOf(nil) = %d, want 0", got)
	}
	if got := errnoOf(syscall.ENOENT); got != int(syscall.ENOENT) {
		t.Fatalf("errnoOf(ENOENT) = %d, want %d", got, int(syscall.ENOENT))
	}
	if got := errnoOf(bytes.ErrTooLarge); got != -1 {
		t.Fatalf("errnoOf(non-syscall error) = %d, want -1", got)
	}
}
