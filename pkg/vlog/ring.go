package vlog

import (
	"container/ring"
	"sync"
)

// Ring is a fixed-capacity circular buffer of formatted log lines. The
// interposition layer uses it as its process-local telemetry buffer (one
// entry per intercepted syscall) instead of writing to stderr, since a
// hot-path syscall body must not block on file I/O.
type Ring struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
}

// NewRing returns a Ring holding at most size entries.
func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

// Push records a formatted entry, evicting the oldest if full.
func (l *Ring) Push(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.r.Value = s
	l.r = l.r.Next()
}

// Dump returns the buffered entries from oldest to newest.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)
	l.r.Do(func(v interface{}) {
		if v == nil {
			return
		}
		res = append(res, v.(string))
	})
	return res
}
