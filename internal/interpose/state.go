package interpose

import (
	"sync"
	"sync/atomic"
)

// Phase is the process-wide init state a virtualizing body must consult
// before doing anything that assumes the process object is usable:
// NotStarted -> Initializing -> Ready, advanced exactly once and never
// reversed.
type Phase int32

const (
	PhaseNotStarted Phase = iota
	PhaseInitializing
	PhaseReady
)

// ProcessState is the process-wide bootstrap-safety object: the phase
// latch every intercepted call checks first, a circuit breaker that
// permanently disables virtualization after a fatal internal error, and
// a reentrance guard that routes a virtualizing body's own libc calls
// back to passthrough instead of recursing into itself.
//
// Go has no per-OS-thread-local storage the way C interposition code
// relies on (a goroutine can migrate between OS threads between any two
// statements), so the reentrance guard here is keyed by OS thread id,
// with the caller holding runtime.LockOSThread for the duration of a
// virtualizing body so the id stays meaningful.
type ProcessState struct {
	phase   int32 // atomic Phase
	breaker int32 // atomic bool

	reentrant sync.Map // tid (int) -> *int32 recursion depth
}

// NewProcessState returns a ProcessState in PhaseNotStarted.
func NewProcessState() *ProcessState { return &ProcessState{} }

// Phase returns the current init phase.
func (p *ProcessState) Phase() Phase { return Phase(atomic.LoadInt32(&p.phase)) }

// BeginInit transitions NotStarted -> Initializing, returning false if
// another thread already claimed initialization (the caller should then
// spin/park until Phase reports Ready rather than init twice).
func (p *ProcessState) BeginInit() bool {
	return atomic.CompareAndSwapInt32(&p.phase, int32(PhaseNotStarted), int32(PhaseInitializing))
}

// MarkReady transitions Initializing -> Ready.
func (p *ProcessState) MarkReady() { atomic.StoreInt32(&p.phase, int32(PhaseReady)) }

// Ready reports whether the process object is safe to use: phase is
// Ready and the circuit breaker has not tripped.
func (p *ProcessState) Ready() bool {
	return p.Phase() == PhaseReady && atomic.LoadInt32(&p.breaker) == 0
}

// TripBreaker permanently disables virtualization for the process. Once
// tripped it never resets; every subsequent call falls back to raw
// passthrough for the life of the process.
func (p *ProcessState) TripBreaker() { atomic.StoreInt32(&p.breaker, 1) }

// BreakerTripped reports whether TripBreaker has been called.
func (p *ProcessState) BreakerTripped() bool { return atomic.LoadInt32(&p.breaker) != 0 }

// Enter increments the calling thread's reentrance depth and reports
// whether this is a top-level (non-reentrant) call. A virtualizing body
// must call Leave exactly once for every Enter, in a defer, regardless
// of the return value: the depth counter would otherwise leak upward and
// permanently force every later call on that thread to passthrough.
func (p *ProcessState) Enter(tid int) (isTopLevel bool) {
	v, _ := p.reentrant.LoadOrStore(tid, new(int32))
	depth := v.(*int32)
	return atomic.AddInt32(depth, 1) == 1
}

// Leave decrements the calling thread's reentrance depth.
func (p *ProcessState) Leave(tid int) {
	if v, ok := p.reentrant.Load(tid); ok {
		atomic.AddInt32(v.(*int32), -1)
	}
}
