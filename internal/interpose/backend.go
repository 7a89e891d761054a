// Package interpose implements the client-side interposition layer: the
// per-process state object, the bootstrap-safety state machine, path
// resolution against the VFS domain, the open-FD table, the dirty
// tracker, and the virtualizing syscall bodies. The importable Session
// type here is unit-testable against a fake RawBackend;
// cmd/vriftpreload links it into a cgo c-shared library for the real
// LD_PRELOAD/DYLD_INSERT_LIBRARIES build.
//
// Go cannot express raw-assembly, allocation-free passthrough bodies
// that run before the dynamic loader finishes bootstrapping — the Go
// runtime itself needs to be initialized (goroutine scheduler, memory
// allocator) before any Go code, including this package's, can run at
// all, which makes "the call reaches the kernel before runtime init" an
// incoherent goal for a Go binary. This package therefore implements
// the virtualizing bodies and the bootstrap-safety *bookkeeping* (the
// phase state machine, the reentrance guard, the circuit breaker), and
// cmd/vriftpreload documents, rather than papers over, the remaining
// gap.
package interpose

import "time"

// FileStat is the subset of a stat(2) result the virtualizing bodies
// need to synthesize or forward. Dev/Ino are overridden by the
// virtualizing stat bodies to the VFS's synthetic values; everything
// else is copied from the real or CAS-backed file when known.
type FileStat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Size    int64
	Mtime   time.Time
	IsDir   bool
	IsLink  bool
}

// DirEntry is one entry yielded by RawBackend.ReadDir, enough to drive
// the synthetic-DIR merge readdir performs.
type DirEntry struct {
	Name  string
	IsDir bool
}

// RawBackend is everything the virtualizing bodies need from the real
// operating system: the raw-passthrough side of every intercepted call,
// plus the handful of primitives (copy, rename, link) the virtualizing
// bodies compose to implement break-before-write and reingest. A real
// implementation (backend_unix.go) shells out to the standard library
// and golang.org/x/sys/unix; tests use fakeBackend, which runs the same
// operations through the standard library against real temporary paths.
type RawBackend interface {
	Open(path string, flags int, mode uint32) (fd int, err error)
	Close(fd int) error
	Read(fd int, buf []byte) (int, error)
	Write(fd int, buf []byte) (int, error)
	Stat(path string) (FileStat, error)
	Lstat(path string) (FileStat, error)
	Fstat(fd int) (FileStat, error)
	ReadDir(path string) ([]DirEntry, error)
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	Unlink(path string) error
	Rename(oldPath, newPath string) error
	Link(oldPath, newPath string) error
	Symlink(target, linkPath string) error
	Readlink(path string) (string, error)
	Chmod(path string, mode uint32) error
	Chown(path string, uid, gid int) error
	Lchown(path string, uid, gid int) error
	Truncate(path string, size int64) error
	Ftruncate(fd int, size int64) error
	Utimes(path string, atime, mtime time.Time) error
	Flock(fd int, exclusive bool) error
	Funlock(fd int) error
	Copy(srcPath, dstPath string) error
	Exec(path string, argv, envp []string) error
	Setrlimit(resource int, cur, max uint64) error
}
