// Command vriftpreload builds, via `go build -buildmode=c-shared`, the
// shared library a real deployment injects into a target process with
// LD_PRELOAD (Linux) or DYLD_INSERT_LIBRARIES (macOS). It exports
// vrift_-prefixed C functions (vrift_open, vrift_close, vrift_stat,
// vrift_unlink, vrift_mkdir, vrift_rmdir, vrift_rename), each one a thin
// C-ABI wrapper around an internal/interpose.Session virtualizing body or
// a dlsym(RTLD_NEXT, ...) passthrough to the real libc function. No
// symbol is exported under the libc name itself.
//
// A Go c-shared library cannot run allocation-free passthrough bodies
// before the dynamic loader has finished and before the Go runtime
// itself exists (see internal/interpose's package doc: the Go scheduler
// and allocator must already be initialized before any of this
// package's code, including its cgo preamble, can run). What this
// package does cover is everything downstream of that point: the
// phase/circuit-breaker bookkeeping (internal/interpose.ProcessState)
// and the dlsym(RTLD_NEXT, ...) passthrough idiom a shared library
// interposer uses once it is safe to call libc at all. The exported
// functions do not call ProcessState's thread-local reentrance guard
// (Enter/Leave). A production build targeting the true bootstrap
// window would need a small amount of cgo-embedded C (or a tiny
// assembly stub) ahead of this file; that C is intentionally not faked
// here with hand-rolled syscall numbers — the macOS utimensat/futimens
// wrappers in particular have no stable kernel syscall and must be
// confirmed against the real target rather than assumed.
package main

/*
#include <stdlib.h>
#include <string.h>
#include <sys/stat.h>
#include <sys/types.h>
#include <time.h>
#include <dlfcn.h>

// Real libc entry points, resolved once at load time via dlsym(RTLD_NEXT, ...)
// so the Go side never needs to know libc's calling convention beyond a
// plain function pointer call.
typedef int (*open_fn)(const char *, int, ...);
typedef int (*close_fn)(int);
typedef int (*stat_fn)(const char *, struct stat *);
typedef int (*unlink_fn)(const char *);
typedef int (*mkdir_fn)(const char *, mode_t);
typedef int (*rmdir_fn)(const char *);
typedef int (*rename_fn)(const char *, const char *);

static open_fn real_open = 0;
static close_fn real_close = 0;
static stat_fn real_stat = 0;
static unlink_fn real_unlink = 0;
static mkdir_fn real_mkdir = 0;
static rmdir_fn real_rmdir = 0;
static rename_fn real_rename = 0;

// Exported from the Go side; registered with atexit so the VRIFT_PROFILE
// summary is written when the host process exits.
extern void vrift_profile_dump();

static void vrift_resolve_real_symbols(void) {
	if (!real_open)   real_open   = (open_fn)dlsym(RTLD_NEXT, "open");
	if (!real_close)  real_close  = (close_fn)dlsym(RTLD_NEXT, "close");
	if (!real_stat)   real_stat   = (stat_fn)dlsym(RTLD_NEXT, "stat");
	if (!real_unlink) real_unlink = (unlink_fn)dlsym(RTLD_NEXT, "unlink");
	if (!real_mkdir)  real_mkdir  = (mkdir_fn)dlsym(RTLD_NEXT, "mkdir");
	if (!real_rmdir)  real_rmdir  = (rmdir_fn)dlsym(RTLD_NEXT, "rmdir");
	if (!real_rename) real_rename = (rename_fn)dlsym(RTLD_NEXT, "rename");
	atexit(vrift_profile_dump);
}

static int vrift_real_open(const char *path, int flags, mode_t mode) {
	return real_open(path, flags, mode);
}

static int vrift_real_close(int fd) {
	return real_close(fd);
}

static int vrift_real_unlink(const char *path) {
	return real_unlink(path);
}

static int vrift_real_stat(const char *path, struct stat *buf) {
	return real_stat(path, buf);
}

static int vrift_real_mkdir(const char *path, mode_t mode) {
	return real_mkdir(path, mode);
}

static int vrift_real_rmdir(const char *path) {
	return real_rmdir(path);
}

static int vrift_real_rename(const char *oldpath, const char *newpath) {
	return real_rename(oldpath, newpath);
}
*/
import "C"

import (
	"os"
	"sync"
	"unsafe"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/interpose"
	"github.com/velorift/vrift/internal/registry"
	"github.com/velorift/vrift/internal/vdir"
)

var (
	initOnce sync.Once
	session  *interpose.Session
	state    *interpose.ProcessState
)

// vriftInit lazily brings up the process-wide Session the first time any
// exported symbol below is called: the per-process state is created on
// the first intercepted call after the dynamic loader finishes
// bootstrapping, never during it. A real build additionally gates every exported
// function on state.Ready() before reaching here at all (see the package
// doc); this Go-level lazy init is the part of bootstrap safety this
// package can actually implement.
func vriftInit() {
	initOnce.Do(func() {
		C.vrift_resolve_real_symbols()

		cfg := interpose.Config{
			VFSPrefix:   os.Getenv("VRIFT_VFS_PREFIX"),
			ProjectRoot: os.Getenv("VRIFT_PROJECT_ROOT"),
		}
		if cfg.ProjectRoot != "" {
			cfg.StagingDir = cfg.ProjectRoot + "/.vrift/staging"
			cfg.LocksDir = cfg.ProjectRoot + "/.vrift/locks"
		}

		dirs, err := registry.DefaultDirs()
		if err != nil {
			// No per-user state reachable: every call below falls back to
			// raw passthrough for the life of the process.
			return
		}

		var store *cas.Store
		if casRoot := os.Getenv("VR_THE_SOURCE"); casRoot != "" {
			store, _ = cas.New(casRoot)
		} else {
			store, _ = cas.New(dirs.TheSource)
		}
		if store == nil {
			return
		}

		var vd *vdir.Reader
		if cfg.ProjectRoot != "" {
			id, err := registry.DeriveProjectID(cfg.ProjectRoot)
			if err == nil {
				vd, _ = vdir.Open(registry.VDirPath(dirs, id))
			}
		}

		var daemon interpose.DaemonClient
		if cfg.ProjectRoot != "" {
			id, err := registry.DeriveProjectID(cfg.ProjectRoot)
			if err == nil {
				daemon = interpose.NewIPCClient(registry.SocketPath(dirs, id), cfg.ProjectRoot)
			}
		}
		if daemon == nil {
			// No daemon reachable at all: a projected manifest file
			// (VRIFT_MANIFEST) still lets reads work off the snapshot,
			// with mutations surfacing DaemonUnreachable.
			if mf := os.Getenv("VRIFT_MANIFEST"); mf != "" {
				daemon, _ = interpose.NewStaticManifestClient(mf)
			}
		}
		if daemon == nil {
			return
		}

		raw := interpose.NewUnixBackend()
		session = interpose.New(cfg, vd, store, daemon, raw)
		state = interpose.NewProcessState()
		state.BeginInit()
		session.Bootstrap()
		state.MarkReady()
	})
}

// ready reports whether the Session is usable; when it isn't (init
// never completed, no daemon/VDir reachable at all, or the circuit
// breaker tripped), every exported symbol below falls straight through
// to the real libc function.
func ready() bool {
	return session != nil && state != nil && state.Ready()
}

//export vrift_open
func vrift_open(cpath *C.char, flags C.int, mode C.mode_t) C.int {
	vriftInit()
	path := C.GoString(cpath)

	if !ready() {
		return C.vrift_real_open(cpath, flags, mode)
	}

	writeIntent := int(flags)&(os.O_WRONLY|os.O_RDWR) != 0
	fd, handled, err := session.Open(path, interpose.OpenFlags{
		WriteIntent: writeIntent,
		Create:      int(flags)&os.O_CREATE != 0,
		Mode:        uint32(mode),
	})
	if !handled {
		return C.vrift_real_open(cpath, flags, mode)
	}
	if err != nil {
		return -1
	}
	return C.int(fd)
}

//export vrift_close
func vrift_close(fd C.int) C.int {
	vriftInit()
	if !ready() {
		return C.vrift_real_close(fd)
	}
	handled, err := session.Close(int(fd))
	if !handled {
		return C.vrift_real_close(fd)
	}
	if err != nil {
		return -1
	}
	return 0
}

//export vrift_stat
func vrift_stat(cpath *C.char, buf *C.struct_stat) C.int {
	vriftInit()
	path := C.GoString(cpath)

	if !ready() {
		return C.vrift_real_stat(cpath, buf)
	}

	st, handled, err := session.Stat(path)
	if !handled {
		return C.vrift_real_stat(cpath, buf)
	}
	if err != nil {
		return -1
	}
	fillCStat(buf, st)
	return 0
}

//export vrift_unlink
func vrift_unlink(cpath *C.char) C.int {
	vriftInit()
	path := C.GoString(cpath)

	if !ready() {
		return C.vrift_real_unlink(cpath)
	}
	handled, err := session.Unlink(path)
	if !handled {
		return C.vrift_real_unlink(cpath)
	}
	if err != nil {
		return -1
	}
	return 0
}

//export vrift_mkdir
func vrift_mkdir(cpath *C.char, mode C.mode_t) C.int {
	vriftInit()
	path := C.GoString(cpath)

	if !ready() {
		return C.vrift_real_mkdir(cpath, mode)
	}
	handled, err := session.Mkdir(path, uint32(mode))
	if !handled {
		return C.vrift_real_mkdir(cpath, mode)
	}
	if err != nil {
		return -1
	}
	return 0
}

//export vrift_rmdir
func vrift_rmdir(cpath *C.char) C.int {
	vriftInit()
	path := C.GoString(cpath)

	if !ready() {
		return C.vrift_real_rmdir(cpath)
	}
	handled, err := session.Rmdir(path)
	if !handled {
		return C.vrift_real_rmdir(cpath)
	}
	if err != nil {
		return -1
	}
	return 0
}

//export vrift_rename
func vrift_rename(coldpath, cnewpath *C.char) C.int {
	vriftInit()
	oldPath := C.GoString(coldpath)
	newPath := C.GoString(cnewpath)

	if !ready() {
		return C.vrift_real_rename(coldpath, cnewpath)
	}
	handled, err := session.Rename(oldPath, newPath)
	if !handled {
		return C.vrift_real_rename(coldpath, cnewpath)
	}
	if err != nil {
		return -1
	}
	// The manifest-side move is done. The physical rename is best
	// effort: a fully virtual entry has no physical file to move, so an
	// ENOENT from the real call must not fail a rename the manifest
	// already committed.
	_ = C.vrift_real_rename(coldpath, cnewpath)
	return 0
}

//export vrift_profile_dump
func vrift_profile_dump() {
	if session == nil {
		return
	}
	_ = session.DumpProfile()
}

// fillCStat copies an interpose.FileStat into the caller's struct stat
// buffer. Field layout (st_dev/st_ino/st_mode/...) is platform-specific
// at the cgo level; this covers the Linux/glibc layout the rest of this
// tree targets via its own //go:build unix files.
func fillCStat(buf *C.struct_stat, st interpose.FileStat) {
	C.memset(unsafe.Pointer(buf), 0, C.sizeof_struct_stat)
	buf.st_dev = C.dev_t(st.Dev)
	buf.st_ino = C.ino_t(st.Ino)
	buf.st_mode = C.mode_t(st.Mode)
	buf.st_nlink = C.nlink_t(st.Nlink)
	buf.st_size = C.off_t(st.Size)
	buf.st_mtim.tv_sec = C.time_t(st.Mtime.Unix())
	buf.st_mtim.tv_nsec = C.long(st.Mtime.Nanosecond())
}

func main() {}
