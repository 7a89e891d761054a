//go:build unix

package interpose

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// unixBackend is the real RawBackend: every method shells out directly
// to the kernel via the standard library or golang.org/x/sys/unix. It
// is the path a virtualizing body falls back to once it has decided a
// call is either outside the VFS domain or needs to touch the real
// filesystem underneath a staging/CAS path.
type unixBackend struct{}

// NewUnixBackend returns the production RawBackend.
func NewUnixBackend() RawBackend { return unixBackend{} }

func (unixBackend) Open(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return fd, nil
}

func (unixBackend) Close(fd int) error { return unix.Close(fd) }

func (unixBackend) Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (unixBackend) Write(fd int, buf []byte) (int, error) { return unix.Write(fd, buf) }

func statToFileStat(st *unix.Stat_t) FileStat {
	return FileStat{
		Dev:    uint64(st.Dev),
		Ino:    uint64(st.Ino),
		Mode:   uint32(st.Mode),
		Nlink:  uint32(st.Nlink),
		Size:   st.Size,
		Mtime:  time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)),
		IsDir:  st.Mode&unix.S_IFMT == unix.S_IFDIR,
		IsLink: st.Mode&unix.S_IFMT == unix.S_IFLNK,
	}
}

func (unixBackend) Stat(path string) (FileStat, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileStat{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return statToFileStat(&st), nil
}

func (unixBackend) Lstat(path string) (FileStat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return FileStat{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return statToFileStat(&st), nil
}

func (unixBackend) Fstat(fd int) (FileStat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return FileStat{}, err
	}
	return statToFileStat(&st), nil
}

func (unixBackend) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (unixBackend) Mkdir(path string, mode uint32) error { return unix.Mkdir(path, mode) }
func (unixBackend) Rmdir(path string) error              { return unix.Rmdir(path) }
func (unixBackend) Unlink(path string) error              { return unix.Unlink(path) }
func (unixBackend) Rename(oldPath, newPath string) error  { return unix.Rename(oldPath, newPath) }
func (unixBackend) Link(oldPath, newPath string) error    { return unix.Link(oldPath, newPath) }
func (unixBackend) Symlink(target, linkPath string) error { return unix.Symlink(target, linkPath) }
func (unixBackend) Readlink(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
func (unixBackend) Chmod(path string, mode uint32) error  { return unix.Chmod(path, mode) }
func (unixBackend) Chown(path string, uid, gid int) error { return unix.Chown(path, uid, gid) }
func (unixBackend) Lchown(path string, uid, gid int) error { return unix.Lchown(path, uid, gid) }
func (unixBackend) Truncate(path string, size int64) error { return unix.Truncate(path, size) }
func (unixBackend) Ftruncate(fd int, size int64) error     { return unix.Ftruncate(fd, size) }

func (unixBackend) Utimes(path string, atime, mtime time.Time) error {
	tv := []unix.Timeval{
		unix.NsecToTimeval(atime.UnixNano()),
		unix.NsecToTimeval(mtime.UnixNano()),
	}
	return unix.Utimes(path, tv)
}

func (unixBackend) Flock(fd int, exclusive bool) error {
	op := unix.LOCK_SH
	if exclusive {
		op = unix.LOCK_EX
	}
	return unix.Flock(fd, op)
}

func (unixBackend) Funlock(fd int) error { return unix.Flock(fd, unix.LOCK_UN) }

func (unixBackend) Copy(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func (unixBackend) Exec(path string, argv, envp []string) error {
	return unix.Exec(path, argv, envp)
}

func (unixBackend) Setrlimit(resource int, cur, max uint64) error {
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: cur, Max: max})
}
