package interpose

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// fakeBackend is a RawBackend over a real temp-directory tree, used by
// tests that want deterministic, non-root-privileged filesystem
// operations without depending on unix build tags. It is not an
// in-memory filesystem: it shells out to the standard library against
// whatever real paths the test passes in (typically under t.TempDir()),
// the same way the daemon's own tests exercise real sockets and real
// files rather than mocking the filesystem (see daemon_test.go).
type fakeBackend struct {
	mu      sync.Mutex
	files   map[int]*os.File
	nextFD  int
	flocked map[int]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: make(map[int]*os.File), nextFD: 1000, flocked: make(map[int]bool)}
}

func (b *fakeBackend) Open(path string, flags int, mode uint32) (int, error) {
	f, err := os.OpenFile(path, flags, os.FileMode(mode))
	if err != nil {
		return -1, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fd := b.nextFD
	b.nextFD++
	b.files[fd] = f
	return fd, nil
}

func (b *fakeBackend) file(fd int) (*os.File, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[fd]
	return f, ok
}

func (b *fakeBackend) Close(fd int) error {
	b.mu.Lock()
	f, ok := b.files[fd]
	delete(b.files, fd)
	delete(b.flocked, fd)
	b.mu.Unlock()
	if !ok {
		return errors.New("fakeBackend: unknown fd")
	}
	return f.Close()
}

func (b *fakeBackend) Read(fd int, buf []byte) (int, error) {
	f, ok := b.file(fd)
	if !ok {
		return 0, errors.New("fakeBackend: unknown fd")
	}
	n, err := f.Read(buf)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, err
}

func (b *fakeBackend) Write(fd int, buf []byte) (int, error) {
	f, ok := b.file(fd)
	if !ok {
		return 0, errors.New("fakeBackend: unknown fd")
	}
	return f.Write(buf)
}

func fileStatFromOS(fi os.FileInfo) FileStat {
	return FileStat{
		Ino:    0,
		Mode:   uint32(fi.Mode().Perm()),
		Size:   fi.Size(),
		Mtime:  fi.ModTime(),
		IsDir:  fi.IsDir(),
		IsLink: fi.Mode()&os.ModeSymlink != 0,
	}
}

func (b *fakeBackend) Stat(path string) (FileStat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileStat{}, err
	}
	return fileStatFromOS(fi), nil
}

func (b *fakeBackend) Lstat(path string) (FileStat, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return FileStat{}, err
	}
	return fileStatFromOS(fi), nil
}

func (b *fakeBackend) Fstat(fd int) (FileStat, error) {
	f, ok := b.file(fd)
	if !ok {
		return FileStat{}, errors.New("fakeBackend: unknown fd")
	}
	fi, err := f.Stat()
	if err != nil {
		return FileStat{}, err
	}
	return fileStatFromOS(fi), nil
}

func (b *fakeBackend) ReadDir(path string) ([]DirEntry, error) {
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

func (b *fakeBackend) Mkdir(path string, mode uint32) error { return os.Mkdir(path, os.FileMode(mode)) }
func (b *fakeBackend) Rmdir(path string) error               { return os.Remove(path) }
func (b *fakeBackend) Unlink(path string) error               { return os.Remove(path) }
func (b *fakeBackend) Rename(oldPath, newPath string) error   { return os.Rename(oldPath, newPath) }
func (b *fakeBackend) Link(oldPath, newPath string) error     { return os.Link(oldPath, newPath) }
func (b *fakeBackend) Symlink(target, linkPath string) error  { return os.Symlink(target, linkPath) }
func (b *fakeBackend) Readlink(path string) (string, error)   { return os.Readlink(path) }
func (b *fakeBackend) Chmod(path string, mode uint32) error   { return os.Chmod(path, os.FileMode(mode)) }
func (b *fakeBackend) Chown(path string, uid, gid int) error  { return nil }
func (b *fakeBackend) Lchown(path string, uid, gid int) error { return nil }
func (b *fakeBackend) Truncate(path string, size int64) error { return os.Truncate(path, size) }

func (b *fakeBackend) Ftruncate(fd int, size int64) error {
	f, ok := b.file(fd)
	if !ok {
		return errors.New("fakeBackend: unknown fd")
	}
	return f.Truncate(size)
}

func (b *fakeBackend) Utimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(path, atime, mtime)
}

func (b *fakeBackend) Flock(fd int, exclusive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flocked[fd] = true
	return nil
}

func (b *fakeBackend) Funlock(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flocked, fd)
	return nil
}

func (b *fakeBackend) Copy(srcPath, dstPath string) error {
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

func (b *fakeBackend) Exec(path string, argv, envp []string) error {
	return errors.New("fakeBackend: Exec not supported")
}

func (b *fakeBackend) Setrlimit(resource int, cur, max uint64) error { return nil }
