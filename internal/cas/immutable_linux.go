//go:build linux

package cas

import (
	"os"

	"golang.org/x/sys/unix"
)

// FS_IMMUTABLE_FL is the ext4/xfs/btrfs inode flag toggled by chattr +i.
const fsImmutableFl = 0x00000010

// setImmutable sets the OS-level immutable attribute on path, best effort:
// many filesystems (tmpfs, overlayfs, most container setups) don't support
// it, so failures are swallowed.
func setImmutable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	cur, err := ioctlGetFlags(f)
	if err != nil {
		return nil
	}
	_ = unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, cur|fsImmutableFl)
	return nil
}

// clearImmutable clears the immutable attribute, best effort, so sweep can
// unlink the file afterward.
func clearImmutable(path string) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()

	cur, err := ioctlGetFlags(f)
	if err != nil {
		return
	}
	_ = unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, cur&^fsImmutableFl)
}

func ioctlGetFlags(f *os.File) (int, error) {
	return unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
}
