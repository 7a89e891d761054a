//go:build linux

package daemon

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerUID reads the connecting process's effective UID via SO_PEERCRED,
// the kernel-reported credential a Unix socket peer cannot forge.
func peerUID(conn net.Conn) (uint32, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, false
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, false
	}

	var uid uint32
	var found bool
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		uid = cred.Uid
		found = true
	})
	if ctrlErr != nil {
		return 0, false
	}
	return uid, found
}
