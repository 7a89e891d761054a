// Package vrerr defines the error taxonomy shared by every Velo Rift
// component. Components return these sentinels (wrapped with
// fmt.Errorf("...: %w", ...) for context) so callers anywhere in the stack
// can errors.Is/errors.As them, and so the daemon's IPC layer can serialize
// them into the wire Error(message) variant without losing their kind.
package vrerr

import "errors"

var (
	// NotFound is returned when a manifest or CAS lookup finds nothing.
	NotFound = errors.New("not found")

	// HashMismatch is returned when a CAS read's content does not hash to
	// its key. It is always fatal to the operation; callers must not retry
	// it automatically.
	HashMismatch = errors.New("hash mismatch")

	// EXDEV is returned when a mutation would cross the VFS boundary.
	EXDEV = errors.New("cross-device link")

	// EPERM is returned when a mutation targets a Tier-1 (immutable)
	// manifest entry.
	EPERM = errors.New("operation not permitted on tier-1 entry")

	// PermissionDenied is returned when an IPC request that mutates state
	// arrives from a peer UID that does not match the daemon's own UID.
	PermissionDenied = errors.New("permission denied")

	// ProtocolMismatch is returned at IPC handshake time when the client
	// and daemon protocol versions disagree.
	ProtocolMismatch = errors.New("protocol version mismatch")

	// Corruption is returned when the VDir's magic, version, or header CRC
	// fails validation. It is not auto-repaired; the caller must rebuild.
	Corruption = errors.New("vdir corrupt")

	// Timeout is returned client-side when an IPC call exceeds its
	// deadline. The daemon itself never returns Timeout.
	Timeout = errors.New("timeout")

	// DaemonUnreachable is returned when a client cannot reach the daemon
	// socket. Callers fall back to backlog logging (mutations) or raw
	// passthrough (reads).
	DaemonUnreachable = errors.New("daemon unreachable")
)

// Kind classifies an error into one of the taxonomy members above, or the
// empty string if it doesn't match one. Used by the IPC layer to tag the
// wire Error(message) variant so a remote peer can distinguish, e.g., EPERM
// from an arbitrary I/O failure without parsing the message string.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, NotFound):
		return "NotFound"
	case errors.Is(err, HashMismatch):
		return "HashMismatch"
	case errors.Is(err, EXDEV):
		return "EXDEV"
	case errors.Is(err, EPERM):
		return "EPERM"
	case errors.Is(err, PermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ProtocolMismatch):
		return "ProtocolMismatch"
	case errors.Is(err, Corruption):
		return "Corruption"
	case errors.Is(err, Timeout):
		return "Timeout"
	case errors.Is(err, DaemonUnreachable):
		return "DaemonUnreachable"
	default:
		return ""
	}
}
