// Package manifest implements the project manifest: the mapping from
// logical path to content-addressed vnode, partitioned into a durable
// base (bbolt) and a volatile in-memory delta overlay.
package manifest

import (
	"path"
	"strings"

	"github.com/velorift/vrift/internal/cas"
)

// Kind occupies the low two bits of a vnode's Flags field.
type Kind uint16

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

const (
	kindMask = 0x3
	// FlagExecutable marks a regular file's executable bit, independent
	// of Kind.
	FlagExecutable uint16 = 1 << 2
)

// VNode is the packed per-entry metadata record. Directories carry a
// zero ContentHash; symlinks store their target path as a CAS blob and
// reference it by hash, with Size equal to the target string's length.
type VNode struct {
	ContentHash cas.Hash
	Size        uint64
	MTimeNS     uint64
	Mode        uint32
	Flags       uint16
}

// Kind returns the entry's kind.
func (v VNode) Kind() Kind { return Kind(v.Flags & kindMask) }

// Executable reports whether the executable bit is set.
func (v VNode) Executable() bool { return v.Flags&FlagExecutable != 0 }

// WithKind returns a copy of v with its kind bits replaced.
func (v VNode) WithKind(k Kind) VNode {
	v.Flags = (v.Flags &^ kindMask) | uint16(k)
	return v
}

// WithExecutable returns a copy of v with the executable bit set or
// cleared.
func (v VNode) WithExecutable(exec bool) VNode {
	if exec {
		v.Flags |= FlagExecutable
	} else {
		v.Flags &^= FlagExecutable
	}
	return v
}

// Tier classifies a manifest entry's mutability policy.
type Tier uint8

const (
	// Tier1Immutable entries (dependency trees) are protected: no
	// in-place writes, only whole-file replacement via reingest.
	Tier1Immutable Tier = iota
	// Tier2Mutable entries (build outputs) allow copy-on-write.
	Tier2Mutable
)

// Entry is one manifest record.
type Entry struct {
	Path  string
	VNode VNode
	Tier  Tier
}

// NormalizePath collapses repeated slashes, drops a trailing slash
// (except for the root), and ensures a leading slash. No symlink
// resolution is performed.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if p == "." {
		return "/"
	}
	return p
}

// PathHash returns the 32-byte BLAKE3 hash of the normalized path, used
// as the manifest's base-layer key.
func PathHash(p string) cas.Hash {
	return cas.Sum([]byte(NormalizePath(p)))
}
