// Package wire implements the daemon IPC request/response sum type and
// its length-framed codec. Every message is a u32 little-endian length
// followed by that many bytes of gob-encoded payload; the explicit
// length prefix lets a peer reject an oversized frame before it ever
// reaches the gob decoder.
package wire

import (
	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
)

// ProtocolVersion is exchanged in the handshake; a mismatch is a
// connection-fatal error.
const ProtocolVersion = 1

// MaxFrameSize is the hard cap on a single message's payload length. A
// received length above this terminates the connection.
const MaxFrameSize = 16 * 1024 * 1024

// RequestKind identifies which field of Request is populated.
type RequestKind uint8

const (
	KindHandshake RequestKind = iota
	KindRegisterWorkspace
	KindStatus
	KindSpawn
	KindCasGet
	KindCasInsert
	KindCasSweep
	KindManifestGet
	KindManifestUpsert
	KindManifestRemove
	KindManifestRename
	KindManifestUpdateMtime
	KindManifestListDir
	KindReingest
	KindIngestFullScan
	KindProtect
	KindFlockAcquire
	KindFlockRelease
)

// Request is the sum type carried by a single IPC call. Exactly one of
// the Kind-matching fields below is populated; the rest are zero
// values. gob encodes struct zero values cheaply, so this is simpler
// than a tagged union of interfaces and still round-trips exactly.
type Request struct {
	Kind RequestKind

	Handshake           HandshakeRequest
	RegisterWorkspace   RegisterWorkspaceRequest
	Spawn               SpawnRequest
	CasGet              CasGetRequest
	CasInsert           CasInsertRequest
	ManifestGet         ManifestGetRequest
	ManifestUpsert      ManifestUpsertRequest
	ManifestRemove      ManifestRemoveRequest
	ManifestRename      ManifestRenameRequest
	ManifestUpdateMtime ManifestUpdateMtimeRequest
	ManifestListDir     ManifestListDirRequest
	Reingest            ReingestRequest
	Protect             ProtectRequest
	FlockAcquire        FlockAcquireRequest
	FlockRelease        FlockReleaseRequest
}

// Response mirrors Request: exactly one field is meaningful, selected
// by Kind. Err is set (and every other field left zero) on failure.
type Response struct {
	Kind RequestKind
	Err  *ErrorDetail

	Handshake         HandshakeResponse
	RegisterWorkspace RegisterWorkspaceResponse
	Status            StatusResponse
	Spawn             SpawnResponse
	CasGet            CasGetResponse
	CasInsert         CasInsertResponse
	CasSweep          CasSweepResponse
	ManifestGet       ManifestGetResponse
	ManifestListDir   ManifestListDirResponse
	Reingest          ReingestResponse
	Ack               AckResponse
}

// ErrorDetail is the serialized form of an error returned by the daemon.
// Kind is the vrerr taxonomy classification (empty if the error doesn't
// match a known sentinel), letting a client distinguish e.g. EPERM from
// an arbitrary I/O failure without parsing Message.
type ErrorDetail struct {
	Kind    string
	Message string
}

type HandshakeRequest struct {
	ProtocolVersion int
	ClientPID       int
}

type HandshakeResponse struct {
	ProtocolVersion int
	DaemonPID       int
}

type RegisterWorkspaceRequest struct {
	ProjectRoot string
}

type RegisterWorkspaceResponse struct {
	ProjectID  string
	VDirPath   string
	SocketPath string
}

type StatusResponse struct {
	Workspaces    []string
	QueueDepth    int
	ManifestCount int
}

type SpawnRequest struct {
	Argv []string
	Env  []string
	Dir  string
}

type SpawnResponse struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

type CasGetRequest struct {
	Hash cas.Hash
}

type CasGetResponse struct {
	Data []byte
}

type CasInsertRequest struct {
	Data []byte
}

type CasInsertResponse struct {
	Hash cas.Hash
}

type CasSweepResponse struct {
	Deleted        int
	ReclaimedBytes int64
}

type ManifestGetRequest struct {
	Path string
}

type ManifestGetResponse struct {
	Found bool
	Entry manifest.Entry
}

type ManifestUpsertRequest struct {
	Path  string
	VNode manifest.VNode
	Tier  manifest.Tier
}

type ManifestRemoveRequest struct {
	Path string
}

type ManifestRenameRequest struct {
	OldPath string
	NewPath string
}

type ManifestUpdateMtimeRequest struct {
	Path    string
	MTimeNS uint64
}

type ManifestListDirRequest struct {
	Path string
}

type ManifestListDirResponse struct {
	Entries []manifest.Entry
}

type ReingestRequest struct {
	VirtualPath string
	StagingPath string
}

type ReingestResponse struct {
	Hash cas.Hash
}

type ProtectRequest struct {
	Path      string
	Immutable bool
	NewOwner  string
}

type FlockAcquireRequest struct {
	Name    string
	Timeout int64 // nanoseconds
}

type FlockReleaseRequest struct {
	Name string
}

// AckResponse is the empty success response for requests that carry no
// return value (ManifestRemove, ManifestRename, ManifestUpdateMtime,
// Protect, FlockAcquire, FlockRelease).
type AckResponse struct{}
