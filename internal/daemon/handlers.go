package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/vrerr"
	"github.com/velorift/vrift/internal/wire"
)

// dispatch routes one decoded request to its handler and packages the
// result (or error) into a Response. Every RequestKind in the IPC
// schema is covered; an unrecognized kind is a protocol bug, not a
// user-facing error, and is reported as such.
func (d *Daemon) dispatch(cs *connState, req *wire.Request) *wire.Response {
	var resp wire.Response
	resp.Kind = req.Kind

	var err error
	switch req.Kind {
	case wire.KindRegisterWorkspace:
		resp.RegisterWorkspace, err = d.handleRegisterWorkspace(cs, &req.RegisterWorkspace)
	case wire.KindStatus:
		resp.Status, err = d.handleStatus()
	case wire.KindSpawn:
		resp.Spawn, err = d.handleSpawn(cs, &req.Spawn)
	case wire.KindCasGet:
		resp.CasGet, err = d.handleCasGet(&req.CasGet)
	case wire.KindCasInsert:
		err = d.requireSameUID(cs)
		if err == nil {
			resp.CasInsert, err = d.handleCasInsert(&req.CasInsert)
		}
	case wire.KindCasSweep:
		err = d.requireSameUID(cs)
		if err == nil {
			resp.CasSweep, err = d.handleCasSweep()
		}
	case wire.KindManifestGet:
		resp.ManifestGet, err = d.handleManifestGet(cs, &req.ManifestGet)
	case wire.KindManifestUpsert:
		err = d.requireSameUID(cs)
		if err == nil {
			err = d.handleManifestUpsert(cs, &req.ManifestUpsert)
			resp.Ack = wire.AckResponse{}
		}
	case wire.KindManifestRemove:
		err = d.requireSameUID(cs)
		if err == nil {
			err = d.handleManifestRemove(cs, &req.ManifestRemove)
			resp.Ack = wire.AckResponse{}
		}
	case wire.KindManifestRename:
		err = d.requireSameUID(cs)
		if err == nil {
			err = d.handleManifestRename(cs, &req.ManifestRename)
			resp.Ack = wire.AckResponse{}
		}
	case wire.KindManifestUpdateMtime:
		err = d.requireSameUID(cs)
		if err == nil {
			err = d.handleManifestUpdateMtime(cs, &req.ManifestUpdateMtime)
			resp.Ack = wire.AckResponse{}
		}
	case wire.KindManifestListDir:
		resp.ManifestListDir, err = d.handleManifestListDir(cs, &req.ManifestListDir)
	case wire.KindReingest:
		err = d.requireSameUID(cs)
		if err == nil {
			resp.Reingest, err = d.handleReingest(cs, &req.Reingest)
		}
	case wire.KindIngestFullScan:
		err = d.requireSameUID(cs)
		if err == nil {
			err = d.handleIngestFullScan(cs)
			resp.Ack = wire.AckResponse{}
		}
	case wire.KindProtect:
		err = d.requireSameUID(cs)
		if err == nil {
			err = d.handleProtect(cs, &req.Protect)
			resp.Ack = wire.AckResponse{}
		}
	case wire.KindFlockAcquire:
		err = d.handleFlockAcquire(cs, &req.FlockAcquire)
		resp.Ack = wire.AckResponse{}
	case wire.KindFlockRelease:
		err = d.handleFlockRelease(cs, &req.FlockRelease)
		resp.Ack = wire.AckResponse{}
	default:
		err = fmt.Errorf("daemon: unknown request kind %d", req.Kind)
	}

	if err != nil {
		resp.Err = wire.NewErrorDetail(err)
	}
	return &resp
}

// requireSameUID rejects mutating requests from a peer UID that does
// not match the daemon's own. A platform that can't report peer
// credentials (peerUID returned !ok) fails open: degrading one
// authorization check beats making the daemon unusable on targets
// where the socket option doesn't exist.
func (d *Daemon) requireSameUID(cs *connState) error {
	if !cs.haveUID {
		return nil
	}
	if cs.peerUID != uint32(os.Getuid()) {
		return fmt.Errorf("peer uid %d does not match daemon uid %d: %w", cs.peerUID, os.Getuid(), vrerr.PermissionDenied)
	}
	return nil
}

var errNoWorkspace = fmt.Errorf("connection has not registered a workspace")

func (d *Daemon) handleRegisterWorkspace(cs *connState, req *wire.RegisterWorkspaceRequest) (wire.RegisterWorkspaceResponse, error) {
	ws, err := d.workspaceFor(req.ProjectRoot)
	if err != nil {
		return wire.RegisterWorkspaceResponse{}, err
	}
	cs.ws = ws
	return wire.RegisterWorkspaceResponse{
		ProjectID:  string(ws.ID),
		VDirPath:   ws.VDirPath,
		SocketPath: ws.SocketPath,
	}, nil
}

func (d *Daemon) handleStatus() (wire.StatusResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := wire.StatusResponse{Workspaces: make([]string, 0, len(d.workspaces))}
	for _, ws := range d.workspaces {
		resp.Workspaces = append(resp.Workspaces, ws.Root)
		n, err := ws.Manifest.Len()
		if err != nil {
			return wire.StatusResponse{}, err
		}
		resp.ManifestCount += n
		resp.QueueDepth += len(ws.queue.jobs)
	}
	return resp, nil
}

// handleSpawn runs argv under the registered workspace's root (or
// req.Dir, if it validates as a subdirectory of it): delegated exec, so
// a client process doesn't need its own fork/exec plumbing when the
// daemon already owns process bookkeeping.
func (d *Daemon) handleSpawn(cs *connState, req *wire.SpawnRequest) (wire.SpawnResponse, error) {
	if cs.ws == nil {
		return wire.SpawnResponse{}, errNoWorkspace
	}
	if len(req.Argv) == 0 {
		return wire.SpawnResponse{}, fmt.Errorf("spawn: empty argv")
	}

	dir := cs.ws.Root
	if req.Dir != "" {
		rel, err := cs.ws.relPath(req.Dir)
		if err != nil {
			return wire.SpawnResponse{}, err
		}
		dir = filepath.Join(cs.ws.Root, rel)
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = dir
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return wire.SpawnResponse{}, fmt.Errorf("spawn %v: %w", req.Argv, err)
		}
	}

	return wire.SpawnResponse{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func (d *Daemon) handleCasGet(req *wire.CasGetRequest) (wire.CasGetResponse, error) {
	data, err := d.store.Get(req.Hash)
	if err != nil {
		return wire.CasGetResponse{}, err
	}
	return wire.CasGetResponse{Data: data}, nil
}

func (d *Daemon) handleCasInsert(req *wire.CasInsertRequest) (wire.CasInsertResponse, error) {
	hash, err := d.store.StoreBytes(req.Data)
	if err != nil {
		return wire.CasInsertResponse{}, err
	}
	return wire.CasInsertResponse{Hash: hash}, nil
}

// handleCasSweep builds a liveness set from every registered workspace's
// manifest (the CAS root is shared across workspaces, so a blob live in
// one project must survive a sweep triggered from another) and runs a
// single collection pass.
func (d *Daemon) handleCasSweep() (wire.CasSweepResponse, error) {
	d.mu.Lock()
	workspaces := make([]*Workspace, 0, len(d.workspaces))
	expected := 0
	for _, ws := range d.workspaces {
		workspaces = append(workspaces, ws)
		if n, err := ws.Manifest.Len(); err == nil {
			expected += n
		}
	}
	d.mu.Unlock()

	live, err := newLiveSetFromWorkspaces(workspaces, expected)
	if err != nil {
		return wire.CasSweepResponse{}, err
	}

	result, err := d.store.Sweep(live)
	if err != nil {
		return wire.CasSweepResponse{}, err
	}
	return wire.CasSweepResponse{Deleted: result.Deleted, ReclaimedBytes: result.ReclaimedBytes}, nil
}

func (d *Daemon) handleManifestGet(cs *connState, req *wire.ManifestGetRequest) (wire.ManifestGetResponse, error) {
	if cs.ws == nil {
		return wire.ManifestGetResponse{}, errNoWorkspace
	}
	entry, found, err := cs.ws.Manifest.Get(req.Path)
	if err != nil {
		return wire.ManifestGetResponse{}, err
	}
	return wire.ManifestGetResponse{Found: found, Entry: entry}, nil
}

func (d *Daemon) handleManifestUpsert(cs *connState, req *wire.ManifestUpsertRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	if entry, found, err := cs.ws.Manifest.Get(req.Path); err == nil && found && entry.Tier == manifest.Tier1Immutable {
		return fmt.Errorf("manifest upsert on tier-1 entry %s: %w", req.Path, vrerr.EPERM)
	}
	res := cs.ws.queue.Submit(ingestJob{kind: jobUpsert, path: req.Path, vnode: req.VNode, tier: req.Tier})
	return res.err
}

func (d *Daemon) handleManifestRemove(cs *connState, req *wire.ManifestRemoveRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	if entry, found, err := cs.ws.Manifest.Get(req.Path); err == nil && found && entry.Tier == manifest.Tier1Immutable {
		return fmt.Errorf("manifest remove on tier-1 entry %s: %w", req.Path, vrerr.EPERM)
	}
	return cs.ws.RemovePath(req.Path)
}

func (d *Daemon) handleManifestRename(cs *connState, req *wire.ManifestRenameRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	_, err := cs.ws.Rename(req.OldPath, req.NewPath)
	return err
}

func (d *Daemon) handleManifestUpdateMtime(cs *connState, req *wire.ManifestUpdateMtimeRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	_, err := cs.ws.UpdateMtime(req.Path, req.MTimeNS)
	return err
}

// handleManifestListDir returns the direct children of req.Path: every
// manifest entry whose parent directory is exactly the normalized
// request path.
func (d *Daemon) handleManifestListDir(cs *connState, req *wire.ManifestListDirRequest) (wire.ManifestListDirResponse, error) {
	if cs.ws == nil {
		return wire.ManifestListDirResponse{}, errNoWorkspace
	}

	dir := normalizeDir(req.Path)
	var entries []manifest.Entry

	err := cs.ws.Manifest.Iter(func(e manifest.Entry) error {
		if e.Path == dir {
			return nil
		}
		if path.Dir(e.Path) == dir {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return wire.ManifestListDirResponse{}, err
	}

	return wire.ManifestListDirResponse{Entries: entries}, nil
}

func (d *Daemon) handleReingest(cs *connState, req *wire.ReingestRequest) (wire.ReingestResponse, error) {
	if cs.ws == nil {
		return wire.ReingestResponse{}, errNoWorkspace
	}
	hash, err := cs.ws.Reingest(req.VirtualPath, req.StagingPath)
	if err != nil {
		return wire.ReingestResponse{}, err
	}
	return wire.ReingestResponse{Hash: hash}, nil
}

func (d *Daemon) handleIngestFullScan(cs *connState) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	ingested, removed, err := cs.ws.FullScan()
	if err != nil {
		return err
	}
	d.log.Info("full scan of %s: %d ingested, %d removed", cs.ws.Root, ingested, removed)
	return nil
}

func (d *Daemon) handleProtect(cs *connState, req *wire.ProtectRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	entry, found, err := cs.ws.Manifest.Get(req.Path)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("protect %s: %w", req.Path, vrerr.NotFound)
	}

	if err := d.store.SetImmutable(entry.VNode.ContentHash, int64(entry.VNode.Size), req.Immutable); err != nil {
		return fmt.Errorf("protect %s: %w", req.Path, err)
	}

	if req.NewOwner != "" {
		uid, err := strconv.Atoi(req.NewOwner)
		if err != nil {
			return fmt.Errorf("protect %s: new owner %q is not a numeric uid: %w", req.Path, req.NewOwner, err)
		}
		blobPath := d.store.BlobPath(entry.VNode.ContentHash, int64(entry.VNode.Size))
		if err := os.Chown(blobPath, uid, -1); err != nil {
			d.log.Warn("protect %s: chown to uid %d failed: %v", req.Path, uid, err)
		}
	}

	return nil
}

func (d *Daemon) handleFlockAcquire(cs *connState, req *wire.FlockAcquireRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	fl := cs.ws.flockFor(req.Name)

	timeout := time.Duration(req.Timeout)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", req.Name, err)
	}
	if !locked {
		return fmt.Errorf("acquiring lock %s: %w", req.Name, vrerr.Timeout)
	}
	return nil
}

func (d *Daemon) handleFlockRelease(cs *connState, req *wire.FlockReleaseRequest) error {
	if cs.ws == nil {
		return errNoWorkspace
	}
	fl := cs.ws.flockFor(req.Name)
	return fl.Unlock()
}

func newLiveSetFromWorkspaces(workspaces []*Workspace, expected int) (*cas.LiveSet, error) {
	live, err := cas.NewLiveSet(expected, 0.01)
	if err != nil {
		return nil, err
	}
	for _, ws := range workspaces {
		err := ws.Manifest.Iter(func(e manifest.Entry) error {
			if !e.VNode.ContentHash.IsZero() {
				live.Mark(e.VNode.ContentHash)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return live, nil
}

func normalizeDir(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
