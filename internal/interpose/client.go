package interpose

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/vrerr"
	"github.com/velorift/vrift/internal/wire"
)

// DaemonClient is the subset of daemon IPC a Session needs: manifest
// lookups on VDir miss, CAS blob reads for direct-open hits, manifest
// inserts/removes for mkdir/rmdir/unlink/symlink, and the mutating calls
// (reingest, flock redirection) a virtualizing body issues synchronously.
// Declaring it as an interface (rather than Session depending on
// *ipcClient directly) is what lets session_test.go exercise the
// virtualizing bodies against a fake daemon with no socket at all, the
// same way fakeBackend stands in for the kernel.
type DaemonClient interface {
	ManifestGet(path string) (manifest.Entry, bool, error)
	ManifestUpsert(path string, vnode manifest.VNode, tier manifest.Tier) error
	ManifestRemove(path string) error
	ManifestRename(oldPath, newPath string) error
	CasGet(hash cas.Hash) ([]byte, error)
	CasInsert(data []byte) (cas.Hash, error)
	Reingest(virtualPath, stagingPath string) (cas.Hash, error)
	FlockAcquire(name string) error
	FlockRelease(name string) error
}

// ipcClient is the production DaemonClient: a lazy, reconnecting
// wire.Client connection to the per-project daemon. If the socket is
// unreachable on first contact, the client auto-spawns the daemon and
// retries within a bounded window.
type ipcClient struct {
	socketPath  string
	projectRoot string

	mu     sync.Mutex
	client *wire.Client
}

// NewIPCClient returns a DaemonClient that dials socketPath lazily on
// first use and transparently redials after a connection error. Every
// fresh connection re-registers projectRoot, since the daemon binds
// manifest requests to the workspace the connection registered.
func NewIPCClient(socketPath, projectRoot string) DaemonClient {
	return &ipcClient{socketPath: socketPath, projectRoot: projectRoot}
}

// spawnRetryWindow bounds how long a client waits for an auto-spawned
// daemon's socket to come up before giving up.
const spawnRetryWindow = 5 * time.Second

func (c *ipcClient) ensureClient() (*wire.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	cl, err := wire.Dial(c.socketPath)
	if err != nil {
		if !errors.Is(err, vrerr.DaemonUnreachable) {
			return nil, err
		}
		if spawnErr := spawnDaemon(c.projectRoot); spawnErr != nil {
			return nil, err
		}
		deadline := time.Now().Add(spawnRetryWindow)
		for {
			cl, err = wire.Dial(c.socketPath)
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				return nil, err
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	req := &wire.Request{Kind: wire.KindRegisterWorkspace,
		RegisterWorkspace: wire.RegisterWorkspaceRequest{ProjectRoot: c.projectRoot}}
	if _, err := cl.Call(req, wire.DefaultTimeout); err != nil {
		cl.Close()
		return nil, fmt.Errorf("interpose: registering workspace: %w", err)
	}

	c.client = cl
	return cl, nil
}

// spawnDaemon launches vriftd for the project root as a detached child.
// The binary is found on PATH; a missing binary just means no auto-spawn
// (the caller degrades to DaemonUnreachable).
func spawnDaemon(projectRoot string) error {
	bin, err := exec.LookPath("vriftd")
	if err != nil {
		return err
	}
	cmd := exec.Command(bin, "-root", projectRoot)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func (c *ipcClient) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
	}
	c.client = nil
}

// timeoutFor maps a request kind to its per-operation timeout from the
// cancellation model (reingest of a large file is allowed far longer
// than a status poke).
func timeoutFor(kind wire.RequestKind) time.Duration {
	switch kind {
	case wire.KindReingest:
		return wire.ReingestTimeout
	case wire.KindStatus:
		return wire.StatusTimeout
	default:
		return wire.DefaultTimeout
	}
}

func (c *ipcClient) call(req *wire.Request) (*wire.Response, error) {
	cl, err := c.ensureClient()
	if err != nil {
		return nil, err
	}
	resp, err := cl.Call(req, timeoutFor(req.Kind))
	if err != nil && (errors.Is(err, vrerr.DaemonUnreachable) || errors.Is(err, vrerr.Timeout)) {
		// A timed-out connection can't be reused: a late response would
		// be misread as the reply to the next request.
		c.dropConn()
	}
	return resp, err
}

func (c *ipcClient) ManifestGet(path string) (manifest.Entry, bool, error) {
	resp, err := c.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: path}})
	if err != nil {
		return manifest.Entry{}, false, err
	}
	return resp.ManifestGet.Entry, resp.ManifestGet.Found, nil
}

func (c *ipcClient) ManifestUpsert(path string, vnode manifest.VNode, tier manifest.Tier) error {
	_, err := c.call(&wire.Request{Kind: wire.KindManifestUpsert, ManifestUpsert: wire.ManifestUpsertRequest{Path: path, VNode: vnode, Tier: tier}})
	return err
}

func (c *ipcClient) ManifestRemove(path string) error {
	_, err := c.call(&wire.Request{Kind: wire.KindManifestRemove, ManifestRemove: wire.ManifestRemoveRequest{Path: path}})
	return err
}

func (c *ipcClient) ManifestRename(oldPath, newPath string) error {
	_, err := c.call(&wire.Request{Kind: wire.KindManifestRename, ManifestRename: wire.ManifestRenameRequest{OldPath: oldPath, NewPath: newPath}})
	return err
}

func (c *ipcClient) CasGet(hash cas.Hash) ([]byte, error) {
	resp, err := c.call(&wire.Request{Kind: wire.KindCasGet, CasGet: wire.CasGetRequest{Hash: hash}})
	if err != nil {
		return nil, err
	}
	return resp.CasGet.Data, nil
}

func (c *ipcClient) CasInsert(data []byte) (cas.Hash, error) {
	resp, err := c.call(&wire.Request{Kind: wire.KindCasInsert, CasInsert: wire.CasInsertRequest{Data: data}})
	if err != nil {
		return cas.Hash{}, err
	}
	return resp.CasInsert.Hash, nil
}

func (c *ipcClient) Reingest(virtualPath, stagingPath string) (cas.Hash, error) {
	resp, err := c.call(&wire.Request{Kind: wire.KindReingest, Reingest: wire.ReingestRequest{VirtualPath: virtualPath, StagingPath: stagingPath}})
	if err != nil {
		return cas.Hash{}, err
	}
	return resp.Reingest.Hash, nil
}

func (c *ipcClient) FlockAcquire(name string) error {
	_, err := c.call(&wire.Request{Kind: wire.KindFlockAcquire, FlockAcquire: wire.FlockAcquireRequest{Name: name}})
	return err
}

func (c *ipcClient) FlockRelease(name string) error {
	_, err := c.call(&wire.Request{Kind: wire.KindFlockRelease, FlockRelease: wire.FlockReleaseRequest{Name: name}})
	return err
}

// ListDir returns the manifest entries directly under path, via the
// daemon's ManifestListDir request.
func (c *ipcClient) ListDir(path string) ([]manifest.Entry, error) {
	resp, err := c.call(&wire.Request{Kind: wire.KindManifestListDir, ManifestListDir: wire.ManifestListDirRequest{Path: path}})
	if err != nil {
		return nil, err
	}
	return resp.ManifestListDir.Entries, nil
}
