package daemon

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/registry"
	"github.com/velorift/vrift/internal/wire"
	"github.com/velorift/vrift/pkg/vlog"
)

// CommitInterval is how often a running daemon folds every workspace's
// manifest delta into its durable base.
const CommitInterval = 30 * time.Second

// Daemon is the per-project(s) background process: a socket server
// dispatching wire requests to workspace operations, a shared CAS store
// (TheSource is one per-user directory, not per-project), and the
// periodic-commit/shutdown lifecycle. Each connection gets its own
// goroutine; live state sits behind one mutex; the commit ticker is the
// only background periodic task.
type Daemon struct {
	dirs  registry.Dirs
	store *cas.Store
	reg   *registry.Registry

	mu         sync.Mutex
	workspaces map[registry.ProjectID]*Workspace

	log      *vlog.Logger
	listener net.Listener

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a daemon rooted at dirs, opening (and creating if
// necessary) the shared CAS store and loading the per-user registry.
func New(dirs registry.Dirs) (*Daemon, error) {
	store, err := cas.New(dirs.TheSource)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(dirs)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		dirs:       dirs,
		store:      store,
		reg:        reg,
		workspaces: make(map[registry.ProjectID]*Workspace),
		log:        vlog.Default.Named("daemon"),
		shutdown:   make(chan struct{}),
	}, nil
}

// Serve binds socketPath and accepts connections until Shutdown is
// called or the listener errors out. It blocks for the life of the
// daemon; callers that need to keep going run it in its own goroutine.
func (d *Daemon) Serve(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: removing stale socket %s: %w", socketPath, err)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0700); err != nil {
		l.Close()
		return fmt.Errorf("daemon: setting socket permissions: %w", err)
	}
	d.listener = l

	d.wg.Add(1)
	go d.commitLoop()

	d.log.Info("daemon listening on %s", socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-d.shutdown:
				return nil
			default:
				d.log.Warn("daemon: accept error: %v", err)
				continue
			}
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// Shutdown closes the listener, performs a final commit across every
// open workspace, and closes their underlying files: on SIGINT/SIGTERM
// the daemon commits one final time before exiting.
func (d *Daemon) Shutdown() error {
	close(d.shutdown)
	if d.listener != nil {
		d.listener.Close()
	}
	d.wg.Wait()

	d.commitAll()

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for id, ws := range d.workspaces {
		if err := ws.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing workspace %s: %w", id, err)
		}
	}
	return firstErr
}

func (d *Daemon) commitLoop() {
	defer d.wg.Done()
	t := time.NewTicker(CommitInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.commitAll()
		case <-d.shutdown:
			return
		}
	}
}

func (d *Daemon) commitAll() {
	d.mu.Lock()
	workspaces := make([]*Workspace, 0, len(d.workspaces))
	for _, ws := range d.workspaces {
		workspaces = append(workspaces, ws)
	}
	d.mu.Unlock()

	for _, ws := range workspaces {
		if err := ws.Manifest.Commit(); err != nil {
			d.log.Error("commit failed for %s: %v", ws.Root, err)
		}
	}
}

// Bootstrap opens (or reopens) the workspace rooted at root, registering
// it in the per-user registry if this is the first time this host has
// seen it. It is the entry point cmd/vriftd uses to bring up the single
// workspace a per-project daemon process serves; RegisterWorkspace over
// IPC reaches the same workspaceFor path for clients connecting to an
// already-running multi-tenant daemon.
func (d *Daemon) Bootstrap(root string) (*Workspace, error) {
	return d.workspaceFor(root)
}

// workspaceFor returns the open Workspace for root, opening it (and
// registering it in the per-user registry) on first use.
func (d *Daemon) workspaceFor(root string) (*Workspace, error) {
	id, err := registry.DeriveProjectID(root)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if ws, ok := d.workspaces[id]; ok {
		d.mu.Unlock()
		return ws, nil
	}
	d.mu.Unlock()

	regWS, err := d.reg.Register(d.dirs, root)
	if err != nil {
		return nil, err
	}
	if err := d.reg.Save(d.dirs); err != nil {
		d.log.Warn("daemon: saving registry after registering %s: %v", root, err)
	}

	ws, err := openWorkspace(regWS, d.store)
	if err != nil {
		return nil, fmt.Errorf("opening workspace %s: %w", root, err)
	}

	d.mu.Lock()
	d.workspaces[id] = ws
	d.mu.Unlock()

	d.log.Info("opened workspace %s (%s)", id, root)
	return ws, nil
}

// connState tracks the per-connection fields a socket handler needs:
// which workspace this connection has registered (wire requests with no
// explicit project-root field implicitly target it, since a connection
// serves exactly one workspace at a time) and the authenticated peer
// UID used to gate mutating requests.
type connState struct {
	ws      *Workspace
	peerUID uint32
	haveUID bool
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	codec := wire.NewCodec(conn)

	if _, err := wire.ServerHandshake(codec); err != nil {
		d.log.Warn("daemon: handshake failed: %v", err)
		return
	}

	cs := &connState{}
	if uid, ok := peerUID(conn); ok {
		cs.peerUID = uid
		cs.haveUID = true
	}

	for {
		req, err := codec.ReadRequest()
		if err != nil {
			return // EOF or framing error: connection is done
		}

		resp := d.dispatch(cs, req)
		if err := codec.WriteResponse(resp); err != nil {
			d.log.Warn("daemon: writing response: %v", err)
			return
		}
	}
}
