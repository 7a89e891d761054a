// Package registry implements the per-user multi-project registry: the
// mapping from a workspace's canonical root path to its content-hashed
// project id, its daemon socket path, and its VDir file path. The
// registry is a single JSON file guarded by an advisory flock so
// multiple daemon/client processes on the same host never race on it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/pkg/vlog"
)

// DefaultLockTimeout is used when VRIFT_LOCK_TIMEOUT is unset.
const DefaultLockTimeout = 5 * time.Second

// ProjectID is the first 16 hex characters of the BLAKE3 hash of a
// workspace's canonical root path, used both as the registry's key and
// as the socket filename stem.
type ProjectID string

// DeriveProjectID hashes the canonical (absolute, symlink-resolved where
// possible) form of root into a ProjectID.
func DeriveProjectID(root string) (ProjectID, error) {
	canon, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("registry: resolving absolute path for %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(canon); err == nil {
		canon = resolved
	}
	h := cas.Sum([]byte(canon))
	return ProjectID(h.String()[:16]), nil
}

// Workspace is one registered project's record.
type Workspace struct {
	ProjectID  ProjectID `json:"project_id"`
	Root       string    `json:"root"`
	SocketPath string    `json:"socket_path"`
	VDirPath   string    `json:"vdir_path"`
	Registered time.Time `json:"registered"`
}

// Registry is the parsed contents of manifests.json plus the path it
// was loaded from.
type Registry struct {
	Dir        string                   `json:"-"`
	Workspaces map[ProjectID]*Workspace `json:"workspaces"`

	mu  sync.Mutex
	log *vlog.Logger
}

// Dirs bundles the directories the registry derives paths under.
// VRIFT_REGISTRY_DIR, when set, replaces Registry only; Sockets and
// TheSource are not JSON-registry content, just path derivation helpers
// colocated here since by default all three share the per-user
// $HOME/.vrift directory.
type Dirs struct {
	Registry  string // $HOME/.vrift/registry
	Sockets   string // $HOME/.vrift/sockets
	TheSource string // $HOME/.vrift/the_source
}

// DefaultDirs computes the per-user directory layout under $HOME/.vrift.
// VRIFT_REGISTRY_DIR, when set, replaces the registry directory (where
// manifests.json lives) only; sockets and the_source stay under
// $HOME/.vrift.
func DefaultDirs() (Dirs, error) {
	base := os.Getenv("VRIFT_REGISTRY_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Dirs{}, fmt.Errorf("registry: resolving home directory: %w", err)
		}
		base = filepath.Join(home, ".vrift")
		return Dirs{
			Registry:  filepath.Join(base, "registry"),
			Sockets:   filepath.Join(base, "sockets"),
			TheSource: filepath.Join(base, "the_source"),
		}, nil
	}
	// VRIFT_REGISTRY_DIR overrides only the registry directory itself;
	// sockets and the_source stay under the default $HOME/.vrift.
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("registry: resolving home directory: %w", err)
	}
	return Dirs{
		Registry:  base,
		Sockets:   filepath.Join(home, ".vrift", "sockets"),
		TheSource: filepath.Join(home, ".vrift", "the_source"),
	}, nil
}

func manifestPath(dirs Dirs) string { return filepath.Join(dirs.Registry, "manifests.json") }

func lockPath(dirs Dirs) string { return filepath.Join(dirs.Registry, "manifests.json.lock") }

// lockTimeout reads VRIFT_LOCK_TIMEOUT (seconds) or falls back to
// DefaultLockTimeout.
func lockTimeout() time.Duration {
	if s := os.Getenv("VRIFT_LOCK_TIMEOUT"); s != "" {
		var secs float64
		if _, err := fmt.Sscanf(s, "%f", &secs); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return DefaultLockTimeout
}

// Load reads the registry file under dirs, creating an empty one if it
// doesn't exist yet. The caller is responsible for calling Save after
// any mutation.
func Load(dirs Dirs) (*Registry, error) {
	if err := os.MkdirAll(dirs.Registry, 0755); err != nil {
		return nil, fmt.Errorf("registry: creating registry directory: %w", err)
	}

	r := &Registry{
		Dir:        dirs.Registry,
		Workspaces: make(map[ProjectID]*Workspace),
		log:        vlog.Default.Named("registry"),
	}

	data, err := os.ReadFile(manifestPath(dirs))
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: reading %s: %w", manifestPath(dirs), err)
	}
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", manifestPath(dirs), err)
	}
	if r.Workspaces == nil {
		r.Workspaces = make(map[ProjectID]*Workspace)
	}
	r.Dir = dirs.Registry
	return r, nil
}

// Save writes the registry back to disk atomically (renameio, the same
// temp-file-then-rename publication the daemon uses for the VDir), under
// an exclusive flock so two processes racing a registration don't clobber
// each other's write.
func (r *Registry) Save(dirs Dirs) error {
	fl := flock.New(lockPath(dirs))
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout())
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("registry: acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("registry: timed out acquiring lock on %s", lockPath(dirs))
	}
	defer fl.Unlock()

	r.mu.Lock()
	data, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("registry: marshaling: %w", err)
	}

	if err := renameio.WriteFile(manifestPath(dirs), data, 0644); err != nil {
		return fmt.Errorf("registry: writing %s: %w", manifestPath(dirs), err)
	}
	return nil
}

// Register adds or updates the workspace for root, deriving its project
// id, socket path, and VDir path under dirs, and returns the resulting
// record. It does not persist; call Save to write it out.
func (r *Registry) Register(dirs Dirs, root string) (*Workspace, error) {
	id, err := DeriveProjectID(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.Workspaces[id]; ok {
		return ws, nil
	}

	ws := &Workspace{
		ProjectID:  id,
		Root:       root,
		SocketPath: SocketPath(dirs, id),
		VDirPath:   VDirPath(dirs, id),
		Registered: time.Now(),
	}
	r.Workspaces[id] = ws
	return ws, nil
}

// Lookup returns the workspace registered for root, if any.
func (r *Registry) Lookup(root string) (*Workspace, bool, error) {
	id, err := DeriveProjectID(root)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.Workspaces[id]
	return ws, ok, nil
}

// SocketPath derives the Unix-domain socket path for a project id:
// $HOME/.vrift/sockets/<first-16-hex-of-project-id>.sock.
func SocketPath(dirs Dirs, id ProjectID) string {
	return filepath.Join(dirs.Sockets, string(id)+".sock")
}

// VDirPath derives the VDir mmap file's path for a project id. On Linux
// this lives under /dev/shm for a zero-copy shared-memory-backed mmap;
// on every other platform it's a regular file under the sockets
// directory, since there is no portable shm-backed tmpfs guarantee.
func VDirPath(dirs Dirs, id ProjectID) string {
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/dev/shm"); err == nil {
			return filepath.Join("/dev/shm", "vrift-"+string(id)+".vdir")
		}
	}
	return filepath.Join(dirs.Sockets, string(id)+".vdir")
}
