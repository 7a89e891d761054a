package interpose

import (
	"fmt"
	"os"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/vrerr"
)

// staticClient is a read-only DaemonClient backed by a manifest file
// loaded at process startup (VRIFT_MANIFEST). It serves lookups from an
// in-memory table and rejects every mutation with DaemonUnreachable, the
// degraded mode a client falls into when no daemon owns the project:
// reads keep working off the projected manifest, writes surface the
// unreachable error so the interposition layer falls back to its backlog
// path.
type staticClient struct {
	entries map[string]manifest.Entry
}

// NewStaticManifestClient loads the exported-manifest file at path into
// an in-memory DaemonClient.
func NewStaticManifestClient(path string) (DaemonClient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("interpose: opening manifest %s: %w", path, err)
	}
	defer f.Close()

	c := &staticClient{entries: make(map[string]manifest.Entry)}
	if err := manifest.ReadExport(f, func(e manifest.Entry) error {
		c.entries[e.Path] = e
		return nil
	}); err != nil {
		return nil, fmt.Errorf("interpose: loading manifest %s: %w", path, err)
	}
	return c, nil
}

func (c *staticClient) ManifestGet(path string) (manifest.Entry, bool, error) {
	e, ok := c.entries[manifest.NormalizePath(path)]
	return e, ok, nil
}

func (c *staticClient) ManifestUpsert(string, manifest.VNode, manifest.Tier) error {
	return vrerr.DaemonUnreachable
}

func (c *staticClient) ManifestRemove(string) error { return vrerr.DaemonUnreachable }

func (c *staticClient) ManifestRename(string, string) error { return vrerr.DaemonUnreachable }

func (c *staticClient) CasGet(cas.Hash) ([]byte, error) { return nil, vrerr.DaemonUnreachable }

func (c *staticClient) CasInsert([]byte) (cas.Hash, error) {
	return cas.Hash{}, vrerr.DaemonUnreachable
}

func (c *staticClient) Reingest(string, string) (cas.Hash, error) {
	return cas.Hash{}, vrerr.DaemonUnreachable
}

func (c *staticClient) FlockAcquire(string) error { return vrerr.DaemonUnreachable }

func (c *staticClient) FlockRelease(string) error { return vrerr.DaemonUnreachable }
