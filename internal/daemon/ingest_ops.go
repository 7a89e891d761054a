package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
)

// Ready reports whether this workspace's ingest queue consumer has
// started, the gate watch.Submitter implementations must check before
// producing events.
func (ws *Workspace) Ready() bool { return ws.queue.Ready() }

// SubmitUpsert hashes the live file at the given absolute path and
// upserts its manifest entry, keeping an existing entry's Tier; Kind and
// the executable bit are taken from the live file. It is the
// producer-facing entry point used by
// the filesystem watcher, the compensation scan, and IngestFullScan.
func (ws *Workspace) SubmitUpsert(absPath string) error {
	rel, err := ws.relPath(absPath)
	if err != nil {
		return err
	}

	fi, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", absPath, err)
	}

	if fi.IsDir() {
		return ws.submitDirUpsert(rel, fi)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return ws.submitSymlinkUpsert(absPath, rel, fi)
	}
	return ws.submitFileUpsert(absPath, rel, fi)
}

func (ws *Workspace) submitFileUpsert(absPath, rel string, fi os.FileInfo) error {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", absPath, err)
	}

	hash, err := ws.store.StoreBytes(data)
	if err != nil {
		return fmt.Errorf("storing %s: %w", absPath, err)
	}

	vnode := manifest.VNode{
		ContentHash: hash,
		Size:        uint64(len(data)),
		MTimeNS:     uint64(fi.ModTime().UnixNano()),
		Mode:        uint32(fi.Mode().Perm()),
	}.WithKind(manifest.KindFile).WithExecutable(fi.Mode()&0111 != 0)

	tier := ws.existingTier(rel)
	res := ws.queue.Submit(ingestJob{kind: jobUpsert, path: rel, vnode: vnode, tier: tier})
	return res.err
}

func (ws *Workspace) submitSymlinkUpsert(absPath, rel string, fi os.FileInfo) error {
	target, err := os.Readlink(absPath)
	if err != nil {
		return fmt.Errorf("reading symlink %s: %w", absPath, err)
	}
	hash, err := ws.store.StoreBytes([]byte(target))
	if err != nil {
		return fmt.Errorf("storing symlink target for %s: %w", absPath, err)
	}

	vnode := manifest.VNode{
		ContentHash: hash,
		Size:        uint64(len(target)),
		MTimeNS:     uint64(fi.ModTime().UnixNano()),
	}.WithKind(manifest.KindSymlink)

	tier := ws.existingTier(rel)
	res := ws.queue.Submit(ingestJob{kind: jobUpsert, path: rel, vnode: vnode, tier: tier})
	return res.err
}

func (ws *Workspace) submitDirUpsert(rel string, fi os.FileInfo) error {
	vnode := manifest.VNode{
		MTimeNS: uint64(fi.ModTime().UnixNano()),
		Mode:    uint32(fi.Mode().Perm()),
	}.WithKind(manifest.KindDir)

	tier := ws.existingTier(rel)
	res := ws.queue.Submit(ingestJob{kind: jobUpsert, path: rel, vnode: vnode, tier: tier})
	return res.err
}

func (ws *Workspace) existingTier(rel string) manifest.Tier {
	if e, found, err := ws.Manifest.Get(rel); err == nil && found {
		return e.Tier
	}
	return manifest.Tier2Mutable
}

// SubmitRemove tombstones the manifest/VDir entry for the file that
// used to live at absPath. absPath is a filesystem path and is first
// resolved to its workspace-relative manifest form.
func (ws *Workspace) SubmitRemove(absPath string) error {
	rel, err := ws.relPath(absPath)
	if err != nil {
		return err
	}
	return ws.RemovePath(rel)
}

// RemovePath tombstones the manifest/VDir entry at an already-normalized
// manifest path (as opposed to SubmitRemove, which takes a filesystem
// path from a watch/scan producer). Used directly by IPC's
// ManifestRemove handler, where the client already addresses entries by
// manifest path.
func (ws *Workspace) RemovePath(path string) error {
	res := ws.queue.Submit(ingestJob{kind: jobRemove, path: path})
	return res.err
}

// Rename moves the manifest/VDir entry from oldPath to newPath.
func (ws *Workspace) Rename(oldPath, newPath string) (manifest.Entry, error) {
	res := ws.queue.Submit(ingestJob{kind: jobRename, path: oldPath, newPath: newPath})
	return res.entry, res.err
}

// UpdateMtime updates only the mtime field of an existing manifest
// entry, used when a client's interposition layer observes an
// attribute-only change (utimes) with no content write.
func (ws *Workspace) UpdateMtime(path string, mtimeNS uint64) (manifest.Entry, error) {
	res := ws.queue.Submit(ingestJob{kind: jobUpdateMtime, path: path, mtimeNS: mtimeNS})
	return res.entry, res.err
}

// Reingest promotes a CoW staging file into the CAS and commits the
// resulting manifest/VDir update, clearing the dirty bit.
func (ws *Workspace) Reingest(virtualPath, stagingPath string) (cas.Hash, error) {
	res := ws.queue.Submit(ingestJob{kind: jobReingest, path: virtualPath, stagingPath: stagingPath})
	return res.hash, res.err
}

// relPath validates that absPath lies under the workspace root and
// returns its manifest-relative form (leading slash, root-relative).
func (ws *Workspace) relPath(absPath string) (string, error) {
	rel, err := filepath.Rel(ws.Root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s lies outside workspace root %s", absPath, ws.Root)
	}
	return manifest.NormalizePath(rel), nil
}

// FullScan walks the workspace's working tree (skipping .vrift) and
// upserts every entry whose on-disk mtime is newer than its manifest
// entry (or that has no manifest entry yet), then removes manifest
// entries whose backing file no longer exists. It mirrors the startup
// compensation scan performed by internal/watch but can additionally be
// triggered on demand via the IngestFullScan IPC request.
//
// The removal pass only runs under the solid projection modes, where
// every manifest entry has a physical presence at its path (the file
// itself, or the tier-1 symlink) and absence therefore means deletion.
// Under phantom projection a manifest entry's content lives only in the
// CAS — no file on disk is the steady state, not staleness.
func (ws *Workspace) FullScan() (ingested int, removed int, err error) {
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(ws.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == ws.Root {
			return nil
		}
		if d.IsDir() && d.Name() == ".vrift" {
			return filepath.SkipDir
		}

		rel, rerr := ws.relPath(path)
		if rerr != nil {
			return nil
		}
		seen[rel] = true

		fi, ferr := d.Info()
		if ferr != nil {
			return nil
		}

		entry, found, gerr := ws.Manifest.Get(rel)
		if gerr != nil {
			return gerr
		}
		if found && uint64(fi.ModTime().UnixNano()) <= entry.VNode.MTimeNS {
			return nil
		}

		if serr := ws.SubmitUpsert(path); serr != nil {
			ws.log.Warn("full scan: failed to ingest %s: %v", path, serr)
			return nil
		}
		ingested++
		return nil
	})
	if walkErr != nil {
		return ingested, removed, fmt.Errorf("full scan of %s: %w", ws.Root, walkErr)
	}

	if ws.ProjectionMode() == ProjectionPhantom {
		return ingested, removed, nil
	}

	var stale []string
	iterErr := ws.Manifest.Iter(func(e manifest.Entry) error {
		if e.Path == "/" {
			return nil
		}
		if !seen[e.Path] {
			stale = append(stale, e.Path)
		}
		return nil
	})
	if iterErr != nil {
		return ingested, removed, fmt.Errorf("full scan: listing manifest: %w", iterErr)
	}

	for _, path := range stale {
		res := ws.queue.Submit(ingestJob{kind: jobRemove, path: path})
		if res.err != nil {
			ws.log.Warn("full scan: failed to remove stale entry %s: %v", path, res.err)
			continue
		}
		removed++
	}

	return ingested, removed, nil
}
