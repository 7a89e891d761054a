package interpose

import (
	"path"
	"runtime"
	"strings"

	"github.com/velorift/vrift/internal/manifest"
)

// VfsPath is a resolved path: its absolute, normalized form, and the
// manifest key it maps to. Resolution makes the path absolute against a
// cached cwd, normalizes `.`/`..`/repeated slashes, then tests prefix
// membership against either the configured VFS prefix or the project
// root.
type VfsPath struct {
	Absolute    string
	ManifestKey string
}

// PathResolver holds the two path roots an interposed process is
// configured with: the virtual prefix under which CAS-backed content
// appears to read, and the physical project root that write-back targets
// land under (e.g. a build tool's real output directory).
type PathResolver struct {
	VFSPrefix   string
	ProjectRoot string
}

// Resolve makes p absolute against cwd if relative, normalizes it, and
// tests whether it falls within the VFS domain (a prefix match against
// VFSPrefix or ProjectRoot, plus — on macOS — the /private-prefixed
// variant of /tmp paths, since /tmp is itself a symlink to /private/tmp).
// It returns ok=false for any path outside the domain, signaling the
// caller to fall back to raw passthrough.
func (r *PathResolver) Resolve(p, cwd string) (VfsPath, bool) {
	abs := p
	if !strings.HasPrefix(p, "/") {
		abs = path.Join(cwd, p)
	}
	normalized := path.Clean(abs)

	applicable, strippedFrom := r.domainMatch(normalized)
	if !applicable {
		return VfsPath{}, false
	}

	key := stripToManifestKey(normalized, strippedFrom)
	return VfsPath{Absolute: normalized, ManifestKey: manifest.NormalizePath(key)}, true
}

// domainMatch reports whether normalized lies under VFSPrefix or
// ProjectRoot (component-boundary match, not a bare string prefix), and
// which of the two roots matched so stripToManifestKey knows what to
// strip.
func (r *PathResolver) domainMatch(normalized string) (ok bool, root string) {
	if r.VFSPrefix != "" && hasPathPrefix(normalized, r.VFSPrefix) {
		return true, r.VFSPrefix
	}
	if r.ProjectRoot != "" && hasPathPrefix(normalized, r.ProjectRoot) {
		return true, r.ProjectRoot
	}
	if runtime.GOOS == "darwin" && strings.HasPrefix(normalized, "/tmp/") {
		alt := "/private" + normalized
		if r.VFSPrefix != "" && hasPathPrefix(alt, r.VFSPrefix) {
			return true, r.VFSPrefix
		}
		if r.ProjectRoot != "" && hasPathPrefix(alt, r.ProjectRoot) {
			return true, r.ProjectRoot
		}
	}
	return false, ""
}

// hasPathPrefix reports whether normalized is root itself or a
// descendant of it, matching on path component boundaries so
// "/vriftx" does not match a root of "/vrift".
func hasPathPrefix(normalized, root string) bool {
	if normalized == root {
		return true
	}
	if !strings.HasPrefix(root, "/") {
		return false
	}
	trimmed := strings.TrimSuffix(root, "/")
	return strings.HasPrefix(normalized, trimmed+"/")
}

// stripToManifestKey removes the matched domain root from normalized,
// leaving a leading-slash manifest key. If VFSPrefix itself looks like a
// virtual (non-physical) namespace — i.e. it isn't a prefix of
// ProjectRoot — the manifest key is the root-relative remainder under
// that virtual prefix; project-root matches always strip to the
// project-relative remainder.
func stripToManifestKey(normalized, matchedRoot string) string {
	rest := strings.TrimPrefix(normalized, matchedRoot)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		return "/" + rest
	}
	return rest
}

// InVFSDomain is a cheap check usable before a full Resolve, e.g. to
// decide whether a boundary-crossing rename/link needs to fail EXDEV.
func (r *PathResolver) InVFSDomain(p, cwd string) bool {
	_, ok := r.Resolve(p, cwd)
	return ok
}
