package daemon

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/interpose"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/registry"
	"github.com/velorift/vrift/internal/vrerr"
	"github.com/velorift/vrift/internal/wire"
)

func testDirs(t *testing.T) registry.Dirs {
	t.Helper()
	base := t.TempDir()
	return registry.Dirs{
		Registry:  filepath.Join(base, "registry"),
		Sockets:   filepath.Join(base, "sockets"),
		TheSource: filepath.Join(base, "the_source"),
	}
}

// startTestDaemon boots a Daemon over a real Unix socket under a scratch
// per-test directory tree and arranges for a clean Shutdown at test end.
func startTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()

	d, err := New(testDirs(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "vrift.sock")
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(socketPath) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket %s never appeared", socketPath)
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		select {
		case err := <-serveErr:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})

	return d, socketPath
}

type testClient struct {
	t     *testing.T
	codec *wire.Codec
}

func dialTestClient(t *testing.T, socketPath string) *testClient {
	t.Helper()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial %s: %v", socketPath, err)
	}
	t.Cleanup(func() { conn.Close() })

	codec := wire.NewCodec(conn)
	if _, err := wire.ClientHandshake(codec); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return &testClient{t: t, codec: codec}
}

func (c *testClient) call(req *wire.Request) *wire.Response {
	c.t.Helper()
	if err := c.codec.WriteRequest(req); err != nil {
		c.t.Fatalf("WriteRequest: %v", err)
	}
	resp, err := c.codec.ReadResponse()
	if err != nil {
		c.t.Fatalf("ReadResponse: %v", err)
	}
	return resp
}

func (c *testClient) registerWorkspace(root string) wire.RegisterWorkspaceResponse {
	c.t.Helper()
	resp := c.call(&wire.Request{Kind: wire.KindRegisterWorkspace, RegisterWorkspace: wire.RegisterWorkspaceRequest{ProjectRoot: root}})
	if resp.Err != nil {
		c.t.Fatalf("RegisterWorkspace: %v", resp.Err.Error())
	}
	return resp.RegisterWorkspace
}

func TestDaemonManifestLifecycle(t *testing.T) {
	_, socketPath := startTestDaemon(t)
	client := dialTestClient(t, socketPath)
	client.registerWorkspace(t.TempDir())

	insertResp := client.call(&wire.Request{Kind: wire.KindCasInsert, CasInsert: wire.CasInsertRequest{Data: []byte("hello")}})
	if insertResp.Err != nil {
		t.Fatalf("CasInsert: %v", insertResp.Err.Error())
	}

	vnode := manifest.VNode{
		ContentHash: insertResp.CasInsert.Hash,
		Size:        5,
		MTimeNS:     1_000_000_000,
		Mode:        0644,
	}.WithKind(manifest.KindFile)

	upsertResp := client.call(&wire.Request{Kind: wire.KindManifestUpsert, ManifestUpsert: wire.ManifestUpsertRequest{
		Path: "/src/main.go", VNode: vnode, Tier: manifest.Tier2Mutable,
	}})
	if upsertResp.Err != nil {
		t.Fatalf("ManifestUpsert: %v", upsertResp.Err.Error())
	}

	getResp := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/src/main.go"}})
	if getResp.Err != nil {
		t.Fatalf("ManifestGet: %v", getResp.Err.Error())
	}
	if !getResp.ManifestGet.Found {
		t.Fatal("ManifestGet: entry not found after upsert")
	}
	if getResp.ManifestGet.Entry.VNode.ContentHash != vnode.ContentHash {
		t.Fatal("ManifestGet: returned wrong content hash")
	}

	listResp := client.call(&wire.Request{Kind: wire.KindManifestListDir, ManifestListDir: wire.ManifestListDirRequest{Path: "/src"}})
	if listResp.Err != nil {
		t.Fatalf("ManifestListDir: %v", listResp.Err.Error())
	}
	found := false
	for _, e := range listResp.ManifestListDir.Entries {
		if e.Path == "/src/main.go" {
			found = true
		}
	}
	if !found {
		t.Fatal("ManifestListDir: did not list /src/main.go under /src")
	}

	mtimeResp := client.call(&wire.Request{Kind: wire.KindManifestUpdateMtime, ManifestUpdateMtime: wire.ManifestUpdateMtimeRequest{
		Path: "/src/main.go", MTimeNS: 2_000_000_000,
	}})
	if mtimeResp.Err != nil {
		t.Fatalf("ManifestUpdateMtime: %v", mtimeResp.Err.Error())
	}

	getResp2 := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/src/main.go"}})
	if getResp2.ManifestGet.Entry.VNode.MTimeNS != 2_000_000_000 {
		t.Fatalf("mtime not updated: got %d", getResp2.ManifestGet.Entry.VNode.MTimeNS)
	}

	renameResp := client.call(&wire.Request{Kind: wire.KindManifestRename, ManifestRename: wire.ManifestRenameRequest{
		OldPath: "/src/main.go", NewPath: "/src/main2.go",
	}})
	if renameResp.Err != nil {
		t.Fatalf("ManifestRename: %v", renameResp.Err.Error())
	}

	getOld := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/src/main.go"}})
	if getOld.ManifestGet.Found {
		t.Fatal("ManifestGet: old path still present after rename")
	}
	getNew := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/src/main2.go"}})
	if !getNew.ManifestGet.Found {
		t.Fatal("ManifestGet: renamed path missing")
	}

	removeResp := client.call(&wire.Request{Kind: wire.KindManifestRemove, ManifestRemove: wire.ManifestRemoveRequest{Path: "/src/main2.go"}})
	if removeResp.Err != nil {
		t.Fatalf("ManifestRemove: %v", removeResp.Err.Error())
	}
	getGone := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/src/main2.go"}})
	if getGone.ManifestGet.Found {
		t.Fatal("ManifestGet: entry still found after remove")
	}
}

func TestManifestUpsertAndRemoveRejectTier1(t *testing.T) {
	_, socketPath := startTestDaemon(t)
	client := dialTestClient(t, socketPath)
	client.registerWorkspace(t.TempDir())

	vnode := manifest.VNode{ContentHash: cas.Sum([]byte("dep")), Size: 3}.WithKind(manifest.KindFile)

	create := client.call(&wire.Request{Kind: wire.KindManifestUpsert, ManifestUpsert: wire.ManifestUpsertRequest{
		Path: "/vendor/lib.go", VNode: vnode, Tier: manifest.Tier1Immutable,
	}})
	if create.Err != nil {
		t.Fatalf("initial tier-1 upsert should succeed: %v", create.Err.Error())
	}

	overwrite := client.call(&wire.Request{Kind: wire.KindManifestUpsert, ManifestUpsert: wire.ManifestUpsertRequest{
		Path: "/vendor/lib.go", VNode: vnode, Tier: manifest.Tier1Immutable,
	}})
	if overwrite.Err == nil {
		t.Fatal("expected an error overwriting a tier-1 entry")
	}
	if overwrite.Err.Kind != "EPERM" {
		t.Fatalf("upsert over tier-1: error kind = %q, want EPERM", overwrite.Err.Kind)
	}

	remove := client.call(&wire.Request{Kind: wire.KindManifestRemove, ManifestRemove: wire.ManifestRemoveRequest{Path: "/vendor/lib.go"}})
	if remove.Err == nil {
		t.Fatal("expected an error removing a tier-1 entry")
	}
	if remove.Err.Kind != "EPERM" {
		t.Fatalf("remove of tier-1: error kind = %q, want EPERM", remove.Err.Kind)
	}
}

func TestDaemonReingestPromotesStagingFile(t *testing.T) {
	_, socketPath := startTestDaemon(t)
	client := dialTestClient(t, socketPath)
	client.registerWorkspace(t.TempDir())

	staging := filepath.Join(t.TempDir(), "staged-content")
	if err := os.WriteFile(staging, []byte("reingested bytes"), 0644); err != nil {
		t.Fatalf("writing staging file: %v", err)
	}

	reingestResp := client.call(&wire.Request{Kind: wire.KindReingest, Reingest: wire.ReingestRequest{
		VirtualPath: "/build/out.bin", StagingPath: staging,
	}})
	if reingestResp.Err != nil {
		t.Fatalf("Reingest: %v", reingestResp.Err.Error())
	}

	wantHash := cas.Sum([]byte("reingested bytes"))
	if reingestResp.Reingest.Hash != wantHash {
		t.Fatalf("Reingest hash = %s, want %s", reingestResp.Reingest.Hash, wantHash)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatal("Reingest should have moved the staging file out of its original location")
	}

	getResp := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/build/out.bin"}})
	if getResp.Err != nil {
		t.Fatalf("ManifestGet: %v", getResp.Err.Error())
	}
	if !getResp.ManifestGet.Found || getResp.ManifestGet.Entry.VNode.ContentHash != wantHash {
		t.Fatal("ManifestGet: reingested entry missing or carries the wrong hash")
	}

	casResp := client.call(&wire.Request{Kind: wire.KindCasGet, CasGet: wire.CasGetRequest{Hash: wantHash}})
	if casResp.Err != nil {
		t.Fatalf("CasGet: %v", casResp.Err.Error())
	}
	if string(casResp.CasGet.Data) != "reingested bytes" {
		t.Fatal("CasGet returned the wrong bytes for the reingested blob")
	}
}

func TestDaemonProtectFlockSpawnStatusSweep(t *testing.T) {
	_, socketPath := startTestDaemon(t)
	client := dialTestClient(t, socketPath)
	reg := client.registerWorkspace(t.TempDir())
	if reg.ProjectID == "" {
		t.Fatal("RegisterWorkspace: empty project id")
	}

	data := []byte("protected content")
	insertResp := client.call(&wire.Request{Kind: wire.KindCasInsert, CasInsert: wire.CasInsertRequest{Data: data}})
	if insertResp.Err != nil {
		t.Fatalf("CasInsert: %v", insertResp.Err.Error())
	}

	vnode := manifest.VNode{ContentHash: insertResp.CasInsert.Hash, Size: uint64(len(data))}.WithKind(manifest.KindFile)
	upsertResp := client.call(&wire.Request{Kind: wire.KindManifestUpsert, ManifestUpsert: wire.ManifestUpsertRequest{
		Path: "/data/file.bin", VNode: vnode, Tier: manifest.Tier2Mutable,
	}})
	if upsertResp.Err != nil {
		t.Fatalf("ManifestUpsert: %v", upsertResp.Err.Error())
	}

	protectResp := client.call(&wire.Request{Kind: wire.KindProtect, Protect: wire.ProtectRequest{Path: "/data/file.bin", Immutable: true}})
	if protectResp.Err != nil {
		t.Fatalf("Protect: %v", protectResp.Err.Error())
	}

	lockResp := client.call(&wire.Request{Kind: wire.KindFlockAcquire, FlockAcquire: wire.FlockAcquireRequest{
		Name: "build-lock", Timeout: int64(2 * time.Second),
	}})
	if lockResp.Err != nil {
		t.Fatalf("FlockAcquire: %v", lockResp.Err.Error())
	}
	unlockResp := client.call(&wire.Request{Kind: wire.KindFlockRelease, FlockRelease: wire.FlockReleaseRequest{Name: "build-lock"}})
	if unlockResp.Err != nil {
		t.Fatalf("FlockRelease: %v", unlockResp.Err.Error())
	}

	spawnResp := client.call(&wire.Request{Kind: wire.KindSpawn, Spawn: wire.SpawnRequest{Argv: []string{"echo", "hello-from-spawn"}}})
	if spawnResp.Err != nil {
		t.Fatalf("Spawn: %v", spawnResp.Err.Error())
	}
	if spawnResp.Spawn.ExitCode != 0 {
		t.Fatalf("Spawn exit code = %d, want 0", spawnResp.Spawn.ExitCode)
	}
	if got := string(spawnResp.Spawn.Stdout); got != "hello-from-spawn\n" {
		t.Fatalf("Spawn stdout = %q, want %q", got, "hello-from-spawn\n")
	}

	statusResp := client.call(&wire.Request{Kind: wire.KindStatus})
	if statusResp.Err != nil {
		t.Fatalf("Status: %v", statusResp.Err.Error())
	}
	if statusResp.Status.ManifestCount < 1 {
		t.Fatalf("Status: manifest count = %d, want >= 1", statusResp.Status.ManifestCount)
	}

	sweepResp := client.call(&wire.Request{Kind: wire.KindCasSweep})
	if sweepResp.Err != nil {
		t.Fatalf("CasSweep: %v", sweepResp.Err.Error())
	}

	// The only blob inserted is still referenced by the manifest, so it
	// must survive the sweep.
	getAfterSweep := client.call(&wire.Request{Kind: wire.KindCasGet, CasGet: wire.CasGetRequest{Hash: vnode.ContentHash}})
	if getAfterSweep.Err != nil {
		t.Fatalf("CasGet after sweep: %v", getAfterSweep.Err.Error())
	}
}

func TestWorkspaceBringUpConsumesClientBacklog(t *testing.T) {
	_, socketPath := startTestDaemon(t)

	// Simulate a client that wrote while no daemon was running: a staged
	// file plus a backlog record pointing at it, left under the project's
	// .vrift directory.
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".vrift"), 0755); err != nil {
		t.Fatalf("creating .vrift: %v", err)
	}
	staging := filepath.Join(root, ".vrift", "orphaned-staging")
	if err := os.WriteFile(staging, []byte("written while daemon was down"), 0644); err != nil {
		t.Fatalf("writing staging file: %v", err)
	}
	backlogPath := filepath.Join(root, ".vrift", interpose.BacklogName)
	record := "/out/late.bin\t" + staging + "\n"
	if err := os.WriteFile(backlogPath, []byte(record), 0644); err != nil {
		t.Fatalf("writing backlog: %v", err)
	}

	client := dialTestClient(t, socketPath)
	client.registerWorkspace(root)

	getResp := client.call(&wire.Request{Kind: wire.KindManifestGet, ManifestGet: wire.ManifestGetRequest{Path: "/out/late.bin"}})
	if getResp.Err != nil {
		t.Fatalf("ManifestGet: %v", getResp.Err.Error())
	}
	if !getResp.ManifestGet.Found {
		t.Fatal("expected the backlogged reingest to be promoted at workspace bring-up")
	}
	wantHash := cas.Sum([]byte("written while daemon was down"))
	if getResp.ManifestGet.Entry.VNode.ContentHash != wantHash {
		t.Fatal("backlogged entry carries the wrong content hash")
	}

	if data, err := os.ReadFile(backlogPath); err != nil || len(data) != 0 {
		t.Fatalf("expected the backlog to be truncated after consumption: len=%d err=%v", len(data), err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatal("expected the staging file to be moved into the CAS")
	}
}

func TestRequireSameUIDRejectsMismatch(t *testing.T) {
	d, err := New(testDirs(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Shutdown() })

	cs := &connState{haveUID: true, peerUID: uint32(os.Getuid()) + 1}
	err = d.requireSameUID(cs)
	if err == nil {
		t.Fatal("expected an error for a mismatched peer uid")
	}
	if !errors.Is(err, vrerr.PermissionDenied) {
		t.Fatalf("expected vrerr.PermissionDenied, got %v", err)
	}
}

func TestRequireSameUIDAllowsMatchingUID(t *testing.T) {
	d, err := New(testDirs(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Shutdown() })

	cs := &connState{haveUID: true, peerUID: uint32(os.Getuid())}
	if err := d.requireSameUID(cs); err != nil {
		t.Fatalf("expected nil error for a matching peer uid, got %v", err)
	}
}

func TestRequireSameUIDFailsOpenWithoutCredentials(t *testing.T) {
	d, err := New(testDirs(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Shutdown() })

	cs := &connState{haveUID: false}
	if err := d.requireSameUID(cs); err != nil {
		t.Fatalf("expected nil error when peer credentials are unavailable, got %v", err)
	}
}
