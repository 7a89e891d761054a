package daemon

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/manifest"
	"github.com/velorift/vrift/internal/vdir"
	"github.com/velorift/vrift/internal/vrerr"
)

// jobKind selects which mutation an ingestJob performs. IPC handlers
// submit jobUpsert/jobReingest/etc. directly; the filesystem watcher and
// the compensation scan (internal/watch) go through
// Workspace.SubmitUpsert/SubmitRemove, which submit jobUpsert for changed
// paths and jobRemove for deleted ones.
type jobKind int

const (
	jobUpsert jobKind = iota
	jobRemove
	jobRename
	jobUpdateMtime
	jobReingest
)

type ingestJob struct {
	kind jobKind

	path    string
	newPath string
	vnode   manifest.VNode
	tier    manifest.Tier
	mtimeNS uint64

	stagingPath string

	done chan ingestResult
}

type ingestResult struct {
	hash  cas.Hash
	entry manifest.Entry
	err   error
}

// ingestQueue is the daemon's single ingest consumer: a buffered
// channel drained by exactly one goroutine, so every VDir mutation (the
// daemon is the VDir's sole writer) is naturally serialized without an
// additional lock. Submit blocks for the result; every producer in this
// tree uses it, the IPC handlers directly and the watcher and
// compensation scan through Workspace.SubmitUpsert/SubmitRemove.
// SubmitAsync enqueues without waiting for the result and has no caller.
type ingestQueue struct {
	ws    *Workspace
	store *cas.Store

	jobs  chan ingestJob
	ready int32 // atomic; gates producer startup until the consumer is running
	done  chan struct{}
}

func newIngestQueue(ws *Workspace, store *cas.Store) *ingestQueue {
	q := &ingestQueue{
		ws:    ws,
		store: store,
		jobs:  make(chan ingestJob, 256),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *ingestQueue) run() {
	atomic.StoreInt32(&q.ready, 1)
	for job := range q.jobs {
		res := q.process(job)
		if job.done != nil {
			job.done <- res
		}
	}
	close(q.done)
}

// Ready reports whether the consumer goroutine has started, the gate
// watchers and scanners must observe before producing.
func (q *ingestQueue) Ready() bool { return atomic.LoadInt32(&q.ready) == 1 }

func (q *ingestQueue) Submit(job ingestJob) ingestResult {
	job.done = make(chan ingestResult, 1)
	q.jobs <- job
	return <-job.done
}

func (q *ingestQueue) SubmitAsync(job ingestJob) {
	job.done = nil
	q.jobs <- job
}

func (q *ingestQueue) stop() {
	close(q.jobs)
	<-q.done
}

func (q *ingestQueue) process(job ingestJob) ingestResult {
	switch job.kind {
	case jobUpsert:
		return q.processUpsert(job)
	case jobRemove:
		return q.processRemove(job)
	case jobRename:
		return q.processRename(job)
	case jobUpdateMtime:
		return q.processUpdateMtime(job)
	case jobReingest:
		return q.processReingest(job)
	default:
		return ingestResult{err: fmt.Errorf("daemon: unknown ingest job kind %d", job.kind)}
	}
}

func (q *ingestQueue) processUpsert(job ingestJob) ingestResult {
	norm := manifest.NormalizePath(job.path)
	q.ws.Manifest.Insert(norm, job.vnode, job.tier)
	if err := q.ws.VDir.Upsert(vdirUpsertParams(norm, job.vnode)); err != nil {
		return ingestResult{err: err}
	}
	return ingestResult{entry: manifest.Entry{Path: norm, VNode: job.vnode, Tier: job.tier}}
}

func (q *ingestQueue) processRemove(job ingestJob) ingestResult {
	norm := manifest.NormalizePath(job.path)
	q.ws.Manifest.Remove(norm)
	if err := q.ws.VDir.Remove(vdirPathHash(norm)); err != nil {
		return ingestResult{err: err}
	}
	return ingestResult{}
}

func (q *ingestQueue) processRename(job ingestJob) ingestResult {
	oldNorm := manifest.NormalizePath(job.path)
	newNorm := manifest.NormalizePath(job.newPath)

	entry, found, err := q.ws.Manifest.Get(oldNorm)
	if err != nil {
		return ingestResult{err: err}
	}
	if !found {
		return ingestResult{err: fmt.Errorf("manifest rename: %s: %w", oldNorm, vrerr.NotFound)}
	}

	q.ws.Manifest.Remove(oldNorm)
	if err := q.ws.VDir.Remove(vdirPathHash(oldNorm)); err != nil {
		return ingestResult{err: err}
	}

	q.ws.Manifest.Insert(newNorm, entry.VNode, entry.Tier)
	if err := q.ws.VDir.Upsert(vdirUpsertParams(newNorm, entry.VNode)); err != nil {
		return ingestResult{err: err}
	}

	return ingestResult{entry: manifest.Entry{Path: newNorm, VNode: entry.VNode, Tier: entry.Tier}}
}

func (q *ingestQueue) processUpdateMtime(job ingestJob) ingestResult {
	norm := manifest.NormalizePath(job.path)

	entry, found, err := q.ws.Manifest.Get(norm)
	if err != nil {
		return ingestResult{err: err}
	}
	if !found {
		return ingestResult{err: fmt.Errorf("manifest update-mtime: %s: %w", norm, vrerr.NotFound)}
	}

	entry.VNode.MTimeNS = job.mtimeNS
	q.ws.Manifest.Insert(norm, entry.VNode, entry.Tier)
	if err := q.ws.VDir.Upsert(vdirUpsertParams(norm, entry.VNode)); err != nil {
		return ingestResult{err: err}
	}

	return ingestResult{entry: manifest.Entry{Path: norm, VNode: entry.VNode, Tier: entry.Tier}}
}

// processReingest is the close-time promotion of a CoW write: move
// the staging file into the CAS, journal the lifecycle around the CAS
// write so a crash mid-promotion is recoverable, then update the
// manifest and VDir and clear the dirty bit.
func (q *ingestQueue) processReingest(job ingestJob) ingestResult {
	norm := manifest.NormalizePath(job.path)

	existing, hadExisting, err := q.ws.Manifest.Get(norm)
	if err != nil {
		return ingestResult{err: err}
	}

	var preHash cas.Hash
	tier := manifest.Tier2Mutable
	if hadExisting {
		preHash = existing.VNode.ContentHash
		tier = existing.Tier
	}

	id, err := q.ws.Journal.Begin(norm, job.stagingPath, preHash)
	if err != nil {
		return ingestResult{err: err}
	}

	hash, size, err := q.store.StoreByMove(job.stagingPath)
	if err != nil {
		return ingestResult{err: fmt.Errorf("reingest %s: %w", norm, err)}
	}
	if err := q.ws.Journal.RecordHash(id, hash); err != nil {
		return ingestResult{err: err}
	}

	vnode := manifest.VNode{
		ContentHash: hash,
		Size:        uint64(size),
		MTimeNS:     uint64(time.Now().UnixNano()),
		Mode:        0644,
	}
	if hadExisting {
		vnode = vnode.WithKind(existing.VNode.Kind()).WithExecutable(existing.VNode.Executable())
		vnode.Mode = existing.VNode.Mode
	}

	q.ws.Manifest.Insert(norm, vnode, tier)
	if err := q.ws.VDir.Upsert(vdirUpsertParams(norm, vnode)); err != nil {
		return ingestResult{err: err}
	}
	if err := q.ws.VDir.MarkDirty(vdirPathHash(norm), false); err != nil {
		return ingestResult{err: err}
	}

	if err := q.ws.Journal.Done(id); err != nil {
		return ingestResult{err: err}
	}

	return ingestResult{hash: hash, entry: manifest.Entry{Path: norm, VNode: vnode, Tier: tier}}
}

func vdirUpsertParams(path string, v manifest.VNode) vdir.UpsertParams {
	return vdir.UpsertParams{
		PathHash:    vdirPathHash(path),
		Path:        path,
		ContentHash: v.ContentHash,
		Size:        v.Size,
		MTimeNS:     v.MTimeNS,
		Mode:        v.Mode,
		Flags:       v.Flags,
	}
}
