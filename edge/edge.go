// Package edge wires the job system (C9-C10) to a hive client into the
// crv-edge daemon's RPC surface. Workspace management (add/checkout/
// list-active/sync/lock/submit/revert, changelist CRUD) is a boundary
// interface (SPEC_FULL.md §6); only the job-backed transfer surface is
// implemented for real.
package edge

import (
	"context"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/job"
	"github.com/crv-vcs/crv/jobmanager"
	"github.com/crv-vcs/crv/metrics"
	"github.com/sirupsen/logrus"
)

// HiveClient is the edge daemon's view of a hive connection: the subset
// of hive.Server's RPC surface a workspace transfer needs. A real
// deployment backs this with a gRPC (or similar) stub; cmd/crv-edge backs
// it with an HTTP client for cmd/crv-hive's JSON surface, and the tests
// with an in-memory fake.
type HiveClient interface {
	UploadChunk(ctx context.Context, ticket string, h chunk.Hash, data []byte) error
	DownloadChunk(ctx context.Context, h chunk.Hash) ([]byte, error)
}

// Workspace is the boundary interface for local workspace state: which
// files are checked out, their lock/sync status, and changelist CRUD.
// Out of scope per SPEC_FULL.md §1 beyond this narrow shape; localWorkspace
// below is the one reference implementation this module ships.
type Workspace interface {
	AddFile(path string) error
	RemoveFile(path string) error
	ListActiveFiles(dir string) []string
	HasFile(path string) bool
}

// localWorkspace is an in-memory Workspace backed by a fileTree, enough
// to exercise list_active_files-style queries without a real on-disk
// sync.
type localWorkspace struct {
	tree *fileTree
}

// NewLocalWorkspace constructs an empty, case-sensitive Workspace.
func NewLocalWorkspace() Workspace {
	return &localWorkspace{tree: newFileTree(false)}
}

func (w *localWorkspace) AddFile(path string) error {
	w.tree.addFile(path)
	return nil
}

func (w *localWorkspace) RemoveFile(path string) error {
	w.tree.removeFile(path)
	return nil
}

func (w *localWorkspace) ListActiveFiles(dir string) []string {
	return w.tree.filesUnder(dir)
}

func (w *localWorkspace) HasFile(path string) bool {
	return w.tree.contains(path)
}

// TransferDirection selects whether a transfer job uploads local chunks
// to the hive or downloads hive chunks locally.
type TransferDirection int

const (
	Upload TransferDirection = iota
	Download
)

// ChunkProvider supplies the raw bytes for an upload by hash; ChunkSink
// accepts the raw bytes of a download. Both are narrow function seams so
// Daemon doesn't need to know how the workspace stores chunk payloads.
type ChunkProvider func(h chunk.Hash) ([]byte, error)
type ChunkSink func(h chunk.Hash, data []byte) error

// Daemon is the crv-edge daemon's RPC surface: job-backed file transfer
// against a hive, surfaced as a job a caller can stream or poll.
type Daemon struct {
	logger  *logrus.Logger
	jobs    *jobmanager.Manager
	hive    HiveClient
	metrics *metrics.Registry
}

// NewDaemon constructs a Daemon. reg may be nil, in which case no
// transfer-job metrics are recorded. Close stops its job manager's
// cleanup loop.
func NewDaemon(logger *logrus.Logger, hive HiveClient, reg *metrics.Registry) *Daemon {
	return &Daemon{logger: logger, jobs: jobmanager.New(), hive: hive, metrics: reg}
}

// Close releases the daemon's background job-cleanup goroutine.
func (d *Daemon) Close() { d.jobs.Close() }

// StartTransfer launches a job (C9/C10) that uploads or downloads the
// given chunk hashes against the hive, reporting one payload event per
// chunk. It returns immediately with the job's id; callers observe
// progress via StreamJob or PollJob.
func (d *Daemon) StartTransfer(ticket string, direction TransferDirection, hashes []chunk.Hash, provider ChunkProvider, sink ChunkSink) string {
	j := d.jobs.CreateJob(transferRequest{Ticket: ticket, Direction: direction, Hashes: hashes}, job.RingBuffer(256), job.And, job.RetainFor(300))

	j.AddWorker(func(ctx context.Context, j *job.Job) error {
		for _, h := range hashes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var err error
			switch direction {
			case Upload:
				err = d.uploadOne(ctx, ticket, h, provider)
			default:
				err = d.downloadOne(ctx, h, sink)
			}
			if err != nil {
				return err
			}
			j.ReportPayload(h.String())
		}
		return nil
	})

	if d.metrics != nil {
		go func() {
			<-j.Done()
			d.metrics.JobsCompleted.WithLabelValues(j.Snapshot().Status.String()).Inc()
		}()
	}

	if err := j.Start(); err != nil {
		d.logger.WithError(err).Error("failed to start transfer job")
	}
	return j.ID()
}

type transferRequest struct {
	Ticket    string
	Direction TransferDirection
	Hashes    []chunk.Hash
}

func (d *Daemon) uploadOne(ctx context.Context, ticket string, h chunk.Hash, provider ChunkProvider) error {
	data, err := provider(h)
	if err != nil {
		return err
	}
	return d.hive.UploadChunk(ctx, ticket, h, data)
}

func (d *Daemon) downloadOne(ctx context.Context, h chunk.Hash, sink ChunkSink) error {
	data, err := d.hive.DownloadChunk(ctx, h)
	if err != nil {
		return err
	}
	return sink(h, data)
}

// StreamJob subscribes to jobID's live event stream.
func (d *Daemon) StreamJob(ctx context.Context, jobID string) (<-chan job.Event, error) {
	j, ok := d.jobs.GetJob(jobID)
	if !ok {
		return nil, crverr.New(crverr.NotFound, "no such job: %s", jobID)
	}
	ch, unsubscribe := j.Subscribe(32)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch, nil
}

// PollJob returns jobID's current snapshot, for callers that would
// rather poll than stream.
func (d *Daemon) PollJob(jobID string) (job.Snapshot, error) {
	j, ok := d.jobs.GetJob(jobID)
	if !ok {
		return job.Snapshot{}, crverr.New(crverr.NotFound, "no such job: %s", jobID)
	}
	return j.Snapshot(), nil
}

// CancelJob requests cancellation of a running job.
func (d *Daemon) CancelJob(jobID string) error {
	j, ok := d.jobs.GetJob(jobID)
	if !ok {
		return crverr.New(crverr.NotFound, "no such job: %s", jobID)
	}
	j.Cancel()
	return nil
}
