package edge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/job"
	"github.com/crv-vcs/crv/metrics"
	"github.com/crv-vcs/crv/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHive struct {
	mu       sync.Mutex
	uploaded map[chunk.Hash][]byte
	fail     chunk.Hash
}

func newFakeHive() *fakeHive {
	return &fakeHive{uploaded: make(map[chunk.Hash][]byte)}
}

func (f *fakeHive) UploadChunk(_ context.Context, _ string, h chunk.Hash, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == f.fail {
		return assert.AnError
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.uploaded[h] = cp
	return nil
}

func (f *fakeHive) DownloadChunk(_ context.Context, h chunk.Hash) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploaded[h]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func waitTerminal(t *testing.T, d *Daemon, jobID string) job.Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		snap, err := d.PollJob(jobID)
		require.NoError(t, err)
		if snap.Status == job.Completed || snap.Status == job.Failed || snap.Status == job.Cancelled {
			return snap.Status
		}
		select {
		case <-deadline:
			t.Fatal("job did not reach a terminal state in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLocalWorkspaceTracksFiles(t *testing.T) {
	ws := NewLocalWorkspace()
	require.NoError(t, ws.AddFile("a/b.txt"))
	assert.True(t, ws.HasFile("a/b.txt"))
	assert.Contains(t, ws.ListActiveFiles(""), "a/b.txt")

	require.NoError(t, ws.RemoveFile("a/b.txt"))
	assert.False(t, ws.HasFile("a/b.txt"))
}

func TestStartTransferUploadSucceeds(t *testing.T) {
	hive := newFakeHive()
	d := NewDaemon(telemetry.NewLogger(0), hive, nil)
	defer d.Close()

	content := []byte("chunk payload")
	h := chunk.ComputeHash(content)
	provider := func(want chunk.Hash) ([]byte, error) { return content, nil }

	jobID := d.StartTransfer("ticket-1", Upload, []chunk.Hash{h}, provider, nil)
	status := waitTerminal(t, d, jobID)
	assert.Equal(t, job.Completed, status)
	assert.Equal(t, content, hive.uploaded[h])
}

func TestStartTransferObservesJobsCompletedMetric(t *testing.T) {
	hive := newFakeHive()
	reg := metrics.New()
	d := NewDaemon(telemetry.NewLogger(0), hive, reg)
	defer d.Close()

	content := []byte("metered payload")
	h := chunk.ComputeHash(content)
	provider := func(want chunk.Hash) ([]byte, error) { return content, nil }

	jobID := d.StartTransfer("ticket-metrics", Upload, []chunk.Hash{h}, provider, nil)
	status := waitTerminal(t, d, jobID)
	require.Equal(t, job.Completed, status)

	require.Eventually(t, func() bool {
		families, err := reg.Gatherer().Gather()
		require.NoError(t, err)
		for _, f := range families {
			if f.GetName() != "crv_jobs_completed_total" {
				continue
			}
			for _, m := range f.Metric {
				if m.Counter.GetValue() > 0 {
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "expected crv_jobs_completed_total to be observed")
}

func TestStartTransferDownloadSucceeds(t *testing.T) {
	hive := newFakeHive()
	content := []byte("roundtrip payload")
	h := chunk.ComputeHash(content)
	hive.uploaded[h] = content

	d := NewDaemon(telemetry.NewLogger(0), hive, nil)
	defer d.Close()

	var got []byte
	sink := func(gotHash chunk.Hash, data []byte) error {
		got = data
		return nil
	}

	jobID := d.StartTransfer("", Download, []chunk.Hash{h}, nil, sink)
	status := waitTerminal(t, d, jobID)
	assert.Equal(t, job.Completed, status)
	assert.Equal(t, content, got)
}

func TestStartTransferFailsOnMissingChunk(t *testing.T) {
	hive := newFakeHive()
	d := NewDaemon(telemetry.NewLogger(0), hive, nil)
	defer d.Close()

	missing := chunk.ComputeHash([]byte("never uploaded"))
	jobID := d.StartTransfer("", Download, []chunk.Hash{missing}, nil, func(chunk.Hash, []byte) error { return nil })
	status := waitTerminal(t, d, jobID)
	assert.Equal(t, job.Failed, status)
}

func TestStreamJobDeliversPayloadEvents(t *testing.T) {
	hive := newFakeHive()
	d := NewDaemon(telemetry.NewLogger(0), hive, nil)
	defer d.Close()

	content := []byte("streamed payload")
	h := chunk.ComputeHash(content)
	// StreamJob only sees live events, so hold the worker until the
	// subscription exists.
	subscribed := make(chan struct{})
	provider := func(chunk.Hash) ([]byte, error) {
		<-subscribed
		return content, nil
	}

	jobID := d.StartTransfer("ticket-2", Upload, []chunk.Hash{h}, provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := d.StreamJob(ctx, jobID)
	require.NoError(t, err)
	close(subscribed)

	sawPayload := false
	for ev := range events {
		if ev.Kind == job.EventPayload {
			sawPayload = true
		}
		if ev.Kind == job.EventStatusChange && ev.Status.Terminal() {
			break
		}
	}
	assert.True(t, sawPayload)
}

func TestCancelJobStopsRunningTransfer(t *testing.T) {
	hive := newFakeHive()
	d := NewDaemon(telemetry.NewLogger(0), hive, nil)
	defer d.Close()

	blocker := make(chan struct{})
	// Retained so PollJob still finds the job once it is terminal; an
	// immediate-retention job is removed from the manager as it finishes.
	j := d.jobs.CreateJob(nil, job.NoStorage(), job.And, job.RetainFor(300))
	require.NoError(t, j.AddWorker(func(ctx context.Context, _ *job.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-blocker:
			return nil
		}
	}))
	require.NoError(t, j.Start())

	require.NoError(t, d.CancelJob(j.ID()))
	close(blocker)

	deadline := time.After(time.Second)
	for {
		snap, err := d.PollJob(j.ID())
		require.NoError(t, err)
		if snap.Status == job.Cancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never reached cancelled state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollJobUnknownReturnsNotFound(t *testing.T) {
	d := NewDaemon(telemetry.NewLogger(0), newFakeHive(), nil)
	defer d.Close()

	_, err := d.PollJob("does-not-exist")
	require.Error(t, err)
}
