package hive

import (
	"context"
	"testing"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/config"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/hiveauth"
	"github.com/crv-vcs/crv/metrics"
	"github.com/crv-vcs/crv/repo"
	"github.com/crv-vcs/crv/submit"
	"github.com/crv-vcs/crv/telemetry"
	"github.com/crv-vcs/crv/transfer"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := &config.HiveConfig{RepositoryRoot: t.TempDir(), ShardCount: config.DefaultShardCount}
	store, err := repo.OpenStore(repo.NewLayout(cfg.RepositoryRoot), 0)
	require.NoError(t, err)

	issuer := hiveauth.NewIssuer([]byte("test-secret"), 0, 0)
	users := hiveauth.NewUserStore()
	users.Upsert(hiveauth.User{Username: "alice", PasswordHash: "hunter2"})

	srv := NewServer(cfg, telemetry.NewLogger(0), metrics.New(), store, issuer, users)
	t.Cleanup(srv.Close)
	tok, err := srv.Login("alice", "hunter2")
	require.NoError(t, err)
	return srv, tok.Raw
}

func TestBonjourNeedsNoToken(t *testing.T) {
	srv, _ := newTestServer(t)
	info := srv.Bonjour()
	assert.Equal(t, config.DefaultShardCount, info.ShardCount)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.Login("alice", "wrong")
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.Unauthenticated))
}

func TestAuthenticatedMethodRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.LaunchSubmit(context.Background(), "garbage", "main", nil)
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.Unauthenticated))
}

func TestFullUploadSubmitDownloadRoundTrip(t *testing.T) {
	srv, token := newTestServer(t)
	_, err := srv.CreateBranch(token, "main", "alice")
	require.NoError(t, err)

	content := []byte("file contents for the round trip test")
	h := chunk.ComputeHash(content)

	chunks := make(chan transfer.FileChunk, 1)
	chunks <- transfer.FileChunk{Ticket: "upload-1", ChunkHash: h, Offset: 0, Bytes: content, IsLast: true}
	close(chunks)
	require.NoError(t, srv.UploadFileChunks(context.Background(), token, chunks))

	launch, err := srv.LaunchSubmit(context.Background(), token, "main", []submit.FileIntent{
		{FileID: "f1", Path: "//depot/file.txt", ExpectedFileNotExist: true},
	})
	require.NoError(t, err)
	require.True(t, launch.Success)

	result, err := srv.Submit(context.Background(), token, launch.Ticket, submit.ChangelistMetadata{Author: "alice"}, []submit.FileManifest{
		{Path: "//depot/file.txt", ChunkHashes: []chunk.Hash{h}, Size: uint64(len(content))},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.MissingChunks)

	packets, err := srv.DownloadFileChunks(context.Background(), token, []chunk.Hash{h}, 0)
	require.NoError(t, err)

	var got []byte
	for p := range packets {
		got = append(got, p.Bytes...)
	}
	assert.Equal(t, content, got)

	families, err := srv.metrics.Gatherer().Gather()
	require.NoError(t, err)
	var durations *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "crv_submit_duration_seconds" {
			durations = f
		}
	}
	require.NotNil(t, durations, "expected crv_submit_duration_seconds to be registered")
	require.Len(t, durations.Metric, 1)
	assert.Equal(t, uint64(1), durations.Metric[0].Histogram.GetSampleCount())
}

func TestSubmitReportsMissingChunksThroughFacade(t *testing.T) {
	srv, token := newTestServer(t)
	_, err := srv.CreateBranch(token, "main", "alice")
	require.NoError(t, err)

	missing := chunk.ComputeHash([]byte("never uploaded"))
	launch, err := srv.LaunchSubmit(context.Background(), token, "main", []submit.FileIntent{
		{FileID: "f1", Path: "//depot/missing.txt", ExpectedFileNotExist: true},
	})
	require.NoError(t, err)
	require.True(t, launch.Success)

	result, err := srv.Submit(context.Background(), token, launch.Ticket, submit.ChangelistMetadata{Author: "alice"}, []submit.FileManifest{
		{Path: "//depot/missing.txt", ChunkHashes: []chunk.Hash{missing}, Size: 10},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []chunk.Hash{missing}, result.MissingChunks)
}

func TestAdminServerRequiresAuth(t *testing.T) {
	srv, token := newTestServer(t)
	admin := NewAdminServer(srv)

	_, err := admin.ListWorkspaces("garbage")
	require.Error(t, err)

	require.NoError(t, admin.UpsertWorkspace(token, "ws1"))
	names, err := admin.ListWorkspaces(token)
	require.NoError(t, err)
	assert.Contains(t, names, "ws1")
}
