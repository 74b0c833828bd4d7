package transfer

import (
	"context"
	"sync"
	"testing"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	hashes  map[chunk.Hash][]byte
	appends int
}

func newMemSink() *memSink {
	return &memSink{hashes: make(map[chunk.Hash][]byte)}
}

func (s *memSink) AppendIfAbsent(data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := chunk.ComputeHash(data)
	if _, ok := s.hashes[h]; ok {
		return false, nil
	}
	s.hashes[h] = append([]byte(nil), data...)
	s.appends++
	return true, nil
}

func TestIngestAssemblesAcrossMessages(t *testing.T) {
	sink := newMemSink()
	ig := NewIngest(sink)

	data := []byte("assembled from three pieces")
	h := chunk.ComputeHash(data)

	require.NoError(t, ig.Receive(FileChunk{ChunkHash: h, Offset: 0, Bytes: data[:10]}))
	require.NoError(t, ig.Receive(FileChunk{ChunkHash: h, Offset: 10, Bytes: data[10:20]}))
	require.NoError(t, ig.Receive(FileChunk{ChunkHash: h, Offset: 20, Bytes: data[20:], IsLast: true}))

	assert.Equal(t, 1, sink.appends)
	assert.Equal(t, data, sink.hashes[h])
}

func TestIngestRejectsHashMismatch(t *testing.T) {
	sink := newMemSink()
	ig := NewIngest(sink)

	wrongHash := chunk.ComputeHash([]byte("not the actual content"))
	err := ig.Receive(FileChunk{ChunkHash: wrongHash, Bytes: []byte("actual content"), IsLast: true})
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.InvalidArgument))
	assert.Equal(t, 0, sink.appends)
}

func TestIngestSkipsDuplicateAcrossUploaders(t *testing.T) {
	sink := newMemSink()
	data := []byte("shared content")
	h := chunk.ComputeHash(data)
	_, err := sink.AppendIfAbsent(data)
	require.NoError(t, err)

	ig := NewIngest(sink)
	require.NoError(t, ig.Receive(FileChunk{ChunkHash: h, Bytes: data, IsLast: true}))

	assert.Equal(t, 1, sink.appends)
}

func TestClampPacketSize(t *testing.T) {
	assert.Equal(t, DefaultPacketSize, ClampPacketSize(0))
	assert.Equal(t, MinPacketSize, ClampPacketSize(-5))
	assert.Equal(t, MaxPacketSize, ClampPacketSize(MaxPacketSize*2))
	assert.Equal(t, 1024, ClampPacketSize(1024))
}

func TestDownloadFragmentsAcrossPackets(t *testing.T) {
	raw := []byte("0123456789")
	h := chunk.ComputeHash(raw)
	source := func(got chunk.Hash) ([]byte, error) {
		require.Equal(t, h, got)
		return raw, nil
	}

	out, errCh := Download(context.Background(), []chunk.Hash{h}, 4, source)

	var assembled []byte
	var lastSeen bool
	for pkt := range out {
		assembled = append(assembled, pkt.Bytes...)
		if pkt.IsLast {
			lastSeen = true
		}
	}
	require.NoError(t, <-errCh)
	assert.True(t, lastSeen)
	assert.Equal(t, raw, assembled)
}

func TestDownloadUnresolvedHashReportsNotFound(t *testing.T) {
	h := chunk.ComputeHash([]byte("missing"))
	source := func(chunk.Hash) ([]byte, error) {
		return nil, crverr.New(crverr.NotFound, "no such chunk")
	}

	out, errCh := Download(context.Background(), []chunk.Hash{h}, 256, source)
	for range out {
	}
	err := <-errCh
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.NotFound))
}

func TestDownloadContextCancellation(t *testing.T) {
	raw := make([]byte, 1024)
	h := chunk.ComputeHash(raw)
	source := func(chunk.Hash) ([]byte, error) { return raw, nil }

	ctx, cancel := context.WithCancel(context.Background())
	out, errCh := Download(ctx, []chunk.Hash{h}, 16, source)

	// Drain exactly one packet, then cancel before draining the rest so
	// the producer observes ctx.Done() instead of completing normally.
	<-out
	cancel()
	for range out {
	}
	err := <-errCh
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.Cancelled))
}
