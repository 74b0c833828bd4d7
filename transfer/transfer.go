// Package transfer implements the server side of the chunk upload and
// download streams (C8): buffered ingest keyed by chunk hash per stream,
// and fan-out of a chunk's bytes across fixed-size packets.
package transfer

import (
	"bytes"
	"context"
	"sync"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
)

const (
	// DefaultOutboundBufferSize is the default bounded buffer depth for
	// both upload and download streams.
	DefaultOutboundBufferSize = 32

	// DefaultPacketSize is the default download packet payload size.
	DefaultPacketSize = 256 * 1024
	// MaxPacketSize is the largest packet payload size a caller may
	// request.
	MaxPacketSize = 4 * 1024 * 1024
	// MinPacketSize is the smallest packet payload size a caller may
	// request.
	MinPacketSize = 1
)

// FileChunk is one message in the upload stream.
type FileChunk struct {
	Ticket    string
	ChunkHash chunk.Hash
	Offset    uint64
	Bytes     []byte
	IsLast    bool
}

// ChunkSink is where a fully-assembled, hash-verified chunk is appended.
// The repo layer's per-shard writable bundle satisfies this.
type ChunkSink interface {
	// AppendIfAbsent appends data under its own computed hash unless an
	// equal hash is already visible (in-process liveness check), and
	// reports whether it performed the append.
	AppendIfAbsent(data []byte) (appended bool, err error)
}

type pendingUpload struct {
	buf bytes.Buffer
}

// Ingest assembles the FileChunk messages of one upload stream, verifying
// and committing each chunk_hash group once its IsLast message arrives.
// Pending bytes are keyed by chunk hash alone: msg.Ticket is neither
// checked nor part of the key, so messages for one hash under different
// tickets share a buffer. Not safe for concurrent use by multiple
// goroutines on the same hash; callers scope one Ingest per active upload
// stream.
type Ingest struct {
	mu      sync.Mutex
	pending map[chunk.Hash]*pendingUpload
	sink    ChunkSink
}

// NewIngest returns an Ingest writing completed chunks to sink.
func NewIngest(sink ChunkSink) *Ingest {
	return &Ingest{pending: make(map[chunk.Hash]*pendingUpload), sink: sink}
}

// Receive buffers one FileChunk message. When msg.IsLast, it verifies the
// accumulated bytes' BLAKE3 against msg.ChunkHash and, on success, appends
// them to the sink (skipping the append if another uploader already
// inserted the same hash). On hash mismatch the partial buffer is
// dropped and InvalidArgument is returned.
func (ig *Ingest) Receive(msg FileChunk) error {
	ig.mu.Lock()
	p, ok := ig.pending[msg.ChunkHash]
	if !ok {
		p = &pendingUpload{}
		ig.pending[msg.ChunkHash] = p
	}
	p.buf.Write(msg.Bytes)
	if !msg.IsLast {
		ig.mu.Unlock()
		return nil
	}
	delete(ig.pending, msg.ChunkHash)
	data := append([]byte(nil), p.buf.Bytes()...)
	ig.mu.Unlock()

	if chunk.ComputeHash(data) != msg.ChunkHash {
		return crverr.New(crverr.InvalidArgument, "uploaded bytes do not match chunk hash %s", msg.ChunkHash)
	}

	_, err := ig.sink.AppendIfAbsent(data)
	return err
}

// Packet is one message in the download stream.
type Packet struct {
	ChunkHash     chunk.Hash
	OffsetInChunk uint64
	Bytes         []byte
	IsLast        bool
}

// ChunkSource resolves a chunk hash to its raw, decoded bytes. The repo
// layer's union-of-shards lookup satisfies this.
type ChunkSource func(h chunk.Hash) ([]byte, error)

// ClampPacketSize normalizes a caller-requested packet size to the
// [MinPacketSize, MaxPacketSize] range, substituting DefaultPacketSize for
// a zero request.
func ClampPacketSize(requested int) int {
	if requested == 0 {
		requested = DefaultPacketSize
	}
	if requested < MinPacketSize {
		return MinPacketSize
	}
	if requested > MaxPacketSize {
		return MaxPacketSize
	}
	return requested
}

// Download fragments each requested hash's bytes into packets of
// packetSize and sends them on the returned channel, bounded to
// DefaultOutboundBufferSize. If a hash cannot be resolved, the stream is
// terminated by closing the channel after sending no further packets for
// that hash; the error is reported via errOut (a single-slot channel
// closed with the first error, or never written to on full success).
func Download(ctx context.Context, hashes []chunk.Hash, packetSize int, source ChunkSource) (<-chan Packet, <-chan error) {
	packetSize = ClampPacketSize(packetSize)
	out := make(chan Packet, DefaultOutboundBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		for _, h := range hashes {
			raw, err := source(h)
			if err != nil {
				errCh <- crverr.Wrap(crverr.NotFound, err, "resolve chunk %s for download", h)
				return
			}

			offset := 0
			for {
				end := offset + packetSize
				if end > len(raw) {
					end = len(raw)
				}
				isLast := end >= len(raw)
				pkt := Packet{
					ChunkHash:     h,
					OffsetInChunk: uint64(offset),
					Bytes:         raw[offset:end],
					IsLast:        isLast,
				}
				select {
				case out <- pkt:
				case <-ctx.Done():
					errCh <- crverr.Wrap(crverr.Cancelled, ctx.Err(), "download cancelled")
					return
				}
				if isLast {
					break
				}
				offset = end
			}
		}
	}()

	return out, errCh
}
