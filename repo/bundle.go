package repo

import (
	"path/filepath"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/index"
	"github.com/crv-vcs/crv/pack"
)

// Identity names a pack bundle's location within the repository.
type Identity struct {
	Shard     uint8
	PackID    uint32
	BaseName  string
	Directory string
}

// Bundle pairs a pack writer with its in-memory index writer for the
// duration of a single append session, then seals both together.
type Bundle struct {
	identity Identity
	pack     *pack.Writer
	index    *index.Writer
}

// CreateBundle opens a new pack and its index for exclusive writing.
func CreateBundle(layout *Layout, shard uint8, packID uint32) (*Bundle, error) {
	datPath, idxPath, err := layout.PackPaths(shard, packID)
	if err != nil {
		return nil, crverr.Wrap(crverr.Internal, err, "resolve pack paths")
	}

	pw, err := pack.CreateNew(datPath)
	if err != nil {
		return nil, err
	}
	iw, err := index.CreateNew(idxPath)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		identity: Identity{
			Shard:     shard,
			PackID:    packID,
			BaseName:  PackBaseName(packID),
			Directory: filepath.Dir(datPath),
		},
		pack:  pw,
		index: iw,
	}, nil
}

// AppendChunk hashes data, rejects an already-present hash without
// touching the pack, encodes and writes it, then inserts it into the
// index. If index insertion fails the pack append is rewound so that a
// later Seal still produces a self-consistent file.
func (b *Bundle) AppendChunk(data []byte, c chunk.Compression) (pack.Record, error) {
	h := chunk.ComputeHash(data)
	if b.index.Contains(h) {
		return pack.Record{}, crverr.New(crverr.Conflict, "duplicate chunk hash %s", h)
	}
	if len(data) > int(^uint32(0)) {
		return pack.Record{}, crverr.New(crverr.InvalidArgument, "chunk too large: %d bytes", len(data))
	}

	enc, err := chunk.Encode(data, c)
	if err != nil {
		return pack.Record{}, err
	}

	record, err := b.pack.AppendChunk(h, uint32(len(data)), enc.Flags, enc.Payload)
	if err != nil {
		return pack.Record{}, err
	}

	entry := index.Entry{Hash: record.Hash, Offset: record.Offset, StoredLen: record.StoredLen, Flags: record.Flags}
	if err := b.index.Insert(entry); err != nil {
		if rewindErr := b.pack.Rewind(record); rewindErr != nil {
			return pack.Record{}, crverr.Wrap(crverr.Internal, rewindErr, "rewind after failed index insert")
		}
		return pack.Record{}, err
	}
	return record, nil
}

// Seal seals the index first, then the pack, so a half-sealed bundle
// always has a sealed index paired with an open pack (recoverable by
// truncation to the last offset the index covers).
func (b *Bundle) Seal() error {
	if err := b.index.Seal(); err != nil {
		return err
	}
	return b.pack.Seal()
}

// Stats reports the pack's diagnostic counters.
func (b *Bundle) Stats() *pack.Stats { return b.pack.Stats() }

// Identity returns the bundle's shard/pack id/path identity.
func (b *Bundle) Identity() Identity { return b.identity }

// FindEntry consults the in-memory index during the bundle's lifetime.
func (b *Bundle) FindEntry(h chunk.Hash) (index.Entry, bool) { return b.index.Find(h) }

// PackPath returns the bundle's pack file path.
func (b *Bundle) PackPath() string { return b.pack.Path() }
