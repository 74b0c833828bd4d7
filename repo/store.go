package repo

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alitto/pond"
	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/index"
	"github.com/crv-vcs/crv/pack"
)

// DefaultMaxEntriesPerPack bounds how many chunks a single bundle accumulates
// before Store seals it and opens the next one for that shard.
const DefaultMaxEntriesPerPack = 4096

// sealedPack is a previously sealed bundle the Store can still resolve
// hashes against, lazily opened for reading on first hit.
type sealedPack struct {
	packID uint32
	idx    *index.Snapshot

	mu sync.Mutex
	r  *pack.Reader
}

func (s *sealedPack) reader(datPath string) (*pack.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r != nil {
		return s.r, nil
	}
	r, err := pack.Open(datPath)
	if err != nil {
		return nil, err
	}
	s.r = r
	return r, nil
}

type shardState struct {
	mu     sync.Mutex
	open   *Bundle
	sealed []*sealedPack // newest-first
	nextID uint32
}

// Store is the repository's single entry point for appending and
// resolving chunks: it routes a hash to its shard (the hash's leading
// byte), keeps one writable Bundle open per shard, rotates to a fresh
// pack once the open bundle's entry count reaches maxEntriesPerPack, and
// resolves reads first against the open bundle and then against every
// sealed bundle for that shard, most recent first.
type Store struct {
	layout            *Layout
	maxEntriesPerPack int
	shardsMu          sync.Mutex
	shards            map[uint8]*shardState
}

// OpenStore runs crash recovery over layout's root. A shard's sealed
// bundle indexes are loaded on that shard's first use (or for every shard
// at once by WarmAll) and then kept in memory, so resolution works
// without re-scanning packs on every call.
func OpenStore(layout *Layout, maxEntriesPerPack int) (*Store, error) {
	if maxEntriesPerPack <= 0 {
		maxEntriesPerPack = DefaultMaxEntriesPerPack
	}
	if err := Recover(layout); err != nil {
		return nil, err
	}
	return &Store{
		layout:            layout,
		maxEntriesPerPack: maxEntriesPerPack,
		shards:            make(map[uint8]*shardState),
	}, nil
}

func shardOf(h chunk.Hash) uint8 { return h[0] }

func (s *Store) shard(id uint8) (*shardState, error) {
	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	if st, ok := s.shards[id]; ok {
		return st, nil
	}
	st, err := s.loadShard(id)
	if err != nil {
		return nil, err
	}
	s.shards[id] = st
	return st, nil
}

// loadShard discovers every sealed pack-NNNNNN pair already on disk for
// shard id (post-recovery, so every pair is either fully sealed or
// simply absent) and records the next free pack id.
func (s *Store) loadShard(shardID uint8) (*shardState, error) {
	dir := filepath.Join(s.layout.Root(), ShardDirName(shardID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &shardState{}, nil
		}
		return nil, crverr.Wrap(crverr.Internal, err, "list shard dir %s", dir)
	}

	var packIDs []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, packFilePrefix) || !strings.HasSuffix(name, packDataSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, packFilePrefix), packDataSuffix)
		n, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			continue
		}
		packIDs = append(packIDs, uint32(n))
	}
	sort.Slice(packIDs, func(i, j int) bool { return packIDs[i] > packIDs[j] })

	st := &shardState{}
	for _, id := range packIDs {
		if id+1 > st.nextID {
			st.nextID = id + 1
		}
		_, idxPath, err := s.layout.PackPaths(shardID, id)
		if err != nil {
			return nil, err
		}
		snap, err := index.Open(idxPath)
		if err != nil {
			return nil, crverr.Wrap(crverr.Internal, err, "load sealed index for pack %d in %s", id, dir)
		}
		st.sealed = append(st.sealed, &sealedPack{packID: id, idx: snap})
	}
	return st, nil
}

// AppendChunk routes data to its hash's shard, opening a new bundle for
// that shard if none is open yet, and rotates (seals the current bundle,
// opens the next) once the bundle reaches maxEntriesPerPack entries.
// A duplicate hash already present in any bundle for the shard (open or
// sealed) is rejected with crverr.Conflict without being written.
func (s *Store) AppendChunk(data []byte, c chunk.Compression) (chunk.Hash, error) {
	h := chunk.ComputeHash(data)
	shardID := shardOf(h)
	st, err := s.shard(shardID)
	if err != nil {
		return chunk.Hash{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := s.locate(st, h); ok {
		return chunk.Hash{}, crverr.New(crverr.Conflict, "duplicate chunk hash %s", h)
	}

	if st.open == nil {
		if err := s.openBundle(st, shardID); err != nil {
			return chunk.Hash{}, err
		}
	}

	if _, err := st.open.AppendChunk(data, c); err != nil {
		return chunk.Hash{}, err
	}

	if st.open.Stats().EntryCount >= s.maxEntriesPerPack {
		if err := s.rotate(st, shardID); err != nil {
			return chunk.Hash{}, err
		}
	}
	return h, nil
}

func (s *Store) openBundle(st *shardState, shardID uint8) error {
	b, err := CreateBundle(s.layout, shardID, st.nextID)
	if err != nil {
		return err
	}
	st.open = b
	st.nextID++
	return nil
}

func (s *Store) rotate(st *shardState, shardID uint8) error {
	id := st.open.Identity().PackID
	if err := st.open.Seal(); err != nil {
		return crverr.Wrap(crverr.Internal, err, "seal pack %d during rotation", id)
	}
	_, idxPath, err := s.layout.PackPaths(shardID, id)
	if err != nil {
		return err
	}
	snap, err := index.Open(idxPath)
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "reopen just-sealed index for pack %d", id)
	}
	st.sealed = append([]*sealedPack{{packID: id, idx: snap}}, st.sealed...)
	st.open = nil
	return nil
}

// locate finds h's entry in the open bundle first, then every sealed
// bundle (most recent first), without opening any pack file for reading.
func (s *Store) locate(st *shardState, h chunk.Hash) (index.Entry, bool) {
	if st.open != nil {
		if e, ok := st.open.FindEntry(h); ok {
			return e, true
		}
	}
	for _, sp := range st.sealed {
		if e, ok := sp.idx.Find(h); ok {
			return e, true
		}
	}
	return index.Entry{}, false
}

// Resolve returns the logical (decoded, decompressed) bytes for h, or
// crverr.NotFound if no bundle for its shard has it.
func (s *Store) Resolve(h chunk.Hash) ([]byte, error) {
	shardID := shardOf(h)
	st, err := s.shard(shardID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.open != nil {
		if e, ok := st.open.FindEntry(h); ok {
			r, err := pack.Open(st.open.PackPath())
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return r.ReadChunk(e.Offset, e.Hash, e.StoredLen, e.Flags)
		}
	}
	for _, sp := range st.sealed {
		e, ok := sp.idx.Find(h)
		if !ok {
			continue
		}
		datPath, _, err := s.layout.PackPaths(shardID, sp.packID)
		if err != nil {
			return nil, err
		}
		r, err := sp.reader(datPath)
		if err != nil {
			return nil, err
		}
		return r.ReadChunk(e.Offset, e.Hash, e.StoredLen, e.Flags)
	}
	return nil, crverr.New(crverr.NotFound, "chunk not found: %s", h)
}

// Contains reports whether h is present in any bundle for its shard,
// without reading the chunk's payload. This backs the submit
// coordinator's missing-chunk negotiation (C7).
func (s *Store) Contains(h chunk.Hash) bool {
	shardID := shardOf(h)
	st, err := s.shard(shardID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := s.locate(st, h)
	return ok
}

// AppendIfAbsent implements transfer.ChunkSink: it appends data unless
// its hash is already present, in which case it reports appended=false
// rather than an error.
func (s *Store) AppendIfAbsent(data []byte) (bool, error) {
	_, err := s.AppendChunk(data, chunk.None)
	if err != nil {
		if crverr.Is(err, crverr.Conflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WarmAll eagerly loads every one of the repository's 256 shards, so the
// first AppendChunk/Resolve against a given shard after startup doesn't
// pay the cost of scanning its directory and opening its sealed indexes.
// Shards are loaded concurrently across a worker pool sized to the host,
// the way the teacher's archive pass fans work out across pond workers.
func (s *Store) WarmAll() error {
	pondSize := runtime.NumCPU()
	pool := pond.New(pondSize, 0, pond.MinWorkers(pondSize))

	var mu sync.Mutex
	var firstErr error
	for shardID := 0; shardID < 256; shardID++ {
		shardID := uint8(shardID)
		pool.Submit(func() {
			if _, err := s.shard(shardID); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = crverr.Wrap(crverr.Internal, err, "warm shard %d", shardID)
				}
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	return firstErr
}

// SealOpenBundles seals every shard's currently open bundle. Called on
// graceful daemon shutdown so every pack on disk ends sealed.
func (s *Store) SealOpenBundles() error {
	s.shardsMu.Lock()
	shards := make([]*shardState, 0, len(s.shards))
	for _, st := range s.shards {
		shards = append(shards, st)
	}
	s.shardsMu.Unlock()

	for _, st := range shards {
		st.mu.Lock()
		var err error
		if st.open != nil {
			err = st.open.Seal()
			st.open = nil
		}
		st.mu.Unlock()
		if err != nil {
			return crverr.Wrap(crverr.Internal, err, "seal open bundle during shutdown")
		}
	}
	return nil
}
