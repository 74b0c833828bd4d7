// Package revision implements the file and file-revision model (C5): path
// history, latest-revision resolution, and materializing a revision's
// content back to a local file.
package revision

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
)

// Metadata is the opaque, core-never-interprets bag of per-revision hints
// carried alongside a FileRevision — e.g. file_mode, content_type,
// is_binary, language (mirrored from the original's FileRevisionDoc).
type Metadata map[string]string

// FileRecord tracks the branches that have ever carried a revision for a
// path, independent of any single revision's content.
type FileRecord struct {
	Path           string
	CreatedAt      time.Time
	Metadata       Metadata
	SeenOnBranches []string
}

// SawBranch records branchID in SeenOnBranches if not already present.
func (f *FileRecord) SawBranch(branchID string) {
	for _, b := range f.SeenOnBranches {
		if b == branchID {
			return
		}
	}
	f.SeenOnBranches = append(f.SeenOnBranches, branchID)
}

// FileRevision is one immutable snapshot of a file's content, keyed by
// (Path, Generation, Revision).
type FileRevision struct {
	Path         string
	Generation   uint64
	Revision     uint64
	ChangelistID int64
	BinaryIDs    []chunk.Hash
	Size         uint64
	IsDelete     bool
	CreatedAt    time.Time
	Metadata     Metadata
}

// Less orders two revisions of the same path by (generation, revision).
func (r FileRevision) Less(other FileRevision) bool {
	if r.Generation != other.Generation {
		return r.Generation < other.Generation
	}
	return r.Revision < other.Revision
}

// NextRevision derives the (generation, revision) that should follow prev
// for a path, per the spec's generation-stepping rule: deleting a path
// steps the generation on its next revision; otherwise the revision
// within the current generation increments. A nil prev starts at (0, 0).
func NextRevision(prev *FileRevision) (generation, revision uint64) {
	if prev == nil {
		return 0, 0
	}
	if prev.IsDelete {
		return prev.Generation + 1, 0
	}
	return prev.Generation, prev.Revision + 1
}

// Store is an in-memory, mutex-guarded revision history keyed by path.
// The hive's durable metadata store is a boundary interface (§6); this
// type is the core resolution logic a durable-backed implementation
// would wrap.
type Store struct {
	mu        sync.RWMutex
	files     map[string]*FileRecord
	revisions map[string][]FileRevision // append order; readers scan or sort by (generation, revision)
}

// NewStore returns an empty revision store.
func NewStore() *Store {
	return &Store{
		files:     make(map[string]*FileRecord),
		revisions: make(map[string][]FileRevision),
	}
}

// EnsureFileRecord returns the FileRecord for path, creating it on first
// use, and marks branchID as seen.
func (s *Store) EnsureFileRecord(path, branchID string) *FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	if !ok {
		f = &FileRecord{Path: path, CreatedAt: time.Now().UTC(), Metadata: Metadata{}}
		s.files[path] = f
	}
	f.SawBranch(branchID)
	return f
}

// AppendRevision inserts rev as the new revision for its path. Callers are
// responsible for having derived (Generation, Revision) via NextRevision
// under whatever lock guards the branch's commit (C6/C7); Store itself
// only tracks history, it does not commit transactions.
func (s *Store) AppendRevision(rev FileRevision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[rev.Path] = append(s.revisions[rev.Path], rev)
}

// GetLatestRevision resolves path to its (generation, revision)-maximum
// row.
func (s *Store) GetLatestRevision(path string) (FileRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := s.revisions[path]
	if len(revs) == 0 {
		return FileRevision{}, crverr.New(crverr.NotFound, "no revision for path %q", path)
	}
	latest := revs[0]
	for _, r := range revs[1:] {
		if latest.Less(r) {
			latest = r
		}
	}
	return latest, nil
}

// GetLatestRevisions resolves each of paths to its latest revision, in
// input order. Any path with no revision fails the whole batch.
func (s *Store) GetLatestRevisions(paths []string) ([]FileRevision, error) {
	out := make([]FileRevision, len(paths))
	for i, p := range paths {
		rev, err := s.GetLatestRevision(p)
		if err != nil {
			return nil, err
		}
		out[i] = rev
	}
	return out, nil
}

// History returns every revision recorded for path, ascending by
// (generation, revision).
func (s *Store) History(path string) []FileRevision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := append([]FileRevision(nil), s.revisions[path]...)
	sort.Slice(revs, func(i, j int) bool { return revs[i].Less(revs[j]) })
	return revs
}

// ChunkResolver fetches the raw, decoded bytes for a chunk hash. The
// repository layer (C2-C4) satisfies this without revision needing to
// import it.
type ChunkResolver func(h chunk.Hash) ([]byte, error)

// Materialize streams rev's chunks through resolve, concatenates them in
// order, and writes the result to destPath. The concatenation's total
// length must equal rev.Size.
func Materialize(rev FileRevision, resolve ChunkResolver, destPath string) error {
	if rev.IsDelete {
		return crverr.New(crverr.FailedPrecondition, "cannot materialize a delete revision for %q", rev.Path)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return crverr.Wrap(crverr.Internal, err, "create parent dir for %s", destPath)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "create %s", destPath)
	}
	defer out.Close()

	var total uint64
	for _, h := range rev.BinaryIDs {
		raw, err := resolve(h)
		if err != nil {
			return err
		}
		n, err := out.Write(raw)
		if err != nil {
			return crverr.Wrap(crverr.Internal, err, "write %s", destPath)
		}
		total += uint64(n)
	}
	if total != rev.Size {
		return crverr.New(crverr.Corrupted, "materialized %d bytes for %q, expected %d", total, rev.Path, rev.Size)
	}
	return nil
}

func (r FileRevision) String() string {
	return fmt.Sprintf("%s@g%d.r%d", r.Path, r.Generation, r.Revision)
}
