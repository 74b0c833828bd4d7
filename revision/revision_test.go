package revision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRevisionRules(t *testing.T) {
	g, r := NextRevision(nil)
	assert.Equal(t, uint64(0), g)
	assert.Equal(t, uint64(0), r)

	prev := FileRevision{Generation: 2, Revision: 5, IsDelete: false}
	g, r = NextRevision(&prev)
	assert.Equal(t, uint64(2), g)
	assert.Equal(t, uint64(6), r)

	deleted := FileRevision{Generation: 2, Revision: 6, IsDelete: true}
	g, r = NextRevision(&deleted)
	assert.Equal(t, uint64(3), g)
	assert.Equal(t, uint64(0), r)
}

func TestStoreLatestRevision(t *testing.T) {
	s := NewStore()
	s.AppendRevision(FileRevision{Path: "/a.txt", Generation: 0, Revision: 0})
	s.AppendRevision(FileRevision{Path: "/a.txt", Generation: 0, Revision: 1})
	s.AppendRevision(FileRevision{Path: "/a.txt", Generation: 1, Revision: 0})

	latest, err := s.GetLatestRevision("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Generation)
	assert.Equal(t, uint64(0), latest.Revision)
}

func TestStoreLatestRevisionMissing(t *testing.T) {
	s := NewStore()
	_, err := s.GetLatestRevision("/missing.txt")
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.NotFound))
}

func TestGetLatestRevisionsPreservesOrderAndFailsOnMissing(t *testing.T) {
	s := NewStore()
	s.AppendRevision(FileRevision{Path: "/a.txt", Generation: 0, Revision: 0})
	s.AppendRevision(FileRevision{Path: "/b.txt", Generation: 0, Revision: 0})

	out, err := s.GetLatestRevisions([]string{"/b.txt", "/a.txt"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "/b.txt", out[0].Path)
	assert.Equal(t, "/a.txt", out[1].Path)

	_, err = s.GetLatestRevisions([]string{"/a.txt", "/missing.txt"})
	require.Error(t, err)
}

func TestMaterializeConcatenatesChunksInOrder(t *testing.T) {
	dir := t.TempDir()
	chunks := map[chunk.Hash][]byte{}
	raw1 := []byte("hello ")
	raw2 := []byte("world")
	h1 := chunk.ComputeHash(raw1)
	h2 := chunk.ComputeHash(raw2)
	chunks[h1] = raw1
	chunks[h2] = raw2

	rev := FileRevision{
		Path:      "/greeting.txt",
		BinaryIDs: []chunk.Hash{h1, h2},
		Size:      uint64(len(raw1) + len(raw2)),
	}

	dest := filepath.Join(dir, "out", "greeting.txt")
	err := Materialize(rev, func(h chunk.Hash) ([]byte, error) { return chunks[h], nil }, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestMaterializeRejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("short")
	h := chunk.ComputeHash(raw)

	rev := FileRevision{Path: "/x.txt", BinaryIDs: []chunk.Hash{h}, Size: 999}
	dest := filepath.Join(dir, "x.txt")

	err := Materialize(rev, func(chunk.Hash) ([]byte, error) { return raw, nil }, dest)
	require.Error(t, err)
	assert.True(t, crverr.Is(err, crverr.Corrupted))
}

func TestFileRecordSeenOnBranches(t *testing.T) {
	s := NewStore()
	f := s.EnsureFileRecord("/a.txt", "main")
	assert.Equal(t, []string{"main"}, f.SeenOnBranches)

	f2 := s.EnsureFileRecord("/a.txt", "feature")
	assert.Same(t, f, f2)
	assert.Equal(t, []string{"main", "feature"}, f2.SeenOnBranches)

	// Re-seeing a branch must not duplicate it.
	s.EnsureFileRecord("/a.txt", "main")
	assert.Equal(t, []string{"main", "feature"}, f.SeenOnBranches)
}
