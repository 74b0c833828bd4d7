package pack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crv-vcs/crv/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChunk(t *testing.T, w *Writer, raw []byte, c chunk.Compression) (chunk.Hash, Record) {
	t.Helper()
	h := chunk.ComputeHash(raw)
	enc, err := chunk.Encode(raw, c)
	require.NoError(t, err)
	rec, err := w.AppendChunk(h, uint32(len(raw)), enc.Flags, enc.Payload)
	require.NoError(t, err)
	return h, rec
}

func TestPackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack-000000.dat")

	w, err := CreateNew(path)
	require.NoError(t, err)

	raw1 := []byte("first chunk content")
	raw2 := []byte("second chunk, a bit longer than the first one")

	h1, rec1 := writeChunk(t, w, raw1, chunk.None)
	h2, rec2 := writeChunk(t, w, raw2, chunk.Lz4)

	require.NoError(t, w.Seal())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	out1, err := r.ReadChunk(rec1.Offset, h1, rec1.StoredLen, rec1.Flags)
	require.NoError(t, err)
	assert.Equal(t, raw1, out1)

	out2, err := r.ReadChunk(rec2.Offset, h2, rec2.StoredLen, rec2.Flags)
	require.NoError(t, err)
	assert.Equal(t, raw2, out2)

	require.NoError(t, VerifySealed(path))
}

func TestPackCreateNewRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack-000000.dat")

	w, err := CreateNew(path)
	require.NoError(t, err)
	require.NoError(t, w.Seal())

	_, err = CreateNew(path)
	require.Error(t, err)
}

func TestPackRewindDropsLastEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack-000000.dat")

	w, err := CreateNew(path)
	require.NoError(t, err)

	raw1 := []byte("kept chunk")
	h1, rec1 := writeChunk(t, w, raw1, chunk.None)

	raw2 := []byte("chunk that gets rewound away")
	_, rec2 := writeChunk(t, w, raw2, chunk.None)

	require.NoError(t, w.Rewind(rec2))
	require.Equal(t, 1, w.Stats().EntryCount)

	require.NoError(t, w.Seal())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize+entryFixedSection+len(raw1)+trailerSize), info.Size())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	out, err := r.ReadChunk(rec1.Offset, h1, rec1.StoredLen, rec1.Flags)
	require.NoError(t, err)
	assert.Equal(t, raw1, out)

	require.NoError(t, VerifySealed(path))
}

func TestPackAppendAfterSealFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack-000000.dat")

	w, err := CreateNew(path)
	require.NoError(t, err)
	require.NoError(t, w.Seal())

	h := chunk.ComputeHash([]byte("x"))
	_, err = w.AppendChunk(h, 1, 0, []byte("x"))
	require.Error(t, err)
}

func TestPackVerifySealedDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack-000000.dat")

	w, err := CreateNew(path)
	require.NoError(t, err)
	writeChunk(t, w, []byte("data"), chunk.None)
	require.NoError(t, w.Seal())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	err = VerifySealed(path)
	require.Error(t, err)
}

func TestReadChunkDetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack-000000.dat")

	w, err := CreateNew(path)
	require.NoError(t, err)
	raw := []byte("authentic content")
	h, rec := writeChunk(t, w, raw, chunk.None)
	require.NoError(t, w.Seal())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var wrongHash chunk.Hash
	copy(wrongHash[:], h[:])
	wrongHash[0] ^= 0xff

	_, err = r.ReadChunk(rec.Offset, wrongHash, rec.StoredLen, rec.Flags)
	require.Error(t, err)
}
