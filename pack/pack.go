// Package pack implements the append-only, CRC-sealed pack file container
// that holds encoded chunks: C2 of the depot core.
package pack

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
)

const (
	// Magic is "CRVB" read as a big-endian u32; like every header field it
	// is stored little-endian on disk.
	Magic uint32 = 0x43525642
	// Version is the only pack format version this package writes or reads.
	Version uint16 = 0x0001

	headerSize        = 10 // magic(4) + version(2) + reserved(4)
	entryFixedSection = 38 // stored_len(4) + flags(2) + hash(32)
	trailerSize       = 4  // CRC32
)

// Record describes one chunk as written into a pack.
type Record struct {
	Hash       chunk.Hash
	Offset     uint64
	StoredLen  uint32
	LogicalLen uint32
	Flags      uint16
}

// Stats reports diagnostic information about an open or sealed pack.
type Stats struct {
	EntryCount int
	Length     uint64
}

// Writer owns an exclusively-created pack file and the running CRC32 over
// every byte written so far (header + entries). It is not safe for
// concurrent use; a shard has exactly one writer at a time (§5).
type Writer struct {
	path   string
	f      *os.File
	crc    hash.Hash32
	length uint64
	sealed bool
	stats  Stats
}

// CreateNew creates path exclusively (AlreadyExists if it exists already),
// writes the 10-byte header, and starts the running CRC.
func CreateNew(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, crverr.New(crverr.AlreadyExists, "pack already exists: %s", path)
		}
		return nil, crverr.Wrap(crverr.Internal, err, "create pack %s", path)
	}

	w := &Writer{path: path, f: f, crc: crc32.NewIEEE()}
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint32(hdr[6:10], 0)
	if _, err := w.writeTracked(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeTracked(b []byte) (int, error) {
	n, err := w.f.Write(b)
	if err != nil {
		return n, crverr.Wrap(crverr.Internal, err, "write pack %s", w.path)
	}
	w.crc.Write(b[:n])
	w.length += uint64(n)
	return n, nil
}

// AppendChunk writes one encoded chunk's fixed section plus payload and
// returns its Record. Offset is the byte offset of the fixed section's
// first byte, measured from the start of the file.
func (w *Writer) AppendChunk(h chunk.Hash, logicalLen uint32, flags uint16, payload []byte) (Record, error) {
	if w.sealed {
		return Record{}, crverr.New(crverr.FailedPrecondition, "append to sealed pack %s", w.path)
	}
	if len(payload) > int(^uint32(0)) {
		return Record{}, crverr.New(crverr.InvalidArgument, "chunk payload too large")
	}
	storedLen := uint32(len(payload))

	offset := w.length
	fixed := make([]byte, entryFixedSection)
	binary.LittleEndian.PutUint32(fixed[0:4], storedLen)
	binary.LittleEndian.PutUint16(fixed[4:6], flags)
	copy(fixed[6:38], h[:])

	if _, err := w.writeTracked(fixed); err != nil {
		return Record{}, err
	}
	if _, err := w.writeTracked(payload); err != nil {
		return Record{}, err
	}

	w.stats.EntryCount++
	w.stats.Length = w.length
	return Record{
		Hash:       h,
		Offset:     offset,
		StoredLen:  storedLen,
		LogicalLen: logicalLen,
		Flags:      flags,
	}, nil
}

// Rewind truncates the file back to record.Offset and resets the running
// CRC to its state just before that append, compensating for a failed
// index insertion (§4.2 "Rewind semantics").
func (w *Writer) Rewind(record Record) error {
	if w.sealed {
		return crverr.New(crverr.FailedPrecondition, "rewind a sealed pack %s", w.path)
	}
	if err := w.f.Truncate(int64(record.Offset)); err != nil {
		return crverr.Wrap(crverr.Internal, err, "truncate pack %s", w.path)
	}
	if _, err := w.f.Seek(int64(record.Offset), io.SeekStart); err != nil {
		return crverr.Wrap(crverr.Internal, err, "seek pack %s", w.path)
	}
	w.length = record.Offset
	w.stats.EntryCount--
	w.stats.Length = w.length

	// Recompute the CRC over the surviving prefix; re-hashing is cheap
	// relative to the I/O already performed and keeps the running CRC
	// exact without a second tracked hash state to juggle.
	if err := w.recomputeCRC(); err != nil {
		return err
	}
	return nil
}

func (w *Writer) recomputeCRC() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return crverr.Wrap(crverr.Internal, err, "seek pack %s", w.path)
	}
	w.crc = crc32.NewIEEE()
	if _, err := io.CopyN(w.crc, w.f, int64(w.length)); err != nil {
		return crverr.Wrap(crverr.Internal, err, "recompute crc for pack %s", w.path)
	}
	if _, err := w.f.Seek(int64(w.length), io.SeekStart); err != nil {
		return crverr.Wrap(crverr.Internal, err, "seek pack %s", w.path)
	}
	return nil
}

// Seal writes the CRC32 trailer and transitions the pack to sealed; further
// appends fail with FailedPrecondition.
func (w *Writer) Seal() error {
	if w.sealed {
		panic("pack: seal called twice")
	}
	sum := w.crc.Sum32()
	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(trailer, sum)
	if _, err := w.f.Write(trailer); err != nil {
		return crverr.Wrap(crverr.Internal, err, "write pack trailer %s", w.path)
	}
	w.length += trailerSize
	if err := w.f.Sync(); err != nil {
		return crverr.Wrap(crverr.Internal, err, "fsync pack %s", w.path)
	}
	w.sealed = true
	return w.f.Close()
}

// Path returns the pack's filesystem path.
func (w *Writer) Path() string { return w.path }

// Stats returns diagnostic counters for the pack's current state.
func (w *Writer) Stats() *Stats { return &w.stats }

// Reader opens a sealed pack for read-only random access to its entries.
type Reader struct {
	path string
	f    *os.File
}

// Open opens a sealed pack file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, crverr.New(crverr.NotFound, "pack not found: %s", path)
		}
		return nil, crverr.Wrap(crverr.Internal, err, "open pack %s", path)
	}
	return &Reader{path: path, f: f}, nil
}

// ReadChunk reads the entry at the given offset, validates its fixed
// section against the caller-supplied expectations, decodes the payload,
// and verifies the result's BLAKE3 matches expectedHash. Any inconsistency
// is Corrupted.
func (r *Reader) ReadChunk(offset uint64, expectedHash chunk.Hash, expectedStoredLen uint32, expectedFlags uint16) ([]byte, error) {
	fixed := make([]byte, entryFixedSection)
	if _, err := r.f.ReadAt(fixed, int64(offset)); err != nil {
		return nil, crverr.Wrap(crverr.Corrupted, err, "read entry fixed section at %d in %s", offset, r.path)
	}
	storedLen := binary.LittleEndian.Uint32(fixed[0:4])
	flags := binary.LittleEndian.Uint16(fixed[4:6])
	var h chunk.Hash
	copy(h[:], fixed[6:38])

	if h != expectedHash || storedLen != expectedStoredLen || flags != expectedFlags {
		return nil, crverr.New(crverr.Corrupted, "entry fixed section mismatch at offset %d in %s", offset, r.path)
	}

	payload := make([]byte, storedLen)
	if _, err := r.f.ReadAt(payload, int64(offset)+entryFixedSection); err != nil {
		return nil, crverr.Wrap(crverr.Corrupted, err, "read entry payload at %d in %s", offset, r.path)
	}

	raw, err := chunk.Decode(payload, flags)
	if err != nil {
		return nil, err
	}
	if chunk.ComputeHash(raw) != expectedHash {
		return nil, crverr.New(crverr.Corrupted, "chunk hash mismatch at offset %d in %s", offset, r.path)
	}
	return raw, nil
}

// Path returns the pack's filesystem path.
func (r *Reader) Path() string { return r.path }

// Close releases the reader's file handle.
func (r *Reader) Close() error { return r.f.Close() }

// VerifySealed reads the full file, recomputes the CRC over everything
// before the trailer, and compares it against the stored trailer. Used by
// crash recovery and by tests asserting pack integrity (§8 property 3).
func VerifySealed(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "open pack %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "stat pack %s", path)
	}
	size := info.Size()
	if size < headerSize+trailerSize {
		return crverr.New(crverr.Corrupted, "pack %s too short", path)
	}
	prefixLen := size - trailerSize

	crc := crc32.NewIEEE()
	if _, err := io.CopyN(crc, f, prefixLen); err != nil {
		return crverr.Wrap(crverr.Internal, err, "hash pack %s", path)
	}
	trailer := make([]byte, trailerSize)
	if _, err := io.ReadFull(f, trailer); err != nil {
		return crverr.Wrap(crverr.Internal, err, "read trailer %s", path)
	}
	want := binary.LittleEndian.Uint32(trailer)
	if crc.Sum32() != want {
		return crverr.New(crverr.Corrupted, "pack %s trailer CRC mismatch", path)
	}
	return nil
}

// HeaderSize, EntryFixedSection and TrailerSize are exported for callers
// (repo's crash recovery) that need to compute byte offsets without
// duplicating the layout constants.
const (
	HeaderSize        = headerSize
	EntryFixedSection = entryFixedSection
	TrailerSize       = trailerSize
)
