package repo

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/index"
	"github.com/crv-vcs/crv/pack"
)

// rawEntry mirrors a decoded pack entry, used only during recovery before
// an index exists to consult.
type rawEntry struct {
	hash      chunk.Hash
	offset    uint64
	storedLen uint32
	flags     uint16
}

// Recover walks every shard directory under layout and repairs any pack
// whose index and data file are inconsistent, per the four startup cases
// in the on-disk layout's crash-recovery contract.
func Recover(layout *Layout) error {
	dirs, err := layout.ShardDirs()
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "list shard directories")
	}
	for _, dir := range dirs {
		if err := recoverShardDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func recoverShardDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "list shard dir %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, packDataSuffix) {
			continue
		}
		base := strings.TrimSuffix(name, packDataSuffix)
		datPath := filepath.Join(dir, base+packDataSuffix)
		idxPath := filepath.Join(dir, base+packIndexSuffix)
		if err := recoverPack(datPath, idxPath); err != nil {
			return err
		}
	}
	return nil
}

func recoverPack(datPath, idxPath string) error {
	idxSealed := false
	if snap, err := index.Open(idxPath); err == nil {
		idxSealed = true
		_ = snap
	}
	datSealed := pack.VerifySealed(datPath) == nil

	switch {
	case idxSealed && datSealed:
		return nil

	case idxSealed && !datSealed:
		snap, err := index.Open(idxPath)
		if err != nil {
			return crverr.Wrap(crverr.Internal, err, "reopen sealed index %s", idxPath)
		}
		return truncateDatToIndex(datPath, snap)

	case !idxSealed:
		return rebuildIndexByScan(datPath, idxPath)

	default:
		return nil
	}
}

// truncateDatToIndex truncates datPath to the byte range the sealed index
// actually covers, then reseals the data file's CRC trailer.
func truncateDatToIndex(datPath string, snap *index.Snapshot) error {
	all := snap.All()
	var lastEnd uint64 = pack.HeaderSize
	for _, e := range all {
		end := e.Offset + pack.EntryFixedSection + uint64(e.StoredLen)
		if end > lastEnd {
			lastEnd = end
		}
	}
	return sealDatPrefix(datPath, lastEnd)
}

// sealDatPrefix truncates datPath to length, recomputes the CRC over the
// surviving bytes, and appends a trailer, completing a pack whose writer
// crashed before calling Seal.
func sealDatPrefix(datPath string, length uint64) error {
	f, err := os.OpenFile(datPath, os.O_RDWR, 0o644)
	if err != nil {
		return crverr.Wrap(crverr.Internal, err, "open pack %s for recovery", datPath)
	}
	defer f.Close()

	if err := f.Truncate(int64(length)); err != nil {
		return crverr.Wrap(crverr.Internal, err, "truncate pack %s", datPath)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return crverr.Wrap(crverr.Internal, err, "seek pack %s", datPath)
	}
	crc := crc32.NewIEEE()
	if _, err := io.CopyN(crc, f, int64(length)); err != nil {
		return crverr.Wrap(crverr.Internal, err, "hash pack %s", datPath)
	}
	trailer := make([]byte, pack.TrailerSize)
	binary.LittleEndian.PutUint32(trailer, crc.Sum32())
	if _, err := f.Seek(int64(length), io.SeekStart); err != nil {
		return crverr.Wrap(crverr.Internal, err, "seek pack %s", datPath)
	}
	if _, err := f.Write(trailer); err != nil {
		return crverr.Wrap(crverr.Internal, err, "write pack trailer %s", datPath)
	}
	return f.Sync()
}

// scanPackEntries linearly reads every complete entry in an unsealed (or
// possibly truncated) pack file, stopping at the first entry whose fixed
// section or payload cannot be read in full. It returns the entries found
// and the byte offset of the end of the last complete entry.
func scanPackEntries(datPath string) ([]rawEntry, uint64, error) {
	f, err := os.Open(datPath)
	if err != nil {
		return nil, 0, crverr.Wrap(crverr.Internal, err, "open pack %s", datPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, crverr.Wrap(crverr.Internal, err, "stat pack %s", datPath)
	}
	size := uint64(info.Size())
	if size < pack.HeaderSize {
		return nil, 0, crverr.New(crverr.Corrupted, "pack %s shorter than header", datPath)
	}

	hdr := make([]byte, pack.HeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, 0, crverr.Wrap(crverr.Internal, err, "read pack header %s", datPath)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != pack.Magic {
		return nil, 0, crverr.New(crverr.Corrupted, "pack %s bad magic", datPath)
	}

	var entries []rawEntry
	offset := uint64(pack.HeaderSize)
	// A sealed file carries a trailer after its last entry. The trailer is
	// shorter than a fixed section, so the scan stops there, as it does at
	// any tail of fewer than a fixed section's worth of bytes.
	for {
		remaining := size - offset
		if remaining < pack.EntryFixedSection {
			break
		}
		fixed := make([]byte, pack.EntryFixedSection)
		if _, err := f.ReadAt(fixed, int64(offset)); err != nil {
			break
		}
		storedLen := binary.LittleEndian.Uint32(fixed[0:4])
		flags := binary.LittleEndian.Uint16(fixed[4:6])
		var h chunk.Hash
		copy(h[:], fixed[6:38])

		entryEnd := offset + pack.EntryFixedSection + uint64(storedLen)
		if entryEnd > size {
			break
		}
		entries = append(entries, rawEntry{hash: h, offset: offset, storedLen: storedLen, flags: flags})
		offset = entryEnd
	}
	return entries, offset, nil
}

// rebuildIndexByScan scans datPath linearly, drops any trailing partial
// entry, truncates+reseals the data file to the last complete entry, and
// writes a brand-new sealed index covering exactly those entries.
func rebuildIndexByScan(datPath, idxPath string) error {
	entries, lastEnd, err := scanPackEntries(datPath)
	if err != nil {
		return err
	}

	if err := sealDatPrefix(datPath, lastEnd); err != nil {
		return err
	}

	if _, err := os.Stat(idxPath); err == nil {
		if err := os.Remove(idxPath); err != nil {
			return crverr.Wrap(crverr.Internal, err, "remove stale index %s", idxPath)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].hash[:]) < string(entries[j].hash[:])
	})

	w, err := index.CreateNew(idxPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Insert(index.Entry{Hash: e.hash, Offset: e.offset, StoredLen: e.storedLen, Flags: e.flags}); err != nil {
			return err
		}
	}
	return w.Seal()
}
