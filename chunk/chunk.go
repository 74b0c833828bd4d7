// Package chunk implements the codec for a single opaque, immutable chunk
// of depot content: identity hashing and optional per-chunk compression.
package chunk

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/crv-vcs/crv/crverr"
	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a chunk's identity.
const HashSize = 32

// Hash is a BLAKE3-256 digest identifying a chunk by its raw, pre-compression
// content.
type Hash [HashSize]byte

// String renders the hash as 64-char lowercase hex, the wire encoding used
// by the hive RPC surface.
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, HashSize*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// ParseHash parses the 64-char lowercase hex encoding String produces,
// the wire encoding a hive RPC surface reads a hash back from.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, crverr.New(crverr.InvalidArgument, "invalid chunk hash length: %d", len(s))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, crverr.Wrap(crverr.InvalidArgument, err, "invalid chunk hash %q", s)
	}
	return h, nil
}

// Compression names the encoding applied to a chunk's payload on disk.
type Compression uint16

const (
	None Compression = 0
	Lz4  Compression = 1 << 0

	// knownFlagMask is the set of flag bits this codec understands; any
	// other bit set on an encoded chunk is a forward-compatibility hazard
	// this version refuses to silently ignore.
	knownFlagMask = uint16(Lz4)
)

// FlagsFromCompression returns the on-disk flags field for c.
func FlagsFromCompression(c Compression) uint16 {
	return uint16(c)
}

// CompressionFromFlags validates flags and returns the Compression it
// selects, or InvalidArgument if an unknown bit is set.
func CompressionFromFlags(flags uint16) (Compression, error) {
	if flags&^knownFlagMask != 0 {
		return None, crverr.New(crverr.InvalidArgument, "unsupported compression flags 0x%04x", flags)
	}
	if flags&uint16(Lz4) != 0 {
		return Lz4, nil
	}
	return None, nil
}

// Encoded is the on-disk representation of one chunk: flags plus payload.
type Encoded struct {
	Flags   uint16
	Payload []byte
}

// ComputeHash computes the BLAKE3-256 identity of raw, pre-compression bytes.
func ComputeHash(raw []byte) Hash {
	return Hash(blake3.Sum256(raw))
}

// Encode produces the on-disk payload for raw under the given compression.
// Identity is always computed on raw, never on the encoded payload, so a
// chunk re-compressed under a different policy keeps the same hash.
func Encode(raw []byte, c Compression) (Encoded, error) {
	switch c {
	case None:
		payload := make([]byte, len(raw))
		copy(payload, raw)
		return Encoded{Flags: FlagsFromCompression(None), Payload: payload}, nil
	case Lz4:
		payload, err := lz4Compress(raw)
		if err != nil {
			return Encoded{}, crverr.Wrap(crverr.Internal, err, "lz4 compress chunk")
		}
		return Encoded{Flags: FlagsFromCompression(Lz4), Payload: payload}, nil
	default:
		return Encoded{}, crverr.New(crverr.InvalidArgument, "unknown compression %d", c)
	}
}

// Decode reverses Encode. flags selects the decompression scheme and is
// validated here via CompressionFromFlags; an unknown value is an error.
func Decode(payload []byte, flags uint16) ([]byte, error) {
	c, err := CompressionFromFlags(flags)
	if err != nil {
		return nil, err
	}
	switch c {
	case None:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case Lz4:
		raw, err := lz4Decompress(payload)
		if err != nil {
			return nil, crverr.New(crverr.Corrupted, "lz4 frame corrupted: %v", err)
		}
		return raw, nil
	default:
		return nil, crverr.New(crverr.InvalidArgument, "unknown compression flags")
	}
}

// lz4Compress writes a 4-byte little-endian original-length prefix followed
// by an LZ4 block stream, so Decode needs no side-channel length.
func lz4Compress(raw []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(raw))
	out := make([]byte, 4+bound)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(raw)))

	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(raw, out[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 && len(raw) > 0 {
		// Incompressible input: lz4 reports n==0 rather than expanding it.
		// Fall back to storing the raw bytes after the length prefix with
		// an explicit uncompressed marker so Decompress can tell the two
		// apart (see lz4Decompress).
		out = append(out[:4], raw...)
		binary.LittleEndian.PutUint32(out[:4], uint32(len(raw))|incompressibleMarker)
		return out, nil
	}
	return out[:4+n], nil
}

// incompressibleMarker is OR'd into the stored length prefix's top bit to
// flag the "stored verbatim" fallback path. Real chunk payloads are
// expected to be well under 2^31 bytes; the pack format's stored_len is a
// separate, unrelated u32 and is unaffected by this marker.
const incompressibleMarker = uint32(1) << 31

func lz4Decompress(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, crverr.New(crverr.Corrupted, "lz4 payload too short")
	}
	header := binary.LittleEndian.Uint32(payload[:4])
	if header&incompressibleMarker != 0 {
		originalLen := header &^ incompressibleMarker
		body := payload[4:]
		if uint32(len(body)) != originalLen {
			return nil, crverr.New(crverr.Corrupted, "lz4 verbatim length mismatch")
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	originalLen := header
	out := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(payload[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
