package stream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/anatoleotman/pyacq/errors"
)

// Chunk is one unit of streamed data: a monotonically increasing sequence
// number, a capture timestamp, and the raw payload bytes.
type Chunk struct {
	Seq       uint64
	Timestamp time.Time
	Payload   []byte
}

// Frame layout (big-endian):
//
//	seq(8) | timestamp_ns(8) | flags(1) | raw_len(4) | stored_len(4) |
//	payload(stored_len) | crc32(4)
//
// The CRC (IEEE) always covers the decompressed payload, so a corrupted
// frame is detected after decompression as well as on raw frames.
const (
	frameHeaderLen = 8 + 8 + 1 + 4 + 4
	frameCRCLen    = 4

	flagCompressed byte = 1 << 0
)

// EncodeChunk serializes a chunk for the wire using the stream's compression
// mode. A chunk whose compressed form is not smaller than the raw payload is
// stored raw with the compressed flag clear.
func EncodeChunk(chunk Chunk, compression Compression) ([]byte, error) {
	const component = "ChunkCodec"

	raw := chunk.Payload
	stored := raw
	var flags byte

	switch compression {
	case CompressionNone:
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		var ht [1 << 16]int
		n, err := lz4.CompressBlock(raw, dst, ht[:])
		if err != nil {
			return nil, errors.WrapProtocol(err, component, "EncodeChunk", "lz4 compress")
		}
		if n > 0 && n < len(raw) {
			stored = dst[:n]
			flags |= flagCompressed
		}
	case CompressionSnappy:
		dst := snappy.Encode(nil, raw)
		if len(dst) < len(raw) {
			stored = dst
			flags |= flagCompressed
		}
	default:
		return nil, errors.WrapProtocol(errors.ErrMalformedHeader, component, "EncodeChunk",
			fmt.Sprintf("unknown compression %d", compression))
	}

	frame := make([]byte, frameHeaderLen+len(stored)+frameCRCLen)
	binary.BigEndian.PutUint64(frame[0:], chunk.Seq)
	binary.BigEndian.PutUint64(frame[8:], uint64(chunk.Timestamp.UnixNano()))
	frame[16] = flags
	binary.BigEndian.PutUint32(frame[17:], uint32(len(raw)))
	binary.BigEndian.PutUint32(frame[21:], uint32(len(stored)))
	copy(frame[frameHeaderLen:], stored)
	binary.BigEndian.PutUint32(frame[frameHeaderLen+len(stored):], crc32.ChecksumIEEE(raw))
	return frame, nil
}

// DecodeChunk parses a wire frame, decompressing and verifying the payload
// checksum. Truncated frames fail with ErrTruncatedChunk, corrupted payloads
// with ErrChecksumMismatch.
func DecodeChunk(frame []byte, compression Compression) (Chunk, error) {
	const component = "ChunkCodec"
	var chunk Chunk

	if len(frame) < frameHeaderLen+frameCRCLen {
		return chunk, errors.WrapProtocol(errors.ErrTruncatedChunk, component, "DecodeChunk",
			fmt.Sprintf("frame %d bytes", len(frame)))
	}

	chunk.Seq = binary.BigEndian.Uint64(frame[0:])
	chunk.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(frame[8:]))).UTC()
	flags := frame[16]
	rawLen := binary.BigEndian.Uint32(frame[17:])
	storedLen := binary.BigEndian.Uint32(frame[21:])

	if uint64(len(frame)) != uint64(frameHeaderLen)+uint64(storedLen)+frameCRCLen {
		return chunk, errors.WrapProtocol(errors.ErrTruncatedChunk, component, "DecodeChunk",
			"stored length does not match frame size")
	}

	stored := frame[frameHeaderLen : frameHeaderLen+storedLen]
	wantCRC := binary.BigEndian.Uint32(frame[frameHeaderLen+storedLen:])

	raw := stored
	if flags&flagCompressed != 0 {
		switch compression {
		case CompressionLZ4:
			dst := make([]byte, rawLen)
			n, err := lz4.UncompressBlock(stored, dst)
			if err != nil {
				return chunk, errors.WrapProtocol(errors.ErrDecompression, component, "DecodeChunk", "lz4 uncompress")
			}
			raw = dst[:n]
		case CompressionSnappy:
			dst, err := snappy.Decode(nil, stored)
			if err != nil {
				return chunk, errors.WrapProtocol(errors.ErrDecompression, component, "DecodeChunk", "snappy decode")
			}
			raw = dst
		default:
			return chunk, errors.WrapProtocol(errors.ErrDecompression, component, "DecodeChunk",
				"compressed flag set on uncompressed stream")
		}
	}

	if uint32(len(raw)) != rawLen {
		return chunk, errors.WrapProtocol(errors.ErrTruncatedChunk, component, "DecodeChunk",
			"decompressed length mismatch")
	}
	if crc32.ChecksumIEEE(raw) != wantCRC {
		return chunk, errors.WrapProtocol(errors.ErrChecksumMismatch, component, "DecodeChunk",
			fmt.Sprintf("seq %d", chunk.Seq))
	}

	chunk.Payload = raw
	return chunk, nil
}

// PeekSeq reads the sequence number of an encoded frame without a full
// decode. Used by subscriptions to report what they dropped.
func PeekSeq(frame []byte) (uint64, bool) {
	if len(frame) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(frame), true
}
