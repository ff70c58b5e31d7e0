package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/anatoleotman/pyacq/errors"
)

// SpecVersion is the current header format version. Decoders reject any
// other leading version byte rather than guess at the layout.
const SpecVersion byte = 1

// Header layout (big-endian):
//
//	version(1) | stream_id(64, zero padded) | element_type(1) |
//	ndims(1) | dims(8 each, int64) | sample_rate(8, float64) |
//	chunk_size(4) | compression(1) | endpoint_len(2) | endpoint

// EncodeSpec serializes a StreamSpec into its wire header form.
func EncodeSpec(spec StreamSpec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "HeaderCodec", "EncodeSpec", "spec validation")
	}
	if len(spec.Endpoint) > math.MaxUint16 {
		return nil, errors.WrapLifecycle(errors.ErrInvalidConfig,
			"HeaderCodec", "EncodeSpec", "endpoint too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(SpecVersion)

	var id [MaxStreamIDLen]byte
	copy(id[:], spec.StreamID)
	buf.Write(id[:])

	buf.WriteByte(byte(spec.ElementType))
	buf.WriteByte(byte(len(spec.Shape)))
	for _, dim := range spec.Shape {
		var d [8]byte
		binary.BigEndian.PutUint64(d[:], uint64(dim))
		buf.Write(d[:])
	}

	var f [8]byte
	binary.BigEndian.PutUint64(f[:], math.Float64bits(spec.SampleRate))
	buf.Write(f[:])

	var cs [4]byte
	binary.BigEndian.PutUint32(cs[:], spec.ChunkSize)
	buf.Write(cs[:])

	buf.WriteByte(byte(spec.Compression))

	var el [2]byte
	binary.BigEndian.PutUint16(el[:], uint16(len(spec.Endpoint)))
	buf.Write(el[:])
	buf.WriteString(spec.Endpoint)

	return buf.Bytes(), nil
}

// DecodeSpec parses a wire header back into a StreamSpec. It fails with
// ErrUnsupportedVersion on a foreign version byte and ErrMalformedHeader
// on anything structurally wrong.
func DecodeSpec(data []byte) (StreamSpec, error) {
	const component = "HeaderCodec"
	var spec StreamSpec

	malformed := func(msg string) error {
		return errors.WrapProtocol(errors.ErrMalformedHeader, component, "DecodeSpec", msg)
	}

	if len(data) < 1 {
		return spec, malformed("empty header")
	}
	if data[0] != SpecVersion {
		return spec, errors.WrapProtocol(errors.ErrUnsupportedVersion, component, "DecodeSpec",
			fmt.Sprintf("version %d", data[0]))
	}
	rest := data[1:]

	if len(rest) < MaxStreamIDLen+2 {
		return spec, malformed("header shorter than fixed fields")
	}
	spec.StreamID = string(bytes.TrimRight(rest[:MaxStreamIDLen], "\x00"))
	rest = rest[MaxStreamIDLen:]

	spec.ElementType = ElementType(rest[0])
	ndims := int(rest[1])
	rest = rest[2:]

	need := ndims*8 + 8 + 4 + 1 + 2
	if len(rest) < need {
		return spec, malformed("truncated header")
	}

	spec.Shape = make([]int64, ndims)
	for i := 0; i < ndims; i++ {
		spec.Shape[i] = int64(binary.BigEndian.Uint64(rest[i*8:]))
	}
	rest = rest[ndims*8:]

	spec.SampleRate = math.Float64frombits(binary.BigEndian.Uint64(rest))
	rest = rest[8:]

	spec.ChunkSize = binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	spec.Compression = Compression(rest[0])
	rest = rest[1:]

	endpointLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) != endpointLen {
		return spec, malformed("endpoint length mismatch")
	}
	spec.Endpoint = string(rest)

	if err := spec.Validate(); err != nil {
		return spec, errors.WrapProtocol(errors.ErrMalformedHeader, component, "DecodeSpec", "field validation")
	}
	return spec, nil
}
