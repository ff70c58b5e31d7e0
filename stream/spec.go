package stream

import (
	"fmt"

	"github.com/anatoleotman/pyacq/errors"
)

// ElementType identifies the scalar kind of a stream's samples. The byte
// width is implied by the kind.
type ElementType uint8

// Known element types. Wire codes are fixed; never reorder.
const (
	Int8 ElementType = iota + 1
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
)

// Size returns the byte width of one scalar, or 0 for unknown types.
func (e ElementType) Size() int {
	switch e {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// String returns the type name used in logs and specs.
func (e ElementType) String() string {
	switch e {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("elementtype(%d)", uint8(e))
	}
}

// Compression selects the per-chunk payload compressor.
type Compression uint8

// Known compression codes. Wire codes are fixed; never reorder.
const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionSnappy
)

// String returns the compression name used in logs and specs.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// StreamingAxis marks the unbounded dimension in a spec's shape.
const StreamingAxis int64 = -1

// MaxStreamIDLen is the fixed on-wire length of a stream identifier.
const MaxStreamIDLen = 64

// StreamSpec is the immutable description of a stream, created once by the
// producer before the first chunk and fixed for the stream's lifetime.
type StreamSpec struct {
	StreamID    string
	ElementType ElementType
	Shape       []int64 // ordered dims; exactly one may be StreamingAxis
	SampleRate  float64 // samples per second along the streaming axis, 0 = unspecified
	ChunkSize   uint32  // samples per chunk along the streaming axis
	Compression Compression
	Endpoint    string // transport endpoint the producer publishes on
}

// Validate checks the spec invariants.
func (s StreamSpec) Validate() error {
	const component = "StreamSpec"
	fail := func(msg string) error {
		return errors.WrapLifecycle(errors.ErrInvalidConfig, component, "Validate", msg)
	}

	if s.StreamID == "" {
		return fail("empty stream id")
	}
	if len(s.StreamID) > MaxStreamIDLen {
		return fail(fmt.Sprintf("stream id longer than %d bytes", MaxStreamIDLen))
	}
	if s.ElementType.Size() == 0 {
		return fail("unknown element type")
	}
	if len(s.Shape) == 0 {
		return fail("empty shape")
	}
	streaming := 0
	for _, dim := range s.Shape {
		switch {
		case dim == StreamingAxis:
			streaming++
		case dim <= 0:
			return fail(fmt.Sprintf("invalid dimension %d", dim))
		}
	}
	if streaming > 1 {
		return fail("more than one streaming axis")
	}
	if s.SampleRate < 0 {
		return fail("negative sample rate")
	}
	if s.ChunkSize == 0 {
		return fail("zero chunk size")
	}
	switch s.Compression {
	case CompressionNone, CompressionLZ4, CompressionSnappy:
	default:
		return fail("unknown compression")
	}
	return nil
}

// BytesPerChunk returns the expected raw payload size of one chunk:
// ChunkSize samples, each spanning the non-streaming dimensions.
func (s StreamSpec) BytesPerChunk() int {
	n := int64(s.ChunkSize)
	for _, dim := range s.Shape {
		if dim == StreamingAxis {
			continue
		}
		n *= dim
	}
	return int(n) * s.ElementType.Size()
}

// Compatible reports whether a consumer expecting this spec can decode the
// producer's advertised spec. Endpoints may differ; everything that affects
// decoding must match.
func (s StreamSpec) Compatible(other StreamSpec) error {
	const component = "StreamSpec"
	fail := func(msg string) error {
		return errors.WrapLifecycle(errors.ErrIncompatibleSpec, component, "Compatible", msg)
	}

	if s.StreamID != other.StreamID {
		return fail(fmt.Sprintf("stream id %q vs %q", s.StreamID, other.StreamID))
	}
	if s.ElementType != other.ElementType {
		return fail(fmt.Sprintf("element type %s vs %s", s.ElementType, other.ElementType))
	}
	if len(s.Shape) != len(other.Shape) {
		return fail("shape rank mismatch")
	}
	for i, dim := range s.Shape {
		if dim != other.Shape[i] {
			return fail(fmt.Sprintf("dimension %d: %d vs %d", i, dim, other.Shape[i]))
		}
	}
	if s.Compression != other.Compression {
		return fail(fmt.Sprintf("compression %s vs %s", s.Compression, other.Compression))
	}
	return nil
}
