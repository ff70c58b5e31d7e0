package node

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"github.com/anatoleotman/pyacq/errors"
	"github.com/anatoleotman/pyacq/stream"
)

// GeneratorDriverType is the registry name of the built-in signal
// generator.
const GeneratorDriverType = "generator"

// GeneratorParams configures the built-in test-signal source.
type GeneratorParams struct {
	StreamID   string  `json:"stream_id"`
	Endpoint   string  `json:"endpoint"`
	Channels   int64   `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
	ChunkSize  uint32  `json:"chunk_size"`
	// Frequency of the emitted sine in Hz.
	Frequency float64 `json:"frequency"`
	// Compression: "none", "lz4" or "snappy".
	Compression string `json:"compression"`
}

// Generator produces a float32 sine wave at a fixed sample rate. It is the
// stand-in device used by tests and demo setups, and paces itself so a
// chunk is pushed when its samples would have been acquired.
type Generator struct {
	params GeneratorParams
	spec   stream.StreamSpec
	phase  float64
}

// NewGenerator creates an unconfigured generator driver.
func NewGenerator() Driver { return &Generator{} }

// RegisterBuiltins adds the stock drivers to a registry.
func RegisterBuiltins(registry *Registry) error {
	return registry.Register(GeneratorDriverType, NewGenerator)
}

// Configure parses params and declares the single output stream.
func (g *Generator) Configure(raw json.RawMessage) (Declaration, error) {
	params := GeneratorParams{
		Channels:    1,
		SampleRate:  1000,
		ChunkSize:   100,
		Frequency:   10,
		Compression: "none",
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return Declaration{}, errors.WrapLifecycle(err, "Generator", "Configure", "parse params")
		}
	}
	if params.StreamID == "" {
		return Declaration{}, errors.WrapLifecycle(errors.ErrInvalidConfig, "Generator", "Configure",
			"stream_id is required")
	}
	if params.Endpoint == "" {
		params.Endpoint = "inproc://" + params.StreamID
	}

	var compression stream.Compression
	switch params.Compression {
	case "", "none":
		compression = stream.CompressionNone
	case "lz4":
		compression = stream.CompressionLZ4
	case "snappy":
		compression = stream.CompressionSnappy
	default:
		return Declaration{}, errors.WrapLifecycle(errors.ErrInvalidConfig, "Generator", "Configure",
			fmt.Sprintf("unknown compression %q", params.Compression))
	}

	g.params = params
	g.spec = stream.StreamSpec{
		StreamID:    params.StreamID,
		ElementType: stream.Float32,
		Shape:       []int64{stream.StreamingAxis, params.Channels},
		SampleRate:  params.SampleRate,
		ChunkSize:   params.ChunkSize,
		Compression: compression,
		Endpoint:    params.Endpoint,
	}
	return Declaration{Outputs: []stream.OutputConfig{{Spec: g.spec}}}, nil
}

// Run pushes sine chunks at the configured rate until ctx is done.
func (g *Generator) Run(ctx context.Context, io IO) error {
	out, ok := io.Outputs[g.spec.StreamID]
	if !ok {
		return errors.WrapLifecycle(errors.ErrStreamNotFound, "Generator", "Run", g.spec.StreamID)
	}

	chunksPerSecond := g.spec.SampleRate / float64(g.spec.ChunkSize)
	limiter := rate.NewLimiter(rate.Limit(chunksPerSecond), 1)
	step := 2 * math.Pi * g.params.Frequency / g.spec.SampleRate

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := out.Push(ctx, g.nextChunk(step)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// nextChunk renders ChunkSize samples across all channels, continuing the
// sine phase from the previous chunk.
func (g *Generator) nextChunk(step float64) []byte {
	samples := int(g.spec.ChunkSize)
	channels := int(g.params.Channels)
	buf := make([]byte, samples*channels*4)

	for i := 0; i < samples; i++ {
		value := float32(math.Sin(g.phase))
		g.phase += step
		for c := 0; c < channels; c++ {
			offset := (i*channels + c) * 4
			binary.BigEndian.PutUint32(buf[offset:], math.Float32bits(value))
		}
	}
	if g.phase > 2*math.Pi {
		g.phase -= 2 * math.Pi
	}
	return buf
}
