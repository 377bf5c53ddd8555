package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// PCMSource reads mono signed 16-bit little-endian PCM, for example from
// a FIFO fed by `arecord -t raw -f S16_LE -r 48000 -c 1`.
type PCMSource struct {
	r     io.Reader
	buf   []byte
	close sync.Once
}

// NewPCMSource reads chunks of chunkSamples samples from r.
func NewPCMSource(r io.Reader, chunkSamples int) *PCMSource {
	if chunkSamples <= 0 {
		chunkSamples = 2048
	}
	return &PCMSource{r: r, buf: make([]byte, 2*chunkSamples)}
}

// Read blocks for the next chunk. If r is an io.Closer it is closed when
// ctx ends so the blocked read returns.
func (s *PCMSource) Read(ctx context.Context) ([]float32, error) {
	if c, ok := s.r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { s.close.Do(func() { c.Close() }) })
		defer stop()
	}
	n, err := io.ReadAtLeast(s.r, s.buf, 2)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	n -= n % 2
	out := make([]float32, n/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(s.buf[2*i:]))
		out[i] = float32(v) / math.MaxInt16
	}
	return out, nil
}

// PCMSink writes mono signed 16-bit little-endian PCM.
type PCMSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPCMSink(w io.Writer) *PCMSink { return &PCMSink{w: w} }

func (s *PCMSink) Play(ctx context.Context, samples []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, 2*len(samples))
	for i, f := range samples {
		f = max(-1, min(1, f))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(f*math.MaxInt16)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("pcm: write: %w", err)
	}
	return nil
}

// ── TextCodec ─────────────────────────────────────────────────────────────

const (
	frameStart float32 = 2
	frameEnd   float32 = -2
)

var errNotASCII = errors.New("textcodec: payload is not 7-bit ASCII")

// TextCodec is a trivial stand-in modem: one sample per byte between two
// marker samples. Markers lie outside [-1, 1], so frames only survive
// float channels, not PCM.
type TextCodec struct {
	mu      sync.Mutex
	inFrame bool
	partial []byte
}

func (c *TextCodec) Encode(text string) ([]float32, error) {
	out := make([]float32, 0, len(text)+2)
	out = append(out, frameStart)
	for i := 0; i < len(text); i++ {
		if text[i] > 0x7f {
			return nil, errNotASCII
		}
		out = append(out, float32(text[i])/128)
	}
	return append(out, frameEnd), nil
}

// Decode consumes samples and returns the first complete frame they finish.
// Frames may span calls.
func (c *TextCodec) Decode(samples []float32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result string
	var found bool
	for _, s := range samples {
		switch {
		case s == frameStart:
			c.inFrame = true
			c.partial = c.partial[:0]
		case s == frameEnd && c.inFrame:
			c.inFrame = false
			if !found {
				result, found = string(c.partial), true
			}
		case c.inFrame:
			c.partial = append(c.partial, byte(math.Round(float64(s)*128)))
		}
	}
	return result, found
}
