// Package discovery exchanges short text payloads over sound, typically a
// device name or address announced by one side and picked up by the other.
// The modem itself is an external Codec.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxPayload is the longest text a Codec frame carries, in bytes.
const MaxPayload = 20

var (
	ErrPayloadTooLong = fmt.Errorf("discovery: payload longer than %d bytes", MaxPayload)
	ErrEmptyPayload   = errors.New("discovery: empty payload")
	ErrBusy           = errors.New("discovery: already running")
	ErrNoSink         = errors.New("discovery: no output configured")
	ErrNoSource       = errors.New("discovery: no input configured")
)

// Codec turns text into audio samples and back. Decode is fed consecutive
// chunks and reports a message once a complete frame has been heard.
type Codec interface {
	Encode(text string) ([]float32, error)
	Decode(samples []float32) (string, bool)
}

// SampleSource yields consecutive chunks of captured audio.
type SampleSource interface {
	Read(ctx context.Context) ([]float32, error)
}

// SampleSink plays samples once and returns when they have been written.
type SampleSink interface {
	Play(ctx context.Context, samples []float32) error
}

type Options struct {
	// Debounce suppresses a repeat of the previous message within this window.
	Debounce time.Duration
	Now      func() time.Time
}

func DefaultOptions() Options {
	return Options{Debounce: time.Second, Now: time.Now}
}

// Discoverer listens on a SampleSource and announces through a SampleSink.
// Either may be nil.
type Discoverer struct {
	codec  Codec
	source SampleSource
	sink   SampleSink
	opts   Options
	log    *zap.Logger

	mu         sync.Mutex
	listening  bool
	announcing bool
	last       string
	lastAt     time.Time
}

func New(codec Codec, source SampleSource, sink SampleSink, opts Options, log *zap.Logger) *Discoverer {
	d := DefaultOptions()
	if opts.Debounce == 0 {
		opts.Debounce = d.Debounce
	}
	if opts.Now == nil {
		opts.Now = d.Now
	}
	return &Discoverer{codec: codec, source: source, sink: sink, opts: opts, log: log}
}

// Run decodes captured audio until ctx ends and calls fn for every message
// that is not a repeat of the previous one within the debounce window.
// Only one Run may be active.
func (d *Discoverer) Run(ctx context.Context, fn func(text string)) error {
	if d.source == nil {
		return ErrNoSource
	}
	d.mu.Lock()
	if d.listening {
		d.mu.Unlock()
		return ErrBusy
	}
	d.listening = true
	d.last, d.lastAt = "", time.Time{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.listening = false
		d.mu.Unlock()
	}()

	d.log.Info("discovery: listening")
	for {
		chunk, err := d.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.log.Info("discovery: stopped")
				return nil
			}
			return fmt.Errorf("discovery: read samples: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		text, ok := d.codec.Decode(chunk)
		if !ok || text == "" {
			continue
		}
		if !d.fresh(text) {
			d.log.Debug("discovery: ignoring repeat", zap.String("text", text))
			continue
		}
		d.log.Info("discovery: heard", zap.String("text", text))
		fn(text)
	}
}

// Listening reports whether Run is active.
func (d *Discoverer) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listening
}

func (d *Discoverer) fresh(text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.Now()
	if text == d.last && now.Sub(d.lastAt) <= d.opts.Debounce {
		return false
	}
	d.last, d.lastAt = text, now
	return true
}

// Announce encodes text and plays it once. It refuses while another
// announcement is playing.
func (d *Discoverer) Announce(ctx context.Context, text string) error {
	switch {
	case d.sink == nil:
		return ErrNoSink
	case text == "":
		return ErrEmptyPayload
	case len(text) > MaxPayload:
		return ErrPayloadTooLong
	}

	d.mu.Lock()
	if d.announcing {
		d.mu.Unlock()
		return ErrBusy
	}
	d.announcing = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.announcing = false
		d.mu.Unlock()
	}()

	samples, err := d.codec.Encode(text)
	if err != nil {
		return fmt.Errorf("discovery: encode: %w", err)
	}
	if len(samples) == 0 {
		return errors.New("discovery: codec produced no samples")
	}
	if err := d.sink.Play(ctx, samples); err != nil {
		return fmt.Errorf("discovery: play: %w", err)
	}
	d.log.Info("discovery: announced", zap.String("text", text), zap.Int("samples", len(samples)))
	return nil
}
