// Package decoder adapts a host-provided decode capability to the
// ingest pipeline's chunk-in/frame-out contract, isolating the rest of
// the pipeline from the decoder's own error and reset semantics.
package decoder

import (
	"log/slog"

	"github.com/clipforge/ingestpipe/internal/errs"
	"github.com/clipforge/ingestpipe/internal/media"
)

// Capability is the subset of a host decoder (e.g. a WebCodecs
// VideoDecoder, or any platform decode surface the host embeds) the
// pipeline depends on. Accepting an interface rather than a concrete
// type keeps Decoder testable against a stub.
type Capability interface {
	// Configure primes the decoder for a track. Called exactly once
	// before the first Decode, and again after every Reset.
	Configure(cfg media.DecoderConfig) error

	// Decode submits one chunk and returns the frame it produces, or an
	// error if the chunk could not be decoded.
	Decode(chunk media.EncodedChunk) (*media.RawFrame, error)

	// Reset discards any in-flight decode state. The decoder is
	// Configure'd again before accepting further chunks.
	Reset() error

	// Close releases the underlying decoder resource.
	Close() error
}

// Decoder wraps a Capability with the pipeline's error-recovery policy:
// a failed Decode becomes a non-fatal DecodeError, the capability is
// reset, and chunks are dropped until the next Key chunk re-primes it.
type Decoder struct {
	log *slog.Logger
	cap Capability
	cfg media.DecoderConfig

	onFrame func(*media.RawFrame)
	onError func(error)

	configured  bool
	awaitingKey bool
}

// New creates a Decoder over cap. If log is nil, slog.Default() is
// used.
func New(cap Capability, log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log: log.With("component", "decoder"),
		cap: cap,
	}
}

// OnFrame registers the callback invoked once per decoded frame, in
// presentation order (the order the Capability returns frames in).
func (d *Decoder) OnFrame(fn func(*media.RawFrame)) { d.onFrame = fn }

// OnError registers the callback invoked on a non-fatal DecodeError.
func (d *Decoder) OnError(fn func(error)) { d.onError = fn }

// Configure primes the underlying capability. Called once, before any
// Submit, with the DecoderConfig the demuxer emitted.
func (d *Decoder) Configure(cfg media.DecoderConfig) error {
	if err := d.cap.Configure(cfg); err != nil {
		return err
	}
	d.cfg = cfg
	d.configured = true
	return nil
}

// Submit accepts one chunk in decode order. While awaiting a re-prime
// after a reset, non-Key chunks are silently dropped (they cannot be
// decoded without the reference frame chain a Key chunk restarts).
func (d *Decoder) Submit(chunk media.EncodedChunk) {
	if !d.configured {
		d.report(&errs.DecodeError{Cause: errs.ErrConfigurationError})
		return
	}

	if d.awaitingKey {
		if chunk.Kind != media.Key {
			d.log.Debug("dropping chunk while awaiting re-prime", "sample_index", chunk.SampleIndex)
			return
		}
		d.awaitingKey = false
	}

	frame, err := d.cap.Decode(chunk)
	if err != nil {
		d.handleDecodeError(err, chunk.SampleIndex)
		return
	}
	if frame != nil && d.onFrame != nil {
		d.onFrame(frame)
	}
}

func (d *Decoder) handleDecodeError(cause error, sampleIndex int64) {
	d.log.Warn("decode error, resetting", "error", cause, "sample_index", sampleIndex)
	d.awaitingKey = true

	if err := d.cap.Reset(); err != nil {
		d.log.Error("decoder reset failed", "error", err)
	} else if err := d.cap.Configure(d.cfg); err != nil {
		d.log.Error("decoder re-configure after reset failed", "error", err)
	}

	d.report(&errs.DecodeError{Cause: cause})
}

func (d *Decoder) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

// Close releases the underlying capability.
func (d *Decoder) Close() error {
	return d.cap.Close()
}
