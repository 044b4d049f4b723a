// Package media defines the core data types that flow through the
// ingest pipeline: encoded samples from the demuxer, decoded frames
// from the decoder, and the managed/progressive wrappers the rest of
// the pipeline builds on top of them.
package media

import (
	"sync/atomic"

	"github.com/clipforge/ingestpipe/internal/errs"
)

// Channel buffer sizes for a stage that decouples a producer from its
// consumer with a channel. No package in this module references them:
// the stages call one another synchronously on the worker goroutine,
// and the FrameBufferManager's memory cap is the backpressure mechanism.
const (
	ChunkBufferSize = 64
	FrameBufferSize = 32
)

// ChunkKind classifies an EncodedChunk as independently decodable
// (Key) or dependent on prior chunks (Delta).
type ChunkKind int

const (
	Delta ChunkKind = iota
	Key
)

func (k ChunkKind) String() string {
	if k == Key {
		return "key"
	}
	return "delta"
}

// EncodedChunk is one encoded video sample as read from the container,
// in decode order, ready to feed to a Decoder.
type EncodedChunk struct {
	Kind           ChunkKind
	PresentationTS int64 // microseconds
	DurationMicros int64
	Payload        []byte
	SampleIndex    int64 // monotonically increasing within the track
}

// DecoderConfig is emitted exactly once per track before any chunk,
// carrying everything a host Decoder needs to initialize.
type DecoderConfig struct {
	Codec         string // sample-entry fourCC, e.g. "avc1", "hev1", "vp09", "av01" ("vp08" becomes "vp8")
	CodedWidth    int
	CodedHeight   int
	ParameterSets []byte // raw bytes of the codec's config box (avcC/hvcC/vpcC/av1C), header stripped
}

// RawFrame is a single decoded picture produced by a Decoder. Close
// releases the underlying pixel buffer; it is idempotent and safe to
// call more than once, matching the "double free is fine" discipline
// the rest of the pipeline depends on.
type RawFrame struct {
	PresentationTS int64 // microseconds
	CodedWidth     int
	CodedHeight    int
	DisplayWidth   int
	DisplayHeight  int
	PixelFormat    string
	Payload        any // opaque handle owned by the host decoder capability

	closed atomic.Bool
	closeFn func()
}

// NewRawFrame constructs a RawFrame whose Close invokes closeFn exactly
// once. closeFn may be nil for frames with nothing to release (e.g. in
// tests).
func NewRawFrame(closeFn func()) *RawFrame {
	return &RawFrame{closeFn: closeFn}
}

// Close releases the frame's underlying resources. Safe to call more
// than once; only the first call has an effect.
func (f *RawFrame) Close() {
	if f.closed.CompareAndSwap(false, true) {
		if f.closeFn != nil {
			f.closeFn()
		}
	}
}

// Closed reports whether Close has already been called.
func (f *RawFrame) Closed() bool {
	return f.closed.Load()
}

// EstimatedSize returns the conservative RGBA8 upper bound used for
// memory accounting: displayWidth*displayHeight*4, falling back to a
// 1920x1080 estimate when dimensions are missing. This deliberately
// over-accounts for YUV formats (I420, NV12), which use less memory
// per pixel than the estimate assumes.
func (f *RawFrame) EstimatedSize() int64 {
	w, h := f.DisplayWidth, f.DisplayHeight
	if w <= 0 || h <= 0 {
		w, h = 1920, 1080
	}
	return int64(w) * int64(h) * 4
}

// Accessor guards against use of a closed frame, returning
// errs.ErrFrameClosed when the frame has already been closed.
func (f *RawFrame) Accessor() error {
	if f.Closed() {
		return errs.ErrFrameClosed
	}
	return nil
}

// Quality levels for a ProgressiveFrameGrid slot.
type Quality int

const (
	Empty Quality = iota
	Interpolated
	LowRes
	HighRes
)

func (q Quality) String() string {
	switch q {
	case Interpolated:
		return "interpolated"
	case LowRes:
		return "low_res"
	case HighRes:
		return "high_res"
	default:
		return "empty"
	}
}

// FrameSlot is one entry of a ProgressiveFrameGrid: a fixed-timestamp
// slot that starts Empty and is upgraded in place as the two-phase
// loader makes progress.
type FrameSlot struct {
	Index        int
	TimestampSec float64
	Quality      Quality
	Data         *RawFrame
	SourceIndex  int // valid only when Quality == Interpolated; index of the real slot it mirrors
	HasSource    bool
}

// OutputTick is one generated slot of the ideal output grid.
type OutputTick struct {
	IdealTS int64 // microseconds
	Index   int64
}

// PipelineState is the pipeline-wide counters rollup (spec.md data
// model): framesIn/framesOut/dropped only ever increase;
// currentMemoryBytes tracks live, and can fall as frames are released.
type PipelineState struct {
	FramesIn           int64
	FramesOut          int64
	Dropped            int64
	CurrentMemoryBytes int64
	SourceFPSEstimate  float64
	UptimeMillis       int64
}
