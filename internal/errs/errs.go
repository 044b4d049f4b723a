// Package errs collects the sentinel errors shared across the ingest
// pipeline's stages, so callers can errors.Is against a stable set
// regardless of which package raised the condition.
package errs

import "errors"

var (
	// ErrFrameClosed is returned by RawFrame accessors once Close has
	// been called.
	ErrFrameClosed = errors.New("media: frame already closed")

	// ErrFrameInvalid names the condition of using a frame the frame
	// buffer manager no longer tracks (already released, or never
	// acquired through it). framebuffer.Manager does not return it:
	// releasing an already-released frame there is a no-op.
	ErrFrameInvalid = errors.New("framebuffer: frame invalid or not tracked")

	// ErrConfigurationError means the demuxer could not locate or parse
	// the codec's parameter box. Fatal for the current clip.
	ErrConfigurationError = errors.New("demux: missing or malformed codec configuration box")

	// ErrUnsupportedCodec means the track's codec is not one of the
	// four supported families (H.264, H.265, VP8/9, AV1). Fatal for
	// the current clip.
	ErrUnsupportedCodec = errors.New("demux: unsupported codec")

	// ErrSeekTimeout means a progressive-grid seek did not complete
	// within the configured deadline. Non-fatal; the slot stays Empty.
	ErrSeekTimeout = errors.New("progressive: seek timed out")

	// ErrCorruptSample means a fragment's sample table could not be
	// parsed or referenced bytes outside the buffered window. Fatal for
	// the current clip; the demuxer stops after reporting it.
	ErrCorruptSample = errors.New("demux: corrupted sample")

	// ErrTruncatedStream means the source was closed with a box only
	// partially buffered.
	ErrTruncatedStream = errors.New("demux: stream closed mid-box")

	// ErrRequestTimeout means a host request/response message (e.g.
	// get_performance_metrics) was not resolved within the 10-second
	// correlation timeout. The host registry drops the pending entry;
	// a late response, if it ever arrives, is ignored.
	ErrRequestTimeout = errors.New("orchestrator: request timed out")
)

// DecodeError wraps a transient error from the host decoder capability.
// Non-fatal: decoder.Decoder resets the capability and resumes at the
// next Key chunk.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Cause.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
