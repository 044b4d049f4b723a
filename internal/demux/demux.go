// Package demux turns a fragmented ISOBMFF byte stream into an ordered
// sequence of encoded video samples, following the state machine and
// decode-order contract the ingest pipeline's worker thread expects
// before handing chunks to the decoder.
package demux

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/clipforge/ingestpipe/internal/errs"
	"github.com/clipforge/ingestpipe/internal/isobmff"
	"github.com/clipforge/ingestpipe/internal/media"
)

// State is one stage of the demuxer's lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateAppendingBytes
	StateReady
	StateStreaming
	StateComplete
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAppendingBytes:
		return "appending_bytes"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// supportedCodecs is the set of codec tags the host decoder accepts,
// keyed post-normalization (so "vp8", not "vp08").
var supportedCodecs = map[string]bool{
	"avc1": true, "avc3": true, // H.264
	"hev1": true, "hvc1": true, // H.265
	"vp8": true, "vp09": true, // VP8/VP9
	"av01": true, // AV1
}

// configBoxForCodec names the expected parameter box per codec family,
// used only for diagnostic messages.
var configBoxForCodec = map[string]string{
	"avc1": "avcC", "avc3": "avcC",
	"hev1": "hvcC", "hvc1": "hvcC",
	"vp8": "vpcC", "vp09": "vpcC",
	"av01": "av1C",
}

// TrackInfo is the subset of a track's metadata reported via OnReady.
type TrackInfo struct {
	Width     int
	Height    int
	NbSamples int // not filled in by Demuxer; always 0
	Codec     string
	Timescale uint32
	Duration  uint64
}

// ReadyInfo is delivered exactly once, when the movie header and the
// chosen video track's sample description have been parsed.
type ReadyInfo struct {
	DurationMs int64
	Tracks     []TrackInfo
}

// Demuxer parses a Source's buffered bytes into EncodedChunks in
// decode order, following Uninitialized -> AppendingBytes -> Ready ->
// Streaming -> Complete|Errored.
type Demuxer struct {
	log    *slog.Logger
	source *Source

	onReady func(ReadyInfo)
	onChunk func(media.EncodedChunk)
	onError func(error)

	mu                  sync.Mutex
	state               State
	extractionRequested bool

	videoTrack isobmff.Track
	moovEnd    int64
	nextScan   int64
	sampleIdx  int64
	sawFirst   bool
}

// New creates a Demuxer reading from source. If log is nil,
// slog.Default() is used.
func New(source *Source, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:    log.With("component", "demux"),
		source: source,
	}
}

// OnReady registers the callback fired once with track/duration
// metadata after the moov box is parsed.
func (d *Demuxer) OnReady(fn func(ReadyInfo)) { d.onReady = fn }

// OnChunk registers the callback fired once per sample, in decode
// order, once streaming has started.
func (d *Demuxer) OnChunk(fn func(media.EncodedChunk)) { d.onChunk = fn }

// OnError registers the callback fired on any fatal parse failure;
// the demuxer transitions to Errored and stops after calling it.
func (d *Demuxer) OnError(fn func(error)) { d.onError = fn }

// State returns the demuxer's current lifecycle state.
func (d *Demuxer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// DecoderConfig returns the parameter box info derived from the chosen
// video track's sample description. Only meaningful once State() is
// Ready or later.
func (d *Demuxer) DecoderConfig() media.DecoderConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return media.DecoderConfig{
		Codec:         d.videoTrack.Codec,
		CodedWidth:    d.videoTrack.Width,
		CodedHeight:   d.videoTrack.Height,
		ParameterSets: d.videoTrack.ConfigBox,
	}
}

// Append feeds new bytes into the underlying Source and advances
// parsing as far as the buffered window allows.
func (d *Demuxer) Append(data []byte) {
	d.source.Append(data)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pump()
}

// RequestExtraction permits the Ready -> Streaming transition. Any
// fragments already buffered are processed immediately.
func (d *Demuxer) RequestExtraction() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extractionRequested = true
	d.pump()
}

// Finish marks the source closed (no further Append calls will come)
// and resolves the terminal state: Complete if every buffered box was
// fully consumed, Errored if something was left mid-box.
func (d *Demuxer) Finish() {
	d.source.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pump()

	if d.state != StateStreaming {
		if d.state == StateAppendingBytes {
			d.fail(fmt.Errorf("%w: end of stream before moov box", errs.ErrConfigurationError))
		}
		return
	}

	buf, fileStart, _ := d.source.snapshot()
	if d.nextScan == fileStart+int64(len(buf)) {
		d.state = StateComplete
		return
	}
	d.fail(errs.ErrTruncatedStream)
}

// pump runs the state machine as far as the currently buffered bytes
// allow. Caller must hold d.mu.
func (d *Demuxer) pump() {
	switch d.state {
	case StateUninitialized:
		d.state = StateAppendingBytes
		fallthrough
	case StateAppendingBytes:
		if !d.tryParseInit() {
			return
		}
		fallthrough
	case StateReady:
		if !d.extractionRequested {
			return
		}
		d.state = StateStreaming
		fallthrough
	case StateStreaming:
		d.pumpFragments()
	}
}

// tryParseInit attempts to parse ftyp/moov from the start of the
// buffer. Returns true once moov has been found and Ready has fired.
func (d *Demuxer) tryParseInit() bool {
	buf, fileStart, _ := d.source.snapshot()
	pos := fileStart

	for {
		rel := pos - fileStart
		if rel+8 > int64(len(buf)) {
			return false // need more bytes for the next box header
		}
		c := isobmff.NewCursor(buf[rel:])
		h, err := c.ReadBoxHeader()
		if err != nil {
			return false
		}
		if rel+h.Size > int64(len(buf)) {
			return false // box not fully buffered yet
		}

		if h.Is("moov") {
			body, err := c.ChildCursor(h)
			if err != nil {
				d.fail(fmt.Errorf("%w: %v", errs.ErrConfigurationError, err))
				return false
			}
			info, err := isobmff.ParseMoov(body)
			if err != nil {
				d.fail(fmt.Errorf("%w: %v", errs.ErrConfigurationError, err))
				return false
			}
			return d.onMoovParsed(info, pos+h.Size)
		}

		pos += h.Size
	}
}

func (d *Demuxer) onMoovParsed(info isobmff.MovieInfo, moovEnd int64) bool {
	var video *isobmff.Track
	for i := range info.Tracks {
		if info.Tracks[i].IsVideo() {
			video = &info.Tracks[i]
			break
		}
	}
	if video == nil {
		d.fail(fmt.Errorf("%w: no video track in moov", errs.ErrConfigurationError))
		return false
	}
	if len(video.ConfigBox) == 0 {
		d.fail(fmt.Errorf("%w: track %q has no %s box", errs.ErrConfigurationError, video.Codec, configBoxForCodec[video.Codec]))
		return false
	}
	if !supportedCodecs[video.Codec] {
		d.fail(fmt.Errorf("%w: %q", errs.ErrUnsupportedCodec, video.Codec))
		return false
	}

	d.videoTrack = *video
	d.moovEnd = moovEnd
	d.nextScan = moovEnd
	d.state = StateReady

	if d.onReady != nil {
		ready := ReadyInfo{
			DurationMs: info.DurationMs(),
			Tracks: []TrackInfo{{
				Width:     video.Width,
				Height:    video.Height,
				Codec:     video.Codec,
				Timescale: video.Timescale,
				Duration:  video.DurationDur,
			}},
		}
		// d.mu is released for the callback so it can call back into the
		// demuxer (DecoderConfig, RequestExtraction).
		d.mu.Unlock()
		d.onReady(ready)
		d.mu.Lock()
	}
	return d.state == StateReady || d.state == StateStreaming
}

// pumpFragments scans moof boxes from nextScan forward, emitting every
// sample belonging to the chosen video track in decode order. A
// fragment is only processed once its entire sample payload range is
// buffered; otherwise the scan stops and resumes on the next Append.
func (d *Demuxer) pumpFragments() {
	buf, fileStart, _ := d.source.snapshot()
	pos := d.nextScan

	for {
		rel := pos - fileStart
		if rel < 0 {
			d.fail(fmt.Errorf("%w: scan position before buffered window", errs.ErrCorruptSample))
			return
		}
		if rel+8 > int64(len(buf)) {
			d.nextScan = pos
			return
		}
		c := isobmff.NewCursor(buf[rel:])
		h, err := c.ReadBoxHeader()
		if err != nil {
			d.nextScan = pos
			return
		}
		if rel+h.Size > int64(len(buf)) {
			d.nextScan = pos
			return
		}

		if h.Is("moof") {
			body, err := c.ChildCursor(h)
			if err != nil {
				d.fail(fmt.Errorf("%w: %v", errs.ErrCorruptSample, err))
				return
			}
			frag, err := isobmff.ParseMoof(body, pos, d.videoTrack.ID)
			if err != nil {
				d.fail(fmt.Errorf("%w: %v", errs.ErrCorruptSample, err))
				return
			}
			if frag != nil && len(frag.Samples) > 0 {
				if !d.withinBufferedWindow(frag, fileStart, int64(len(buf))) {
					d.nextScan = pos
					return // payload not fully buffered; wait for more bytes
				}
				d.emitFragment(frag, buf, fileStart)
			}
		}

		pos += h.Size
		d.nextScan = pos
	}
}

func (d *Demuxer) withinBufferedWindow(frag *isobmff.Fragment, fileStart, bufLen int64) bool {
	for _, s := range frag.Samples {
		if s.Offset-fileStart < 0 || s.Offset-fileStart+int64(s.Size) > bufLen {
			return false
		}
	}
	return true
}

func (d *Demuxer) emitFragment(frag *isobmff.Fragment, buf []byte, fileStart int64) {
	timescale := int64(d.videoTrack.Timescale)
	if timescale == 0 {
		timescale = 1
	}

	for _, s := range frag.Samples {
		rel := s.Offset - fileStart
		payload := make([]byte, s.Size)
		copy(payload, buf[rel:rel+int64(s.Size)])

		if !d.sawFirst && !s.IsSync {
			d.log.Warn("first emitted sample is not a sync sample")
		}
		d.sawFirst = true

		kind := media.Delta
		if s.IsSync {
			kind = media.Key
		}

		cts := int64(s.DecodeTime) + int64(s.CompositionOff)
		chunk := media.EncodedChunk{
			Kind:           kind,
			PresentationTS: 1_000_000 * cts / timescale,
			DurationMicros: 1_000_000 * int64(s.DurationUnits) / timescale,
			Payload:        payload,
			SampleIndex:    d.sampleIdx,
		}
		d.sampleIdx++

		if d.onChunk != nil {
			d.onChunk(chunk)
		}
	}
}

// fail transitions to Errored and reports err. Caller must hold d.mu.
func (d *Demuxer) fail(err error) {
	d.state = StateErrored
	d.log.Error("demux failed", "error", err)
	if d.onError != nil {
		d.onError(err)
	}
}
