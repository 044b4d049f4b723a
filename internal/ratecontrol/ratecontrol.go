// Package ratecontrol converts an arbitrary input frame cadence into a
// fixed target output cadence, buffering recently decoded frames and
// picking the single best-scoring one for each output tick.
package ratecontrol

import (
	"log/slog"
	"time"

	"github.com/clipforge/ingestpipe/internal/media"
)

// DefaultTargetFPS and DefaultMaxBufferSize are applied when a
// Controller is constructed with a zero value. DefaultTimeWeight and
// DefaultQualityWeight are the scoring weights applied unless
// overridden via SetWeights; they must sum to 1.0.
const (
	DefaultTargetFPS     = 24
	DefaultMaxBufferSize = 10
	DefaultTimeWeight    = 0.7
	DefaultQualityWeight = 0.3
)

// Meta carries the per-frame hints a producer attaches when calling
// Process; Quality defaults to 1.0 when unset (the zero value).
type Meta struct {
	Quality float64
}

// EmitMeta accompanies every frame handed to the OnEmit callback,
// recording how the controller rewrote its timestamp.
type EmitMeta struct {
	OriginalTS int64
	AdjustedTS int64
	Index      int64
}

type entry struct {
	frame   *media.RawFrame
	ts      int64
	quality float64
	addedAt time.Time
	won     bool // already emitted at least once; a later close is reuse teardown, not a drop
}

// Controller resamples a variable-cadence stream of decoded frames to
// targetFps, emitting exactly one frame per output tick via OnEmit.
//
// A winning frame is not evicted from the buffer the moment it is
// emitted: when the source runs below targetFps, the same decoded
// frame is the best available candidate for several consecutive
// ticks, and is re-presented (a fresh RawFrame view, distinct
// adjusted timestamp) until a fresher frame arrives to supersede it.
// It is only actually closed once superseded or the controller shuts
// down, so the controller never stalls waiting for new input.
type Controller struct {
	log *slog.Logger

	targetFps        int
	maxBufferSize    int
	targetIntervalUs int64
	timeWeight       float64
	qualityWeight    float64

	onEmit func(*media.RawFrame, EmitMeta)

	buffer       []entry
	lastOutputTs int64
	in, out      int64
	dropped      int64
}

// New creates a Controller. targetFps and maxBufferSize fall back to
// DefaultTargetFPS/DefaultMaxBufferSize when <= 0. If log is nil,
// slog.Default() is used.
func New(targetFps, maxBufferSize int, log *slog.Logger) *Controller {
	if targetFps <= 0 {
		targetFps = DefaultTargetFPS
	}
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:              log.With("component", "ratecontrol"),
		targetFps:        targetFps,
		maxBufferSize:    maxBufferSize,
		targetIntervalUs: int64(time.Second/time.Microsecond) / int64(targetFps),
		timeWeight:       DefaultTimeWeight,
		qualityWeight:    DefaultQualityWeight,
	}
}

// SetWeights overrides the time/quality scoring weights (spec.md §6's
// timeWeight/qualityWeight configuration keys). Ignored unless the two
// sum to 1.0.
func (c *Controller) SetWeights(timeWeight, qualityWeight float64) {
	if timeWeight+qualityWeight != 1.0 {
		return
	}
	c.timeWeight = timeWeight
	c.qualityWeight = qualityWeight
}

// OnEmit registers the callback invoked once per output tick with the
// selected frame and its timestamp rewrite.
func (c *Controller) OnEmit(fn func(*media.RawFrame, EmitMeta)) { c.onEmit = fn }

// SetTargetFPS reconfigures the output cadence mid-stream, per the
// host's set_target_fps message. lastOutputTs is left untouched, so
// the next tick lands targetInterval (at the new rate) after the last
// one actually emitted rather than snapping back to the stream origin.
func (c *Controller) SetTargetFPS(targetFps int) {
	if targetFps <= 0 {
		return
	}
	c.targetFps = targetFps
	c.targetIntervalUs = int64(time.Second/time.Microsecond) / int64(targetFps)
}

// In returns the number of frames accepted via Process.
func (c *Controller) In() int64 { return c.in }

// Out returns the number of frames emitted so far.
func (c *Controller) Out() int64 { return c.out }

// Dropped returns the number of buffered frames closed without ever
// being emitted (superseded by a better candidate before their tick
// came up, or discarded already-closed).
func (c *Controller) Dropped() int64 { return c.dropped }

// BufferLen returns the number of frames currently held awaiting
// selection.
func (c *Controller) BufferLen() int { return len(c.buffer) }

// Process appends frame to the buffer, then emits a tick for every
// target interval the new frame's timestamp has reached or passed.
// A source slower than targetFps crosses more than one interval per
// call; each such tick re-presents the best candidate still buffered
// rather than stalling.
func (c *Controller) Process(frame *media.RawFrame, meta Meta) {
	quality := meta.Quality
	if quality == 0 {
		quality = 1.0
	}

	c.buffer = append(c.buffer, entry{
		frame:   frame,
		ts:      frame.PresentationTS,
		quality: quality,
		addedAt: time.Now(),
	})
	c.in++

	for frame.PresentationTS >= c.lastOutputTs+c.targetIntervalUs {
		c.emitTick(true)
	}
	if len(c.buffer) >= c.maxBufferSize {
		c.emitTick(true)
	}
}

// EmitBest scores every buffered entry against the current target
// tick and emits the highest scorer, advancing lastOutputTs by exactly
// one target interval. A no-op when the buffer is empty.
func (c *Controller) EmitBest() {
	c.emitTick(true)
}

// emitTick runs one tick of selection. When retainWinner is true, the
// winning entry stays in the buffer for potential reuse on the next
// tick; Flush passes false so the buffer actually drains.
func (c *Controller) emitTick(retainWinner bool) {
	if len(c.buffer) == 0 {
		return
	}

	targetTs := c.lastOutputTs + c.targetIntervalUs

	best := 0
	bestScore := -1.0
	for i, e := range c.buffer {
		score := c.score(e, targetTs)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	selected := c.buffer[best]
	c.lastOutputTs = targetTs

	for i := 0; i < best; i++ {
		c.buffer[i].frame.Close()
		if !c.buffer[i].won {
			c.dropped++
		}
	}

	if err := selected.frame.Accessor(); err != nil {
		c.log.Warn("dropping selected frame, already closed", "error", err)
		c.buffer = append([]entry{}, c.buffer[best+1:]...)
		if !selected.won {
			c.dropped++
		}
		return
	}

	c.buffer[best].won = true
	if retainWinner {
		c.buffer = append([]entry{}, c.buffer[best:]...)
	} else {
		selected.frame.Close()
		c.buffer = append([]entry{}, c.buffer[best+1:]...)
	}

	c.out++
	emitted := media.NewRawFrame(nil)
	emitted.PresentationTS = targetTs
	emitted.CodedWidth = selected.frame.CodedWidth
	emitted.CodedHeight = selected.frame.CodedHeight
	emitted.DisplayWidth = selected.frame.DisplayWidth
	emitted.DisplayHeight = selected.frame.DisplayHeight
	emitted.PixelFormat = selected.frame.PixelFormat
	emitted.Payload = selected.frame.Payload

	if c.onEmit != nil {
		c.onEmit(emitted, EmitMeta{
			OriginalTS: selected.ts,
			AdjustedTS: targetTs,
			Index:      c.out - 1,
		})
	}
}

func (c *Controller) score(e entry, targetTs int64) float64 {
	delta := targetTs - e.ts
	if delta < 0 {
		delta = -delta
	}
	timeScore := 1 - float64(delta)/float64(c.targetIntervalUs)
	if timeScore < 0 {
		timeScore = 0
	}
	return c.timeWeight*timeScore + c.qualityWeight*e.quality
}

// Flush repeatedly emits the best buffered candidate, evicting each
// winner for real, until the buffer is empty.
func (c *Controller) Flush() {
	for len(c.buffer) > 0 {
		c.emitTick(false)
	}
}

// FlushUntil re-presents the retained winner tick by tick — the same
// catch-up behavior Process applies while the stream is live — while
// at least two more ticks fit at or before endTs (the clip's nominal
// end, in microseconds), then does a real Flush to drain whatever
// remains; with only the retained winner left, that Flush emits the
// last tick at or before endTs.
// Without this, a source slower than targetFps loses its final
// several ticks at end of stream: Process's own catch-up loop only
// runs when a new frame arrives, and nothing re-presents the last
// buffered frame for the ticks between the last decoded frame and the
// clip's actual end once the source has stopped producing frames.
func (c *Controller) FlushUntil(endTs int64) {
	for len(c.buffer) > 0 && c.lastOutputTs+2*c.targetIntervalUs <= endTs {
		c.emitTick(true)
	}
	c.Flush()
}

// Shutdown closes every buffered frame without emitting it and zeroes
// all counters.
func (c *Controller) Shutdown() {
	for _, e := range c.buffer {
		e.frame.Close()
	}
	c.buffer = nil
	c.lastOutputTs = 0
	c.in = 0
	c.out = 0
	c.dropped = 0
}
