// Package orchestrator wires the demuxer, decoder, rate controller,
// frame buffer manager and performance monitor into the single worker
// domain described in spec.md §5, and implements the host<->worker
// message protocol spec.md §4.7 names.
//
// Everything that touches pipeline state (demuxer, decoder, rate
// controller, buffer manager, monitor) is only ever driven from the
// goroutine running Run — there is no internal mutex guarding it,
// mirroring the single-threaded cooperative worker domain the spec
// describes. The one piece of state genuinely shared across goroutines
// is the request/response correlation registry (Request is meant to be
// called from the host's own goroutine), which is mutex-guarded.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/ingestpipe/internal/decoder"
	"github.com/clipforge/ingestpipe/internal/demux"
	"github.com/clipforge/ingestpipe/internal/errs"
	"github.com/clipforge/ingestpipe/internal/framebuffer"
	"github.com/clipforge/ingestpipe/internal/media"
	"github.com/clipforge/ingestpipe/internal/metrics"
	"github.com/clipforge/ingestpipe/internal/ratecontrol"
	"github.com/clipforge/ingestpipe/internal/timecalc"
)

const (
	feedChunkBytes = 64 * 1024
	requestTimeout = 10 * time.Second
	hostMsgBuffer  = 16
	sourceTSWindow = 30
)

// Orchestrator owns one clip's worth of pipeline state and drives it
// from ingest through to cleanup.
type Orchestrator struct {
	log *slog.Logger

	source  *demux.Source
	demuxer *demux.Demuxer
	decoder *decoder.Decoder
	buffers *framebuffer.Manager
	rate    *ratecontrol.Controller
	monitor *metrics.Monitor

	targetFps      int
	maxBufferSize  int
	startedAt      time.Time
	durationMicros int64
	sourceTS       []int64

	lastProcessingMs float64
	terminal         bool
	shutdownOnce     sync.Once
	cleanupSent      bool

	hostMsgs chan HostMessage
	mu       sync.Mutex
	pending  map[string]chan WorkerMessage

	onMessage func(WorkerMessage)
}

// New creates an Orchestrator. cap is the host decode capability; the
// other parameters seed the rate controller, buffer manager and
// performance monitor. A zero/negative value for any of them falls
// back to that component's own default.
func New(cap decoder.Capability, targetFps, maxBufferSize int, maxMemoryBytes int64, thresholds metrics.Thresholds, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "orchestrator")

	source := demux.NewSource()
	o := &Orchestrator{
		log:           log,
		source:        source,
		demuxer:       demux.New(source, log),
		decoder:       decoder.New(cap, log),
		buffers:       framebuffer.New(maxMemoryBytes, log),
		rate:          ratecontrol.New(targetFps, maxBufferSize, log),
		monitor:       metrics.New(thresholds, log),
		targetFps:     targetFps,
		maxBufferSize: maxBufferSize,
		hostMsgs:      make(chan HostMessage, hostMsgBuffer),
		pending:       make(map[string]chan WorkerMessage),
	}
	o.wire()
	return o
}

// OnMessage registers the callback invoked for every worker->host
// message. Must be called before Run.
func (o *Orchestrator) OnMessage(fn func(WorkerMessage)) { o.onMessage = fn }

func (o *Orchestrator) wire() {
	o.demuxer.OnReady(func(info demux.ReadyInfo) {
		o.durationMicros = info.DurationMs * 1000
		if err := o.decoder.Configure(o.demuxer.DecoderConfig()); err != nil {
			o.reportError(err, "decoder configure")
			return
		}
		o.send(WorkerMessage{
			Type: MsgStartProcessing,
			StartProcessing: &StartProcessingPayload{
				ReadyInfo:     info,
				TargetFPS:     o.targetFps,
				MaxBufferSize: o.maxBufferSize,
			},
		})
		o.demuxer.RequestExtraction()
	})

	o.demuxer.OnChunk(func(chunk media.EncodedChunk) {
		// Each sample is also a suspension point: a cleanup or terminate
		// that arrives mid feed chunk stops decoding at the next sample.
		o.drainPendingHostMessages()
		if o.terminal {
			return
		}
		start := time.Now()
		o.decoder.Submit(chunk)
		o.lastProcessingMs = float64(time.Since(start).Microseconds()) / 1000
	})

	o.demuxer.OnError(func(err error) {
		o.reportError(err, "demux")
	})

	o.decoder.OnFrame(func(frame *media.RawFrame) {
		o.recordSourceTS(frame.PresentationTS)
		o.rate.Process(frame, ratecontrol.Meta{Quality: 1.0})
	})

	o.decoder.OnError(func(err error) {
		o.monitor.RecordDrop()
		o.reportError(err, "decode")
	})

	o.rate.OnEmit(o.handleEmittedFrame)

	o.buffers.OnMemoryWarning(func(w framebuffer.MemoryWarning) {
		o.send(WorkerMessage{Type: MsgMemoryWarning, MemoryWarning: &w})
	})
}

func (o *Orchestrator) recordSourceTS(ts int64) {
	o.sourceTS = append(o.sourceTS, ts)
	if len(o.sourceTS) > sourceTSWindow {
		o.sourceTS = o.sourceTS[len(o.sourceTS)-sourceTSWindow:]
	}
}

// handleEmittedFrame is the rate controller's OnEmit callback. Every
// frame the rate controller selects for an output tick is acquired
// through the buffer manager here — this is the point in the pipeline
// where a candidate becomes the frame the host will actually receive,
// matching spec.md §4.2's "total decoded-frame memory" framing: the
// rate controller's own buffer bounds the pre-selection candidate
// pool (by count, via maxBufferSize), the buffer manager bounds the
// post-selection, host-bound frame (by bytes). The host is expected to
// call Release once it is done with the frame.
func (o *Orchestrator) handleEmittedFrame(frame *media.RawFrame, meta ratecontrol.EmitMeta) {
	mf := o.buffers.Acquire(frame, framebuffer.Meta{Label: "frame_processed"})
	stats := o.buffers.Stats()

	// Live-decoded frames carry no independent quality signal of their
	// own; media.HighRes (reused from the progressive grid's quality
	// levels, per the quality histogram's shape) stands for "a fully
	// decoded frame" here, as opposed to the grid's seek-derived tiers.
	alerts := o.monitor.RecordFrame(o.lastProcessingMs, stats.CurrentBytes, media.HighRes)
	if len(alerts) > 0 {
		o.send(WorkerMessage{Type: MsgPerformanceAlert, PerformanceAlerts: alerts})
	}

	o.send(WorkerMessage{
		Type: MsgFrameProcessed,
		FrameProcessed: &FrameProcessedPayload{
			Index:       meta.Index,
			TS:          meta.AdjustedTS,
			FrameRate:   o.monitor.Snapshot().OutputFPS,
			MemoryBytes: stats.CurrentBytes,
			BufferSize:  o.rate.BufferLen(),
			Frame:       frame,
			managed:     mf,
		},
	})
}

// Release returns a delivered frame's memory to the buffer manager.
// The host calls this once it has finished with the frame (e.g. after
// handing pixels to a renderer). A nil payload, or one already
// released, is a no-op.
func (o *Orchestrator) Release(p *FrameProcessedPayload) {
	if p == nil || p.managed == nil {
		return
	}
	o.buffers.Release(p.managed)
	p.managed = nil
}

func (o *Orchestrator) reportError(err error, context string) {
	o.log.Error("pipeline error", "error", err, "context", context)
	o.send(WorkerMessage{Type: MsgError, Error: &ErrorPayload{Message: err.Error(), Context: context}})
}

// Run feeds data into the demuxer in fixed-size chunks, checking for
// pending host messages between chunks and before each demuxed sample
// is decoded (the worker domain's cooperative suspension points). It
// returns once the clip has been
// fully processed and the shutdown sequence has completed, or once ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context, data []byte) error {
	o.startedAt = time.Now()
	o.send(WorkerMessage{
		Type: MsgWorkerReady,
		WorkerReady: &WorkerReadyPayload{
			TargetFPS:        o.targetFps,
			MemoryLimitBytes: o.buffers.Stats().MaxBytes,
		},
	})

	offset := 0
	for offset < len(data) && !o.terminal {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case msg := <-o.hostMsgs:
			o.handleInline(msg)
		default:
		}
		if o.terminal {
			break
		}

		end := offset + feedChunkBytes
		if end > len(data) {
			end = len(data)
		}
		o.demuxer.Append(data[offset:end])
		offset = end
	}

	if !o.terminal {
		o.demuxer.Finish()
	}

	o.drainPendingHostMessages()
	o.shutdown()
	return nil
}

func (o *Orchestrator) drainPendingHostMessages() {
	for {
		select {
		case msg := <-o.hostMsgs:
			o.handleInline(msg)
		default:
			return
		}
	}
}

func (o *Orchestrator) handleInline(msg HostMessage) {
	switch msg.Type {
	case MsgSetTargetFPS:
		o.targetFps = msg.TargetFPS
		o.rate.SetTargetFPS(msg.TargetFPS)
	case MsgSetMemoryLimit:
		o.buffers.SetMaxBytes(msg.MemoryLimitBytes)
	case MsgGetPerformanceMetrics:
		o.respondMetrics(msg.RequestID)
	case MsgCleanup, MsgTerminate:
		o.terminal = true
	}
}

func (o *Orchestrator) respondMetrics(requestID string) {
	snap := o.Snapshot()
	o.send(WorkerMessage{Type: MsgPerformanceMetricsResult, RequestID: requestID, PerformanceSnapshot: &snap})
}

// Snapshot assembles the pipeline-wide counters rollup plus the
// performance monitor's rolling window.
func (o *Orchestrator) Snapshot() Snapshot {
	stats := o.buffers.Stats()
	return Snapshot{
		PipelineState: media.PipelineState{
			FramesIn:           o.rate.In(),
			FramesOut:          o.rate.Out(),
			Dropped:            o.rate.Dropped(),
			CurrentMemoryBytes: stats.CurrentBytes,
			SourceFPSEstimate:  timecalc.EstimateFPS(o.sourceTS),
			UptimeMillis:       time.Since(o.startedAt).Milliseconds(),
		},
		Metrics: o.monitor.Snapshot(),
	}
}

// Notify delivers a one-way host->worker message (set_target_fps,
// set_memory_limit, cleanup, terminate) into the worker's inbox.
// Non-blocking: if the inbox's buffer (16 messages) is full, the
// message is dropped and logged. A message sent after Run has returned
// is buffered but never handled.
func (o *Orchestrator) Notify(msg HostMessage) {
	select {
	case o.hostMsgs <- msg:
	default:
		o.log.Warn("dropped host message, worker inbox full or closed", "type", msg.Type)
	}
}

// Request delivers get_performance_metrics and waits for its
// correlated response, the host request/response registry spec.md
// §4.7 describes. It returns errs.ErrRequestTimeout if no response
// arrives within 10 seconds; a late response is then ignored.
func (o *Orchestrator) Request(ctx context.Context, msg HostMessage) (WorkerMessage, error) {
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	respCh := make(chan WorkerMessage, 1)
	o.mu.Lock()
	o.pending[msg.RequestID] = respCh
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, msg.RequestID)
		o.mu.Unlock()
	}()

	select {
	case o.hostMsgs <- msg:
	case <-ctx.Done():
		return WorkerMessage{}, ctx.Err()
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(requestTimeout):
		return WorkerMessage{}, errs.ErrRequestTimeout
	case <-ctx.Done():
		return WorkerMessage{}, ctx.Err()
	}
}

// send delivers msg to OnMessage and resolves any pending Request it
// answers. Once cleanup_complete has been posted, every subsequent
// message but a duplicate cleanup_complete is dropped — Testable
// Property #4: no frame is ever delivered after cleanup_complete.
func (o *Orchestrator) send(msg WorkerMessage) {
	if o.cleanupSent && msg.Type != MsgCleanupComplete {
		o.log.Warn("dropping message after cleanup_complete", "type", msg.Type)
		return
	}

	if o.onMessage != nil {
		o.onMessage(msg)
	}

	if msg.RequestID == "" {
		return
	}
	o.mu.Lock()
	ch, ok := o.pending[msg.RequestID]
	o.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// shutdown runs the spec.md §4.7 teardown sequence exactly once, even
// if Run's feed loop and an explicit Notify(terminate) both trigger
// it. Steps (a)-(f): new frames have already stopped by the time this
// runs (Run's loop only calls shutdown after breaking out), flush the
// rate controller, drain the buffer manager, close the decoder, then
// post cleanup_complete.
//
// An early cleanup/terminate (o.terminal) only flushes the single
// already-buffered winner (spec.md §8 S5: "flushes ≤ 1 further emitted
// frame"). Reaching shutdown via a natural end of stream instead keeps
// re-presenting that winner through the clip's nominal duration first
// (spec.md §8 S3), so a below-target-fps tail isn't dropped just
// because the source stopped producing frames before the clip's
// actual end.
func (o *Orchestrator) shutdown() {
	o.shutdownOnce.Do(func() {
		o.log.Info("shutdown sequence starting")

		if o.terminal {
			o.rate.Flush()
		} else {
			o.rate.FlushUntil(o.durationMicros)
		}
		o.buffers.Drain()
		// The monitor samples are recorded inline with each emitted frame
		// rather than on a background interval, so there is no ticker to
		// stop here.
		if err := o.decoder.Close(); err != nil {
			o.log.Error("decoder close failed during shutdown", "error", err)
		}

		o.cleanupSent = true
		o.send(WorkerMessage{
			Type:            MsgCleanupComplete,
			CleanupComplete: &CleanupCompletePayload{TS: time.Now().UnixMilli()},
		})

		o.log.Info("shutdown sequence complete")
	})
}
