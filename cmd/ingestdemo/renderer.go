package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/clipforge/ingestpipe/internal/orchestrator"
)

// renderer turns the worker->host message stream into terminal
// output: a progress bar counting frames processed, whose total is the
// track's NbSamples from start_processing (the demuxer leaves that
// field at 0), plus colored log lines for the events a progress bar
// can't show (warnings, alerts, errors, cleanup).
type renderer struct {
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	cyan     *color.Color
	yellow   *color.Color
	red      *color.Color
	green    *color.Color
	received int
}

func newRenderer() *renderer {
	return &renderer{
		cyan:   color.New(color.FgCyan, color.Bold),
		yellow: color.New(color.FgYellow, color.Bold),
		red:    color.New(color.FgRed, color.Bold),
		green:  color.New(color.FgGreen, color.Bold),
	}
}

func (r *renderer) handle(msg orchestrator.WorkerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case orchestrator.MsgWorkerReady:
		_, _ = r.cyan.Fprintln(os.Stderr, "worker ready")

	case orchestrator.MsgStartProcessing:
		p := msg.StartProcessing
		total := 0
		if len(p.Tracks) > 0 {
			total = p.Tracks[0].NbSamples
		}
		fmt.Fprintf(os.Stderr, "  duration=%dms target_fps=%d max_buffer=%d\n",
			p.DurationMs, p.TargetFPS, p.MaxBufferSize)
		r.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("decoding"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)

	case orchestrator.MsgFrameProcessed:
		r.received++
		if r.bar != nil {
			_ = r.bar.Add(1)
		}

	case orchestrator.MsgMemoryWarning:
		_, _ = r.yellow.Fprintf(os.Stderr, "\nmemory warning: %d/%d bytes in use\n",
			msg.MemoryWarning.CurrentBytes, msg.MemoryWarning.MaxBytes)

	case orchestrator.MsgPerformanceAlert:
		for _, a := range msg.PerformanceAlerts {
			_, _ = r.yellow.Fprintf(os.Stderr, "\nperformance alert: %s=%.2f (threshold %.2f, %s)\n",
				a.Type, a.Value, a.Threshold, a.Severity)
		}

	case orchestrator.MsgError:
		_, _ = r.red.Fprintf(os.Stderr, "\nerror: %s (%s)\n", msg.Error.Message, msg.Error.Context)

	case orchestrator.MsgCleanupComplete:
		if r.bar != nil {
			_ = r.bar.Finish()
		}
		_, _ = r.green.Fprintf(os.Stderr, "\ncleanup complete, %d frames delivered\n", r.received)
	}
}

func (r *renderer) reportMetrics(snap orchestrator.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(os.Stderr, "\n  metrics: fps=%.2f dropped=%d in_flight=%d\n",
		snap.Metrics.OutputFPS, snap.Metrics.DroppedFrames, snap.PipelineState.FramesIn-snap.PipelineState.FramesOut)
}

func (r *renderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}
