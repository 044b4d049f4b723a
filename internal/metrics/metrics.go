// Package metrics implements the pipeline's PerformanceMonitor: rolling
// processing-time/fps/memory windows kept as bounded ring buffers,
// threshold-driven alerts, and a quality histogram.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/clipforge/ingestpipe/internal/media"
)

// Bounded window sizes (spec.md §9: accumulator-style history arrays
// become ring buffers sized at construction).
const (
	DetailedWindowSize = 1000
	FPSWindowSize      = 60
	QualityWindowSize  = 100

	gcDropFraction = 0.7 // a GC event is inferred when current < 0.7 * rolling average
)

// Thresholds configures when RecordFrame emits an alert. Zero-valued
// fields fall back to DefaultThresholds.
type Thresholds struct {
	MaxProcessingMs  float64
	MinFPS           float64
	MaxMemoryBytes   int64
	MaxFPSVarianceMs float64
}

// DefaultThresholds matches spec.md §4.8's default alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxProcessingMs:  50,
		MinFPS:           20,
		MaxMemoryBytes:   100 * 1024 * 1024,
		MaxFPSVarianceMs: 10,
	}
}

// Alert is one threshold breach reported alongside a RecordFrame call.
// Alerts are informational; they never halt the pipeline.
type Alert struct {
	Type      string
	Value     float64
	Threshold float64
	Severity  string // "warning" or "critical"
}

func newAlert(kind string, value, threshold float64) Alert {
	severity := "warning"
	if threshold > 0 && value > threshold*1.5 {
		severity = "critical"
	}
	return Alert{Type: kind, Value: value, Threshold: threshold, Severity: severity}
}

// Snapshot is a point-in-time view of the monitor's rolling state.
type Snapshot struct {
	ProcessingTimeLastMs float64
	ProcessingTimeMinMs  float64
	ProcessingTimeMaxMs  float64
	ProcessingTimeAvgMs  float64

	TotalFrames   int64
	DroppedFrames int64

	OutputFPS  float64
	FPSStdDev  float64
	GCEvents   int64

	MemoryCurrentBytes int64
	MemoryPeakBytes    int64
	MemoryAvgBytes     float64

	QualityHistogram map[string]int64
	QualityAverage   float64
}

// Monitor accumulates per-frame timing, memory, and quality samples
// into bounded windows and derives a Snapshot and alerts on demand.
type Monitor struct {
	log        *slog.Logger
	thresholds Thresholds

	processingTimes []float64
	fpsTimestamps   []time.Time
	qualitySamples  []media.Quality

	totalFrames   int64
	droppedFrames int64

	memCurrent int64
	memPeak    int64
	memSum     int64
	memCount   int64

	gcEvents int64
}

// New creates a Monitor. If log is nil, slog.Default() is used.
func New(thresholds Thresholds, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		log:        log.With("component", "metrics"),
		thresholds: thresholds,
	}
}

// RecordFrame folds one decoded/emitted frame's stats into the rolling
// windows and returns any alerts its thresholds now trip.
func (m *Monitor) RecordFrame(processingMs float64, memoryBytes int64, quality media.Quality) []Alert {
	m.totalFrames++

	m.processingTimes = pushBounded(m.processingTimes, processingMs, DetailedWindowSize)
	m.fpsTimestamps = pushBounded(m.fpsTimestamps, time.Now(), FPSWindowSize)
	m.qualitySamples = pushBounded(m.qualitySamples, quality, QualityWindowSize)

	if memoryBytes > m.memPeak {
		m.memPeak = memoryBytes
	}
	m.memSum += memoryBytes
	m.memCount++
	avg := float64(m.memSum) / float64(m.memCount)
	if m.memCurrent > 0 && float64(memoryBytes) < gcDropFraction*avg {
		m.gcEvents++
	}
	m.memCurrent = memoryBytes

	return m.checkAlerts(processingMs, memoryBytes)
}

// RecordDrop increments the dropped-frame counter without adding a
// processing-time sample.
func (m *Monitor) RecordDrop() {
	m.droppedFrames++
}

func (m *Monitor) checkAlerts(processingMs float64, memoryBytes int64) []Alert {
	var alerts []Alert

	if processingMs > m.thresholds.MaxProcessingMs {
		alerts = append(alerts, newAlert("processing_time", processingMs, m.thresholds.MaxProcessingMs))
	}

	fps := m.outputFPS()
	if fps > 0 && fps < m.thresholds.MinFPS {
		alerts = append(alerts, newAlert("fps", fps, m.thresholds.MinFPS))
	}

	if int64(memoryBytes) > m.thresholds.MaxMemoryBytes {
		alerts = append(alerts, newAlert("memory", float64(memoryBytes), float64(m.thresholds.MaxMemoryBytes)))
	}

	if variance := m.fpsVarianceMs(); variance > m.thresholds.MaxFPSVarianceMs {
		alerts = append(alerts, newAlert("fps_variance", variance, m.thresholds.MaxFPSVarianceMs))
	}

	for _, a := range alerts {
		m.log.Warn("performance alert", "type", a.Type, "value", a.Value, "threshold", a.Threshold, "severity", a.Severity)
	}
	return alerts
}

// outputFPS derives the measured output rate from the rolling
// FPSWindowSize-entry timestamp window.
func (m *Monitor) outputFPS() float64 {
	if len(m.fpsTimestamps) < 2 {
		return 0
	}
	first := m.fpsTimestamps[0]
	last := m.fpsTimestamps[len(m.fpsTimestamps)-1]
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(m.fpsTimestamps)-1) / dur
}

// fpsVarianceMs is the standard deviation of inter-frame intervals
// within the fps window, expressed in milliseconds.
func (m *Monitor) fpsVarianceMs() float64 {
	if len(m.fpsTimestamps) < 3 {
		return 0
	}
	intervals := make([]float64, 0, len(m.fpsTimestamps)-1)
	var sum float64
	for i := 1; i < len(m.fpsTimestamps); i++ {
		ms := float64(m.fpsTimestamps[i].Sub(m.fpsTimestamps[i-1]).Microseconds()) / 1000
		intervals = append(intervals, ms)
		sum += ms
	}
	mean := sum / float64(len(intervals))
	var sqDiff float64
	for _, v := range intervals {
		d := v - mean
		sqDiff += d * d
	}
	return math.Sqrt(sqDiff / float64(len(intervals)))
}

// Snapshot produces a consistent point-in-time view of every rolling
// metric, including the quality histogram.
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		TotalFrames:   m.totalFrames,
		DroppedFrames: m.droppedFrames,
		OutputFPS:     m.outputFPS(),
		FPSStdDev:     m.fpsVarianceMs(),
		GCEvents:      m.gcEvents,

		MemoryCurrentBytes: m.memCurrent,
		MemoryPeakBytes:    m.memPeak,

		QualityHistogram: make(map[string]int64),
	}

	if m.memCount > 0 {
		s.MemoryAvgBytes = float64(m.memSum) / float64(m.memCount)
	}

	if n := len(m.processingTimes); n > 0 {
		s.ProcessingTimeLastMs = m.processingTimes[n-1]
		s.ProcessingTimeMinMs = m.processingTimes[0]
		s.ProcessingTimeMaxMs = m.processingTimes[0]
		var sum float64
		for _, v := range m.processingTimes {
			sum += v
			if v < s.ProcessingTimeMinMs {
				s.ProcessingTimeMinMs = v
			}
			if v > s.ProcessingTimeMaxMs {
				s.ProcessingTimeMaxMs = v
			}
		}
		s.ProcessingTimeAvgMs = sum / float64(n)
	}

	if n := len(m.qualitySamples); n > 0 {
		var sum int64
		for _, q := range m.qualitySamples {
			s.QualityHistogram[q.String()]++
			sum += int64(q)
		}
		s.QualityAverage = float64(sum) / float64(n)
	}

	return s
}

// HostFreeBytes samples the host's current available memory via
// gopsutil. Nothing in the pipeline calls it, and memory_warning
// messages carry no severity derived from it.
func HostFreeBytes(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func pushBounded[T any](window []T, v T, cap int) []T {
	window = append(window, v)
	if len(window) > cap {
		window = window[len(window)-cap:]
	}
	return window
}
