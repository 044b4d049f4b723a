// Package config provides configuration types and defaults for the
// ingest pipeline.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/ingestpipe/internal/framebuffer"
	"github.com/clipforge/ingestpipe/internal/metrics"
	"github.com/clipforge/ingestpipe/internal/progressive"
	"github.com/clipforge/ingestpipe/internal/ratecontrol"
	"github.com/clipforge/ingestpipe/internal/timecalc"
)

// Default values for every recognized configuration key (spec.md §6).
const (
	DefaultTargetFPS     = ratecontrol.DefaultTargetFPS
	DefaultMaxBufferSize = ratecontrol.DefaultMaxBufferSize

	DefaultMaxMemoryBytes = framebuffer.DefaultMaxBytes

	DefaultReducedFPS    = progressive.DefaultReducedFPS
	DefaultChunkSize     = progressive.DefaultChunkSize
	DefaultSeekTimeoutMs = int(progressive.DefaultSeekTimeout / 1_000_000) // ms, as documented in spec.md §6

	DefaultMaxDriftMicros          = timecalc.DefaultMaxDriftMicros
	DefaultDriftCorrectionFraction = timecalc.DefaultDriftCorrectionFraction

	DefaultTimeWeight    = ratecontrol.DefaultTimeWeight
	DefaultQualityWeight = ratecontrol.DefaultQualityWeight
)

// Config holds every tunable spec.md §6 names. Zero-value fields are
// filled in by NewConfig; a Config built any other way should call
// Validate before use.
type Config struct {
	TargetFPS     int
	MaxBufferSize int

	MaxMemoryBytes int64

	ReducedFPS    int
	ChunkSize     int
	SeekTimeoutMs int

	MaxDriftMicros          int64
	DriftCorrectionFraction float64

	TimeWeight    float64
	QualityWeight float64

	Thresholds metrics.Thresholds
}

// NewConfig returns a Config populated with every spec.md §6 default.
func NewConfig() *Config {
	return &Config{
		TargetFPS:     DefaultTargetFPS,
		MaxBufferSize: DefaultMaxBufferSize,

		MaxMemoryBytes: DefaultMaxMemoryBytes,

		ReducedFPS:    DefaultReducedFPS,
		ChunkSize:     DefaultChunkSize,
		SeekTimeoutMs: DefaultSeekTimeoutMs,

		MaxDriftMicros:          DefaultMaxDriftMicros,
		DriftCorrectionFraction: DefaultDriftCorrectionFraction,

		TimeWeight:    DefaultTimeWeight,
		QualityWeight: DefaultQualityWeight,

		Thresholds: metrics.DefaultThresholds(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.TargetFPS < 1 {
		return fmt.Errorf("target_fps must be at least 1, got %d", c.TargetFPS)
	}
	if c.MaxBufferSize < 1 {
		return fmt.Errorf("max_buffer_size must be at least 1, got %d", c.MaxBufferSize)
	}
	if c.MaxMemoryBytes < 1 {
		return fmt.Errorf("max_memory_bytes must be positive, got %d", c.MaxMemoryBytes)
	}
	if c.ReducedFPS < 1 {
		return fmt.Errorf("reduced_fps must be at least 1, got %d", c.ReducedFPS)
	}
	if c.ReducedFPS > c.TargetFPS {
		return fmt.Errorf("reduced_fps (%d) must not exceed target_fps (%d)", c.ReducedFPS, c.TargetFPS)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1, got %d", c.ChunkSize)
	}
	if c.SeekTimeoutMs < 1 {
		return fmt.Errorf("seek_timeout_ms must be positive, got %d", c.SeekTimeoutMs)
	}
	if c.MaxDriftMicros < 0 {
		return fmt.Errorf("max_drift_micros must be non-negative, got %d", c.MaxDriftMicros)
	}
	if c.DriftCorrectionFraction <= 0 || c.DriftCorrectionFraction > 1 {
		return fmt.Errorf("drift_correction_fraction must be in (0, 1], got %g", c.DriftCorrectionFraction)
	}
	if sum := c.TimeWeight + c.QualityWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("time_weight + quality_weight must sum to 1.0, got %g", sum)
	}
	return nil
}

// ProgressiveConfig adapts this Config's progressive-grid settings into
// the shape progressive.NewGrid expects.
func (c *Config) ProgressiveConfig() progressive.Config {
	return progressive.Config{
		ReducedFPS:  c.ReducedFPS,
		ChunkSize:   c.ChunkSize,
		SeekTimeout: time.Duration(c.SeekTimeoutMs) * time.Millisecond,
	}
}

// NewRateController builds a ratecontrol.Controller from this Config's
// target FPS, buffer size and scoring weights.
func (c *Config) NewRateController(log *slog.Logger) *ratecontrol.Controller {
	rc := ratecontrol.New(c.TargetFPS, c.MaxBufferSize, log)
	rc.SetWeights(c.TimeWeight, c.QualityWeight)
	return rc
}

// NewTimeCalculator builds a timecalc.Calculator from this Config's
// drift-correction settings.
func (c *Config) NewTimeCalculator() *timecalc.Calculator {
	return timecalc.New(float64(c.TargetFPS), c.MaxDriftMicros, c.DriftCorrectionFraction)
}
