// Package progressive builds a fixed-length grid of decoded frames via
// seek-based extraction, used when no hardware decoder is available.
// A cheap first pass covers the whole clip at a reduced sampling rate,
// gaps are filled by pointing at the nearest earlier real frame, and a
// background pass upgrades every loaded or interpolated slot to full
// resolution.
package progressive

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/clipforge/ingestpipe/internal/errs"
	"github.com/clipforge/ingestpipe/internal/media"
)

// Defaults for the two-phase load schedule.
const (
	DefaultReducedFPS   = 12
	DefaultChunkSize    = 30
	DefaultSeekTimeout  = 500 * time.Millisecond
	interChunkYield     = 10 * time.Millisecond
)

// SeekFunc extracts a single decoded frame at timestampSec from the
// host's seek-capable decode path. Implementations should respect
// ctx's deadline; Grid wraps every call with DefaultSeekTimeout (or
// the configured timeout) regardless.
type SeekFunc func(ctx context.Context, timestampSec float64) (*media.RawFrame, error)

// Config tunes the two-phase load schedule. Zero values fall back to
// the package defaults.
type Config struct {
	ReducedFPS  int
	ChunkSize   int
	SeekTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReducedFPS <= 0 {
		c.ReducedFPS = DefaultReducedFPS
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SeekTimeout <= 0 {
		c.SeekTimeout = DefaultSeekTimeout
	}
	return c
}

// Grid is a fixed-length vector of FrameSlot covering a clip at
// targetFps. Length is fixed at construction; no slot is ever
// inserted or removed afterward.
type Grid struct {
	log *slog.Logger
	cfg Config

	targetFps int

	mu    sync.RWMutex
	slots []media.FrameSlot
}

// NewGrid constructs a Grid of length ceil(durationSec * targetFps),
// every slot starting Empty with its fixed timestamp. If log is nil,
// slog.Default() is used.
func NewGrid(durationSec float64, targetFps int, cfg Config, log *slog.Logger) *Grid {
	if targetFps <= 0 {
		targetFps = 24
	}
	if log == nil {
		log = slog.Default()
	}
	length := int(math.Ceil(durationSec * float64(targetFps)))
	slots := make([]media.FrameSlot, length)
	for i := range slots {
		slots[i] = media.FrameSlot{
			Index:        i,
			TimestampSec: float64(i) / float64(targetFps),
			Quality:      media.Empty,
		}
	}
	return &Grid{
		log:       log.With("component", "progressive"),
		cfg:       cfg.withDefaults(),
		targetFps: targetFps,
		slots:     slots,
	}
}

// Len returns the fixed slot count.
func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.slots)
}

// Slot returns a copy of slot i's current state.
func (g *Grid) Slot(i int) media.FrameSlot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.slots[i]
}

// GetDisplayData returns the frame to show for slot i: its own Data
// if present, the nearest prior real slot's Data if Interpolated, or
// nil if neither is available (e.g. no real frame precedes it yet).
func (g *Grid) GetDisplayData(i int) *media.RawFrame {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := g.slots[i]
	if s.Data != nil {
		return s.Data
	}
	if s.Quality == media.Interpolated && s.HasSource {
		return g.slots[s.SourceIndex].Data
	}
	return nil
}

// LoadPhase1 samples the clip at cfg.ReducedFPS, mapping each reduced
// sample at time t onto grid index floor(t*targetFps), in chunks of cfg.ChunkSize with
// a cooperative yield between chunks. Every Empty slot following the
// first successfully loaded slot is then marked Interpolated,
// pointing at the nearest prior real slot.
func (g *Grid) LoadPhase1(ctx context.Context, seek SeekFunc) error {
	length := g.Len()
	durationSec := float64(length) / float64(g.targetFps)
	reducedCount := int(math.Ceil(durationSec * float64(g.cfg.ReducedFPS)))

	for chunkStart := 0; chunkStart < reducedCount; chunkStart += g.cfg.ChunkSize {
		chunkEnd := chunkStart + g.cfg.ChunkSize
		if chunkEnd > reducedCount {
			chunkEnd = reducedCount
		}

		for i := chunkStart; i < chunkEnd; i++ {
			t := float64(i) / float64(g.cfg.ReducedFPS)
			j := int(t * float64(g.targetFps))
			if j >= length {
				continue
			}

			frame, err := g.seekWithTimeout(ctx, seek, t)
			if err != nil {
				g.log.Debug("phase 1 seek failed", "t", t, "index", j, "error", err)
				continue
			}

			g.mu.Lock()
			g.slots[j].Data = frame
			g.slots[j].Quality = media.LowRes
			g.mu.Unlock()
		}

		if err := g.yield(ctx); err != nil {
			return err
		}
	}

	g.fillInterpolatedGaps()
	return nil
}

// UpgradePhase2 re-seeks every LowRes or Interpolated slot at its own
// exact grid timestamp and promotes it to HighRes, in chunks of
// cfg.ChunkSize with a cooperative yield between chunks.
func (g *Grid) UpgradePhase2(ctx context.Context, seek SeekFunc) error {
	var targets []int
	g.mu.RLock()
	for i, s := range g.slots {
		if s.Quality == media.LowRes || s.Quality == media.Interpolated {
			targets = append(targets, i)
		}
	}
	g.mu.RUnlock()

	for chunkStart := 0; chunkStart < len(targets); chunkStart += g.cfg.ChunkSize {
		chunkEnd := chunkStart + g.cfg.ChunkSize
		if chunkEnd > len(targets) {
			chunkEnd = len(targets)
		}

		for _, idx := range targets[chunkStart:chunkEnd] {
			t := g.Slot(idx).TimestampSec

			frame, err := g.seekWithTimeout(ctx, seek, t)
			if err != nil {
				g.log.Debug("phase 2 seek failed", "t", t, "index", idx, "error", err)
				continue
			}

			g.mu.Lock()
			g.slots[idx].Data = frame
			g.slots[idx].Quality = media.HighRes
			g.slots[idx].HasSource = false
			g.mu.Unlock()
		}

		if err := g.yield(ctx); err != nil {
			return err
		}
	}

	return nil
}

// fillInterpolatedGaps scans left to right; every Empty slot after
// the first real (LowRes/HighRes) slot becomes Interpolated, pointing
// at the most recent real slot. Slots before the first real slot stay
// Empty: there is nothing earlier to interpolate from.
func (g *Grid) fillInterpolatedGaps() {
	g.mu.Lock()
	defer g.mu.Unlock()

	lastReal := -1
	for i := range g.slots {
		switch g.slots[i].Quality {
		case media.LowRes, media.HighRes:
			lastReal = i
		case media.Empty:
			if lastReal >= 0 {
				g.slots[i].Quality = media.Interpolated
				g.slots[i].SourceIndex = lastReal
				g.slots[i].HasSource = true
			}
		}
	}
}

func (g *Grid) seekWithTimeout(ctx context.Context, seek SeekFunc, t float64) (*media.RawFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SeekTimeout)
	defer cancel()

	frame, err := seek(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.ErrSeekTimeout
		}
		return nil, err
	}
	return frame, nil
}

func (g *Grid) yield(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(interChunkYield):
		return nil
	}
}
