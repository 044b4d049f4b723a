// Package framebuffer bounds total decoded-frame memory and extends a
// RawFrame's lifetime beyond its producer via reference counting and
// aging-based reclamation.
package framebuffer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/ingestpipe/internal/media"
)

// DefaultMaxBytes is the soft memory cap applied when none is
// configured (100 MiB, per spec.md §6).
const DefaultMaxBytes = 100 * 1024 * 1024

const gentleCleanupAge = 5 * time.Second

// ManagedFrame wraps a RawFrame with the bookkeeping the manager needs
// to bound memory and reclaim frames nobody is using.
type ManagedFrame struct {
	ID          string
	Frame     *media.RawFrame
	Size      int64
	CreatedAt time.Time

	mu         sync.Mutex
	refCount   int
	pinned     bool
	lastAccess time.Time
}

// RefCount returns the frame's current reference count.
func (mf *ManagedFrame) RefCount() int {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.refCount
}

// Pinned reports whether the frame is currently pinned against aging
// reclamation.
func (mf *ManagedFrame) Pinned() bool {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.pinned
}

func (mf *ManagedFrame) touch() {
	mf.lastAccess = time.Now()
}

// MemoryWarning is a non-error notification emitted when Acquire would
// push the manager over its configured budget and reclamation could
// not free enough room.
type MemoryWarning struct {
	CurrentBytes     int64
	MaxBytes         int64
	RequestedBytes   int64
	CleanupPerformed bool
}

// Meta carries caller-supplied metadata recorded alongside a frame on
// Acquire; currently just a logging hint, extendable per consumer.
type Meta struct {
	Label string
}

// Stats is a point-in-time view of the manager's memory accounting.
type Stats struct {
	Active       int
	CurrentBytes int64
	MaxBytes     int64
	Utilisation  float64
}

// Manager is a bounded, reference-counted registry of live decoded
// frames with size accounting and age-based reclamation.
type Manager struct {
	log *slog.Logger

	maxBytes int64

	mu           sync.Mutex
	frames       map[string]*ManagedFrame
	currentBytes int64

	onMemoryWarning func(MemoryWarning)
}

// New creates a Manager with the given soft byte budget. A maxBytes of
// 0 uses DefaultMaxBytes. If log is nil, slog.Default() is used.
func New(maxBytes int64, log *slog.Logger) *Manager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "framebuffer"),
		maxBytes: maxBytes,
		frames:   make(map[string]*ManagedFrame),
	}
}

// OnMemoryWarning registers a callback invoked whenever Acquire runs
// over budget and reclamation couldn't free enough room. Not
// concurrency-safe to call after Acquire has started being used.
func (m *Manager) OnMemoryWarning(fn func(MemoryWarning)) {
	m.onMemoryWarning = fn
}

// SetMaxBytes updates the soft memory cap, e.g. in response to a
// set_memory_limit message.
func (m *Manager) SetMaxBytes(maxBytes int64) {
	if maxBytes <= 0 {
		return
	}
	m.mu.Lock()
	m.maxBytes = maxBytes
	m.mu.Unlock()
}

// Acquire wraps frame in a ManagedFrame with ref-count 1, estimating
// its size from its display dimensions. If adding it would exceed the
// memory budget, a reclamation pass runs first; if that isn't enough,
// a MemoryWarning is fired but the frame is still returned — the
// caller is responsible for propagating back-pressure.
func (m *Manager) Acquire(frame *media.RawFrame, meta Meta) *ManagedFrame {
	size := frame.EstimatedSize()

	m.mu.Lock()
	needsReclaim := m.currentBytes+size > m.maxBytes
	m.mu.Unlock()

	cleaned := false
	if needsReclaim {
		cleaned = m.reclaim(size)
	}

	m.mu.Lock()
	mf := &ManagedFrame{
		ID:         uuid.NewString(),
		Frame:      frame,
		Size:       size,
		CreatedAt:  time.Now(),
		refCount:   1,
		lastAccess: time.Now(),
	}
	m.frames[mf.ID] = mf
	m.currentBytes += size
	overBudget := m.currentBytes > m.maxBytes
	current, budget := m.currentBytes, m.maxBytes
	m.mu.Unlock()

	if overBudget {
		m.log.Warn("over memory budget after acquire",
			"current", current, "max", budget, "label", meta.Label)
		if m.onMemoryWarning != nil {
			m.onMemoryWarning(MemoryWarning{
				CurrentBytes:     current,
				MaxBytes:         budget,
				RequestedBytes:   size,
				CleanupPerformed: cleaned,
			})
		}
	}

	return mf
}

// AddRef increments the frame's reference count and refreshes its
// last-accessed time.
func (m *Manager) AddRef(mf *ManagedFrame) {
	mf.mu.Lock()
	mf.refCount++
	mf.touch()
	mf.mu.Unlock()
}

// Release decrements the frame's reference count; at zero, the inner
// frame is closed (idempotent) and the frame is removed from the
// registry. Releasing an already-released frame is a silent no-op.
func (m *Manager) Release(mf *ManagedFrame) {
	mf.mu.Lock()
	if mf.refCount <= 0 {
		mf.mu.Unlock()
		m.log.Debug("release of already-released frame ignored", "id", mf.ID)
		return
	}
	mf.refCount--
	drained := mf.refCount == 0
	mf.mu.Unlock()

	if !drained {
		return
	}

	mf.Frame.Close()

	m.mu.Lock()
	if _, ok := m.frames[mf.ID]; ok {
		delete(m.frames, mf.ID)
		m.currentBytes -= mf.Size
	}
	m.mu.Unlock()
}

// Pin marks a frame as exempt from aging-based reclamation. A pinned
// frame can still be released by its explicit owner via Release.
func (m *Manager) Pin(mf *ManagedFrame) {
	mf.mu.Lock()
	mf.pinned = true
	mf.mu.Unlock()
}

// Unpin clears the pinned flag set by Pin.
func (m *Manager) Unpin(mf *ManagedFrame) {
	mf.mu.Lock()
	mf.pinned = false
	mf.mu.Unlock()
}

// GentleCleanup releases every frame with ref-count 1, not pinned, and
// older than 5 seconds.
func (m *Manager) GentleCleanup() int {
	return m.cleanup(gentleCleanupAge)
}

// ForceCleanup releases every eligible frame regardless of age (still
// respecting pin and ref-count > 1). Intended for sustained memory
// pressure.
func (m *Manager) ForceCleanup() int {
	return m.cleanup(0)
}

func (m *Manager) cleanup(minAge time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var candidates []*ManagedFrame
	for _, mf := range m.frames {
		mf.mu.Lock()
		eligible := mf.refCount == 1 && !mf.pinned && now.Sub(mf.lastAccess) > minAge
		mf.mu.Unlock()
		if eligible {
			candidates = append(candidates, mf)
		}
	}
	m.mu.Unlock()

	released := 0
	for _, mf := range candidates {
		m.Release(mf)
		released++
	}
	if released > 0 {
		m.log.Debug("cleanup released frames", "count", released, "min_age", minAge)
	}
	return released
}

// reclaim releases frames oldest-first until incoming would fit under
// the budget or no more eligible candidates remain. Never touches a
// frame that is pinned, has a ref-count above 1, or hasn't yet reached
// gentleCleanupAge — the same age gate cleanup applies, so a burst of
// freshly acquired frames can legitimately exhaust the budget and
// leave Acquire's over-budget warning path to fire (spec.md §8 S4).
func (m *Manager) reclaim(incoming int64) bool {
	now := time.Now()

	m.mu.Lock()
	var candidates []*ManagedFrame
	for _, mf := range m.frames {
		mf.mu.Lock()
		eligible := mf.refCount == 1 && !mf.pinned && now.Sub(mf.lastAccess) > gentleCleanupAge
		mf.mu.Unlock()
		if eligible {
			candidates = append(candidates, mf)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	m.mu.Unlock()

	freed := false
	for _, mf := range candidates {
		m.mu.Lock()
		fits := m.currentBytes+incoming <= m.maxBytes
		m.mu.Unlock()
		if fits {
			break
		}
		m.Release(mf)
		freed = true
	}
	return freed
}

// Drain forcibly closes every frame regardless of ref-count or pin and
// clears the registry. Only the orchestrator should call this, and
// only during teardown.
func (m *Manager) Drain() {
	m.mu.Lock()
	frames := make([]*ManagedFrame, 0, len(m.frames))
	for _, mf := range m.frames {
		frames = append(frames, mf)
	}
	m.frames = make(map[string]*ManagedFrame)
	m.currentBytes = 0
	m.mu.Unlock()

	for _, mf := range frames {
		mf.Frame.Close()
	}
	if len(frames) > 0 {
		m.log.Info("drained frame buffer", "count", len(frames))
	}
}

// Stats returns a point-in-time view of the manager's memory
// accounting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var util float64
	if m.maxBytes > 0 {
		util = float64(m.currentBytes) / float64(m.maxBytes)
	}
	return Stats{
		Active:       len(m.frames),
		CurrentBytes: m.currentBytes,
		MaxBytes:     m.maxBytes,
		Utilisation:  util,
	}
}
