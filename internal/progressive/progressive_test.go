package progressive

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestpipe/internal/media"
)

// countingSeek returns a fresh RawFrame for every call and counts how
// many times it was invoked, without ever failing.
func countingSeek() (SeekFunc, *int64) {
	var calls int64
	return func(_ context.Context, t float64) (*media.RawFrame, error) {
		atomic.AddInt64(&calls, 1)
		f := media.NewRawFrame(nil)
		f.PresentationTS = int64(t * 1_000_000)
		return f, nil
	}, &calls
}

// TestTenSecondClipTwoPhaseLoad covers a 10s clip at targetFps 24,
// reducedFps 12: Phase 1 should produce 240 slots, half LowRes and
// half Interpolated, and Phase 2 should promote every slot to HighRes.
func TestTenSecondClipTwoPhaseLoad(t *testing.T) {
	t.Parallel()

	g := NewGrid(10.0, 24, Config{ReducedFPS: 12, ChunkSize: 30}, nil)
	require.Equal(t, 240, g.Len())

	seek, _ := countingSeek()
	require.NoError(t, g.LoadPhase1(context.Background(), seek))

	var lowRes, interpolated, empty int
	for i := 0; i < g.Len(); i++ {
		switch g.Slot(i).Quality {
		case media.LowRes:
			lowRes++
		case media.Interpolated:
			interpolated++
		case media.Empty:
			empty++
		}
	}
	require.Equal(t, 120, lowRes)
	require.Equal(t, 120, interpolated)
	require.Equal(t, 0, empty)

	// Every interpolated slot must resolve to a real frame via its
	// source slot.
	for i := 0; i < g.Len(); i++ {
		s := g.Slot(i)
		if s.Quality == media.Interpolated {
			require.True(t, s.HasSource)
			require.NotNil(t, g.GetDisplayData(i))
		}
	}

	require.NoError(t, g.UpgradePhase2(context.Background(), seek))

	var highRes int
	for i := 0; i < g.Len(); i++ {
		s := g.Slot(i)
		require.Equal(t, media.HighRes, s.Quality)
		require.False(t, s.HasSource)
		require.NotNil(t, g.GetDisplayData(i))
		if s.Quality == media.HighRes {
			highRes++
		}
	}
	require.Equal(t, 240, highRes)
}

// TestGetDisplayDataNilBeforeFirstRealSlot covers the leading-gap case:
// a slot before any real frame has nothing to interpolate from.
func TestGetDisplayDataNilBeforeFirstRealSlot(t *testing.T) {
	t.Parallel()

	g := NewGrid(1.0, 24, Config{ReducedFPS: 6, ChunkSize: 30}, nil)

	calls := 0
	seek := func(_ context.Context, tsec float64) (*media.RawFrame, error) {
		calls++
		if tsec == 0 {
			return nil, errNoFrame
		}
		f := media.NewRawFrame(nil)
		f.PresentationTS = int64(tsec * 1_000_000)
		return f, nil
	}

	require.NoError(t, g.LoadPhase1(context.Background(), seek))
	require.Equal(t, media.Empty, g.Slot(0).Quality)
	require.Nil(t, g.GetDisplayData(0))
}

// TestLoadPhase1YieldsBetweenChunks covers the cooperative-yield
// discipline: a context cancelled partway through the second chunk
// stops the loop at the next between-chunk yield, without panicking or
// deadlocking.
func TestLoadPhase1YieldsBetweenChunks(t *testing.T) {
	t.Parallel()

	g := NewGrid(5.0, 24, Config{ReducedFPS: 12, ChunkSize: 5}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	seenChunks := 0
	seek := func(_ context.Context, tsec float64) (*media.RawFrame, error) {
		mu.Lock()
		seenChunks++
		if seenChunks > 5 {
			cancel()
		}
		mu.Unlock()
		f := media.NewRawFrame(nil)
		f.PresentationTS = int64(tsec * 1_000_000)
		return f, nil
	}

	err := g.LoadPhase1(ctx, seek)
	require.Error(t, err)
}

var errNoFrame = errSentinel("no frame at this timestamp")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
