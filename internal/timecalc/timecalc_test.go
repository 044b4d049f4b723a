package timecalc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceProducesIdealGrid(t *testing.T) {
	t.Parallel()

	c := New(24, 0, 0)
	c.Initialize(1000)

	for i := int64(0); i < 5; i++ {
		got := c.Advance()
		want := int64(1000) + i*c.TargetInterval()
		if got != want {
			t.Errorf("frame %d: got %d, want %d", i, got, want)
		}
	}
}

func TestComputeOptimalWithinToleranceNoCorrection(t *testing.T) {
	t.Parallel()

	c := New(24, 0, 0)
	c.Initialize(0)

	res := c.ComputeOptimal(c.TargetInterval() / 10) // well inside default 5ms drift window
	require.False(t, res.NeedsCorrection)
	require.Equal(t, res.Ideal, res.Adjusted)
	require.Zero(t, res.DriftApplied)
}

func TestComputeOptimalCapsCorrection(t *testing.T) {
	t.Parallel()

	c := New(24, 0, 0)
	c.Initialize(0)

	// Source way ahead of the ideal grid; correction must be capped at
	// 10% of the target interval, never jump all the way there.
	huge := c.TargetInterval() * 5
	res := c.ComputeOptimal(huge)

	require.True(t, res.NeedsCorrection)
	wantCap := int64(float64(c.TargetInterval()) * DefaultDriftCorrectionFraction)
	require.Equal(t, wantCap, res.DriftApplied)
	require.Equal(t, wantCap, res.TotalDrift)
}

func TestComputeOptimalAccumulatesDrift(t *testing.T) {
	t.Parallel()

	c := New(24, 0, 0)
	c.Initialize(0)

	huge := c.TargetInterval() * 5
	first := c.ComputeOptimal(huge)
	c.Advance()
	second := c.ComputeOptimal(huge)

	require.Greater(t, second.TotalDrift, first.TotalDrift)
}

func TestShouldIncludeRequiresAllThreeConditions(t *testing.T) {
	t.Parallel()

	c := New(24, 0, 0)
	c.Initialize(0)

	ti := c.TargetInterval()

	// Close to ideal, far enough from the last output: include.
	res := c.ShouldInclude(ti/4, 0, false)
	require.True(t, res.Include)

	// Too close to the previous output timestamp: exclude.
	res = c.ShouldInclude(ti/4, ti/5, true)
	require.False(t, res.Include)

	// Far from ideal: exclude.
	res = c.ShouldInclude(ti*2, 0, false)
	require.False(t, res.Include)
}

func TestConvertIsIdempotentAtSameFPS(t *testing.T) {
	t.Parallel()

	ts := int64(1_234_567)
	once := Convert(ts, 30, 30)
	twice := Convert(once, 30, 30)
	require.Equal(t, once, twice)
}

func TestEstimateFPS(t *testing.T) {
	t.Parallel()

	require.Zero(t, EstimateFPS(nil))
	require.Zero(t, EstimateFPS([]int64{100}))

	// 30fps spacing: 33333us between frames.
	ts := []int64{0, 33333, 66666, 99999}
	got := EstimateFPS(ts)
	require.InDelta(t, 30.0, got, 0.1)
}

func TestNormalizeShiftsToZero(t *testing.T) {
	t.Parallel()

	got := Normalize([]int64{500, 1000, 1500})
	require.Equal(t, []int64{0, 500, 1000}, got)
	require.Nil(t, Normalize(nil))
}

func TestGenerateIdealGrid(t *testing.T) {
	t.Parallel()

	grid := GenerateIdealGrid(1000, 24, 0)
	require.Len(t, grid, 24)
	require.Equal(t, int64(0), grid[0])
}

func TestInSync(t *testing.T) {
	t.Parallel()

	require.True(t, InSync(1000, 2500, 0))  // within default 2ms
	require.False(t, InSync(1000, 5000, 0)) // outside default 2ms
}
