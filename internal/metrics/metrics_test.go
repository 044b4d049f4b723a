package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestpipe/internal/media"
)

func TestRecordFrameAccumulatesSnapshot(t *testing.T) {
	t.Parallel()

	m := New(DefaultThresholds(), nil)

	m.RecordFrame(5, 1024, media.HighRes)
	m.RecordFrame(10, 2048, media.HighRes)
	m.RecordFrame(15, 1536, media.LowRes)

	snap := m.Snapshot()
	require.EqualValues(t, 3, snap.TotalFrames)
	require.Equal(t, 15.0, snap.ProcessingTimeLastMs)
	require.Equal(t, 5.0, snap.ProcessingTimeMinMs)
	require.Equal(t, 15.0, snap.ProcessingTimeMaxMs)
	require.InDelta(t, 10.0, snap.ProcessingTimeAvgMs, 1e-9)
	require.EqualValues(t, 2048, snap.MemoryPeakBytes)
	require.Equal(t, int64(2), snap.QualityHistogram["high_res"])
	require.Equal(t, int64(1), snap.QualityHistogram["low_res"])
}

func TestRecordFrameAlertsOnSlowProcessing(t *testing.T) {
	t.Parallel()

	m := New(DefaultThresholds(), nil)
	alerts := m.RecordFrame(75, 1024, media.HighRes)

	require.NotEmpty(t, alerts)
	var found bool
	for _, a := range alerts {
		if a.Type == "processing_time" {
			found = true
			require.Equal(t, 75.0, a.Value)
			require.Equal(t, 50.0, a.Threshold)
		}
	}
	require.True(t, found)
}

func TestRecordFrameAlertsOnMemoryOverThreshold(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	th.MaxMemoryBytes = 1000
	m := New(th, nil)

	alerts := m.RecordFrame(1, 5000, media.HighRes)

	var found bool
	for _, a := range alerts {
		if a.Type == "memory" {
			found = true
			require.Equal(t, "critical", a.Severity) // 5000 > 1.5*1000
		}
	}
	require.True(t, found)
}

func TestProcessingWindowIsBoundedAtDetailedWindowSize(t *testing.T) {
	t.Parallel()

	m := New(DefaultThresholds(), nil)
	for i := 0; i < DetailedWindowSize+50; i++ {
		m.RecordFrame(1, 1, media.HighRes)
	}
	require.Len(t, m.processingTimes, DetailedWindowSize)
}

func TestQualityWindowIsBoundedAtQualityWindowSize(t *testing.T) {
	t.Parallel()

	m := New(DefaultThresholds(), nil)
	for i := 0; i < QualityWindowSize+20; i++ {
		m.RecordFrame(1, 1, media.HighRes)
	}
	require.Len(t, m.qualitySamples, QualityWindowSize)
}

func TestRecordDropIncrementsWithoutProcessingSample(t *testing.T) {
	t.Parallel()

	m := New(DefaultThresholds(), nil)
	m.RecordDrop()
	m.RecordDrop()

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.DroppedFrames)
	require.EqualValues(t, 0, snap.TotalFrames)
}

func TestOutputFPSFromTimestampWindow(t *testing.T) {
	t.Parallel()

	m := New(DefaultThresholds(), nil)
	base := time.Now()
	m.fpsTimestamps = []time.Time{base, base.Add(50 * time.Millisecond), base.Add(100 * time.Millisecond)}

	require.InDelta(t, 20.0, m.outputFPS(), 0.5)
}
