package orchestrator

import (
	"github.com/clipforge/ingestpipe/internal/demux"
	"github.com/clipforge/ingestpipe/internal/framebuffer"
	"github.com/clipforge/ingestpipe/internal/media"
	"github.com/clipforge/ingestpipe/internal/metrics"
)

// HostMsgType names a message the host sends to the worker.
type HostMsgType string

// Host -> worker message types.
const (
	MsgStart                 HostMsgType = "start"
	MsgSetTargetFPS          HostMsgType = "set_target_fps"
	MsgSetMemoryLimit        HostMsgType = "set_memory_limit"
	MsgGetPerformanceMetrics HostMsgType = "get_performance_metrics"
	MsgCleanup               HostMsgType = "cleanup"
	MsgTerminate             HostMsgType = "terminate"
)

// HostMessage is one message from the host to the worker. Only the
// fields relevant to Type are populated; the rest are zero.
type HostMessage struct {
	Type      HostMsgType
	RequestID string // set by Request for correlated messages; echoed back

	TargetFPS        int
	MemoryLimitBytes int64
}

// WorkerMsgType names a message the worker sends to the host.
type WorkerMsgType string

// Worker -> host message types.
const (
	MsgWorkerReady              WorkerMsgType = "worker_ready"
	MsgStartProcessing          WorkerMsgType = "start_processing"
	MsgFrameProcessed           WorkerMsgType = "frame_processed"
	MsgMemoryWarning            WorkerMsgType = "memory_warning"
	MsgPerformanceAlert         WorkerMsgType = "performance_alert"
	MsgPerformanceMetricsResult WorkerMsgType = "performance_metrics_result" // response to get_performance_metrics
	MsgError                    WorkerMsgType = "error"
	MsgCleanupComplete          WorkerMsgType = "cleanup_complete"
)

// WorkerReadyPayload accompanies MsgWorkerReady.
type WorkerReadyPayload struct {
	TargetFPS        int
	MemoryLimitBytes int64
}

// StartProcessingPayload accompanies MsgStartProcessing: the demuxer's
// ReadyInfo extended with the pipeline's effective configuration.
type StartProcessingPayload struct {
	demux.ReadyInfo
	TargetFPS     int
	MaxBufferSize int
}

// FrameProcessedPayload accompanies MsgFrameProcessed. Frame is the
// frame handle; ownership passes to the host on send, matching
// spec.md §5's transfer-by-handle contract — the caller is expected to
// Close it once done (e.g. after handing pixels to a renderer).
type FrameProcessedPayload struct {
	Index       int64
	TS          int64
	FrameRate   float64
	MemoryBytes int64
	BufferSize  int
	Frame       *media.RawFrame

	managed *framebuffer.ManagedFrame // released via Orchestrator.Release
}

// ErrorPayload accompanies MsgError.
type ErrorPayload struct {
	Message string
	Context string
}

// CleanupCompletePayload accompanies MsgCleanupComplete, the last
// message the worker ever sends.
type CleanupCompletePayload struct {
	TS int64
}

// WorkerMessage is one message from the worker to the host. Only the
// field(s) relevant to Type are populated.
type WorkerMessage struct {
	Type      WorkerMsgType
	RequestID string

	WorkerReady         *WorkerReadyPayload
	StartProcessing     *StartProcessingPayload
	FrameProcessed      *FrameProcessedPayload
	MemoryWarning       *framebuffer.MemoryWarning
	PerformanceAlerts   []metrics.Alert
	PerformanceSnapshot *Snapshot
	Error               *ErrorPayload
	CleanupComplete     *CleanupCompletePayload
}

// Snapshot is the pipeline-wide counters rollup spec.md §3 names,
// extended with the metrics.Snapshot rolling window so a single
// get_performance_metrics response carries everything the host needs.
type Snapshot struct {
	media.PipelineState
	Metrics metrics.Snapshot
}
