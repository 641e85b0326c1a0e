// Package constants holds default sizing and environment-variable names
// shared across the engine, the device layer and the C-ABI facade.
package constants

// Default pipeline/queue sizing. Sourced from spec.md's "B small, e.g.
// 3-4" backpressure guidance and the 2-buffer double-buffering default.
const (
	// DefaultInputQueueBurst is the per-pipeline multiplier (B) used to
	// size a PipelinePool's shared input queue capacity as k*B.
	DefaultInputQueueBurst = 4

	// DefaultStageResourceBuffers is the default number of preallocated
	// output buffers per stage resource queue (spec.md §4.6, §9 "tunable
	// with default 2; do not hard-code").
	DefaultStageResourceBuffers = 2

	// DefaultQueueDepth is a default per-device runtime queue depth,
	// exported for callers; no code in this module passes it to a Device
	// Runtime.
	DefaultQueueDepth = 128

	// AutoAssignDeviceID is a sentinel for "no specific device id"; no
	// code in this module interprets it.
	AutoAssignDeviceID = -1
)

// Environment variable names (spec.md §6).
const (
	// EnvUseDevice lists whitespace-separated device ids to use; empty
	// means "all available".
	EnvUseDevice = "BMSERVICE_USE_DEVICE"

	// EnvLogLevel is an integer 0-4 mapping to DEBUG..FATAL.
	EnvLogLevel = "BMSERVICE_LOG_LEVEL"
)

// InvalidTaskID is the reserved task id meaning "no task" (spec.md §4.7).
const InvalidTaskID uint32 = 0
