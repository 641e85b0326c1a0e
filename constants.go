package bmservice

import "github.com/behrlich/go-bmservice/internal/constants"

// Re-exported constants for public API consumers who don't want to
// import the internal package directly.
const (
	DefaultInputQueueBurst      = constants.DefaultInputQueueBurst
	DefaultStageResourceBuffers = constants.DefaultStageResourceBuffers
	DefaultQueueDepth           = constants.DefaultQueueDepth
	AutoAssignDeviceID          = constants.AutoAssignDeviceID
	InvalidTaskID               = constants.InvalidTaskID
	EnvUseDevice                = constants.EnvUseDevice
	EnvLogLevel                 = constants.EnvLogLevel
)
