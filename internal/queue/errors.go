package queue

import "fmt"

// ConfigError reports a wiring mistake caught synchronously at AddStage
// or Start time (spec.md §7: "Synchronous; fatal; no pipeline thread is
// spawned.").
type ConfigError struct {
	Op  string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Op, e.Msg)
}

func newConfigError(op, format string, args ...any) *ConfigError {
	return &ConfigError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
