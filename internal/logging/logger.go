// Package logging provides leveled, structured logging for go-bmservice,
// wrapping logrus behind the small Logger surface the rest of the tree
// depends on so call sites never import logrus directly.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels. Values line up with
// BMSERVICE_LOG_LEVEL (spec.md §6): 0=DEBUG .. 4=FATAL.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "text" (default) or "json"
	Output  io.Writer
	Sync    bool // force synchronous, unbuffered writes (used by tests)
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a logrus entry with the fixed field set this project cares
// about (device id, queue/pipeline index, task tag, stage).
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger from config.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(config.Level.logrusLevel())

	if config.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors: config.NoColor,
			FullTimestamp: true,
		})
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithDevice returns a logger annotated with a device id.
func (l *Logger) WithDevice(deviceID uint32) *Logger {
	return &Logger{entry: l.entry.WithField("device_id", deviceID)}
}

// WithQueue returns a logger annotated with a pipeline/queue index.
func (l *Logger) WithQueue(queueID int) *Logger {
	return &Logger{entry: l.entry.WithField("queue_id", queueID)}
}

// WithRequest returns a logger annotated with a task id and the stage/op
// currently handling it.
func (l *Logger) WithRequest(taskID uint32, op string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{"tag": taskID, "op": op})}
}

// WithError returns a logger annotated with an error.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func formatArgs(entry *logrus.Entry, args []any) *logrus.Entry {
	if len(args) == 0 {
		return entry
	}
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return entry.WithFields(fields)
}

func (l *Logger) Debug(msg string, args ...any) { formatArgs(l.entry, args).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { formatArgs(l.entry, args).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { formatArgs(l.entry, args).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { formatArgs(l.entry, args).Error(msg) }

// Printf-style logging, for callers that only have a format string.
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Printf logs at info level, matching the Logger interface the queue and
// device packages depend on.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel converts the BMSERVICE_LOG_LEVEL integer encoding (spec.md
// §6) into a LogLevel, clamping out-of-range values to the nearest valid
// level.
func ParseLevel(n int) LogLevel {
	switch {
	case n <= int(LevelDebug):
		return LevelDebug
	case n >= int(LevelFatal):
		return LevelFatal
	default:
		return LogLevel(n)
	}
}
