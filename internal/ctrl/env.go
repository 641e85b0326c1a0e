// Package ctrl parses the runner's environment-variable control surface
// (spec.md §6: BMSERVICE_USE_DEVICE, BMSERVICE_LOG_LEVEL) and resolves it
// against a Device Runtime's available devices. There is no persisted
// state and no core CLI surface (spec.md §6) — this is the entire control
// plane.
package ctrl

import (
	"os"
	"strconv"
	"strings"

	"github.com/behrlich/go-bmservice/internal/interfaces"
	"github.com/behrlich/go-bmservice/internal/logging"
)

// EnvUseDevice and EnvLogLevel name the two recognized environment
// variables (spec.md §6).
const (
	EnvUseDevice = "BMSERVICE_USE_DEVICE"
	EnvLogLevel  = "BMSERVICE_LOG_LEVEL"
)

// ParseUseDevice splits raw on whitespace and any run of characters that
// is neither a digit nor a dot, treating each remaining token as a
// device id. An empty or unset raw means "all available". Per spec.md
// §6, unknown characters act as separators rather than causing a parse
// error — only a token that fails to parse as an integer is dropped.
func ParseUseDevice(raw string) []int {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.'
	})
	ids := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".")
		if tok == "" {
			continue
		}
		id, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ParseLogLevel converts BMSERVICE_LOG_LEVEL's 0-4 integer encoding. An
// empty or unparseable value yields Info; an out-of-range integer is
// clamped to the nearest valid level (below 0 is Debug, above 4 is
// Fatal).
func ParseLogLevel(raw string) logging.LogLevel {
	if raw == "" {
		return logging.LevelInfo
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return logging.LevelInfo
	}
	return logging.ParseLevel(n)
}

// ResolveDevices intersects the ids ParseUseDevice(os.Getenv(EnvUseDevice))
// names with rt's actually-available devices. Ids named by the
// environment but not reported by rt are dropped with a warning (spec.md
// §6 "unknown ids dropped with warning"); an empty/unset env selects every
// available device, in rt's reported order.
func ResolveDevices(rt interfaces.DeviceRuntime, logger interfaces.Logger) ([]int, error) {
	available, err := rt.AvailableDevices()
	if err != nil {
		return nil, err
	}
	return resolveDevices(available, os.Getenv(EnvUseDevice), logger)
}

func resolveDevices(available []int, rawEnv string, logger interfaces.Logger) ([]int, error) {
	requested := ParseUseDevice(rawEnv)
	if requested == nil {
		return available, nil
	}

	availableSet := make(map[int]bool, len(available))
	for _, id := range available {
		availableSet[id] = true
	}

	out := make([]int, 0, len(requested))
	for _, id := range requested {
		if !availableSet[id] {
			if logger != nil {
				logger.Warnf("%s requested device %d, which is not available; dropping", EnvUseDevice, id)
			}
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
