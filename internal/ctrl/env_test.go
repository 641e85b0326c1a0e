package ctrl

import (
	"testing"

	"github.com/behrlich/go-bmservice/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestParseUseDevice_Empty(t *testing.T) {
	assert.Nil(t, ParseUseDevice(""))
	assert.Nil(t, ParseUseDevice("   "))
}

func TestParseUseDevice_WhitespaceSeparated(t *testing.T) {
	assert.Equal(t, []int{0, 1, 3}, ParseUseDevice(" 0  1\t3 "))
}

func TestParseUseDevice_NonDigitNonDotActsAsSeparator(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, ParseUseDevice("0,1;2"))
}

func TestParseUseDevice_UnparseableTokenDropped(t *testing.T) {
	// A lone "." is kept as a token, trimmed to an empty string and
	// skipped, rather than causing a parse failure.
	assert.Equal(t, []int{1, 2}, ParseUseDevice("1 . 2"))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logging.LevelDebug, ParseLogLevel("0"))
	assert.Equal(t, logging.LevelFatal, ParseLogLevel("4"))
	assert.Equal(t, logging.LevelInfo, ParseLogLevel(""))
	assert.Equal(t, logging.LevelFatal, ParseLogLevel("99"))
}

func TestResolveDevices_EmptyEnvSelectsAll(t *testing.T) {
	ids, err := resolveDevices([]int{0, 1, 2}, "", nil)
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)
}

func TestResolveDevices_FiltersToRequested(t *testing.T) {
	ids, err := resolveDevices([]int{0, 1, 2}, "0 2", nil)
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 2}, ids)
}

func TestResolveDevices_UnknownIDDropped(t *testing.T) {
	ids, err := resolveDevices([]int{0, 1}, "0 5", nil)
	assert.NoError(t, err)
	assert.Equal(t, []int{0}, ids)
}
