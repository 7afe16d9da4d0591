package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewAppliesRequestedLevel(t *testing.T) {
	logger := New(zerolog.WarnLevel)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestIsTerminalFalseForRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "logging-test")
	assert.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}
