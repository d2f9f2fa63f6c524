package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/config"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "retina.log")
	logger, closeFn, err := New("test", config.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("epoch finished")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"epoch finished"`)
	assert.Contains(t, string(data), `"logger":"test"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New("test", config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}
