package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"simplecomm/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("bogus"))
}

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	logger, err := NewLogger(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("listener started", zap.String("address", "inproc://echo"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"listener started"`)
	assert.Contains(t, string(data), `"address":"inproc://echo"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewLoggerUnwritableFile(t *testing.T) {
	dir := t.TempDir()
	// a directory cannot be opened for appending
	_, err := NewLogger(config.LogConfig{Level: "info", Outputs: []string{dir}})
	assert.Error(t, err)
}

func TestSetupLoggerReplacesGlobal(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	logger, err := SetupLogger(config.LogConfig{Level: "error", Outputs: []string{"stderr"}})
	require.NoError(t, err)
	assert.Same(t, logger, zap.L())
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))
}
