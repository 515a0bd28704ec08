package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "simplecomm.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
app_name: demo
log:
  level: debug
  format: json
transport:
  listeners: ["inproc://a", "inproc://b"]
  inbox_size: 8
  layer_codec: JSON
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.AppName)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"inproc://a", "inproc://b"}, cfg.Transport.Listeners)
	assert.Equal(t, 8, cfg.Transport.InboxSize)
	assert.Equal(t, "json", cfg.Transport.LayerCodec)
	assert.Equal(t, 2000, cfg.Transport.ConnectTimeoutMS)
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	t.Setenv("SIMPLECOMM_LOG_LEVEL", "warn")
	t.Setenv("SIMPLECOMM_TRANSPORT_LAYER_CODEC", "proto")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "proto", cfg.Transport.LayerCodec)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, body := range map[string]string{
		"level":    "log:\n  level: loud\n",
		"codec":    "transport:\n  layer_codec: xml\n",
		"inbox":    "transport:\n  inbox_size: -1\n",
		"listener": "transport:\n  listeners: [\"\"]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMustLoadPanicsOnBadFile(t *testing.T) {
	p := writeConfig(t, "log: [unterminated\n")
	assert.Panics(t, func() { MustLoad(p) })
}
