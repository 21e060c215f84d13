package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/callrelay/config"
)

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"}, false)
	assert.Error(t, err)
}

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")

	lg, err := New(config.LogConfig{Level: "info", Filename: path, MaxSize: 1}, true)
	require.NoError(t, err)

	lg.Info("relay started")
	_ = lg.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "relay started")
}
