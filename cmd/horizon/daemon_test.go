package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonArgs(t *testing.T) {
	in := []string{"--config", "h.toml", "--daemonize", "--pidfile", "/tmp/h.pid", "--environment", "local", "--logfile", "/tmp/h.log"}
	assert.Equal(t, []string{"--config", "h.toml", "--environment", "local"}, daemonArgs(in))
	assert.Nil(t, daemonArgs(nil))
}

func TestWritePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "horizon.pid")
	require.NoError(t, writePidFile(path, 4242))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(data))

	require.NoError(t, writePidFile(path, 7))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7", string(data))
}
