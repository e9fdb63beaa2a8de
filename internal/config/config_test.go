package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfigAt("/tmp/mxu-root")
	assert.Equal(t, "/tmp/mxu-root/data", cfg.DataDir)
	assert.Equal(t, "/tmp/mxu-root/data/cache/old", cfg.BackupDir)
	assert.Equal(t, int32(720), cfg.ScreenshotShortSide)
	assert.Equal(t, time.Duration(-1), cfg.AgentTimeout)
	assert.Equal(t, 256*1024, cfg.Download.BufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Download.ProgressInterval)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SocketPath, cfg.SocketPath)
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mxu.yaml")
	root := filepath.Join(dir, "root")
	data := "root: " + root + "\n" +
		"screenshot_short_side: 1080\n" +
		"download:\n" +
		"  timeout: 1m\n" +
		"  retries: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "data", "mxu.db"), cfg.DBPath)
	assert.Equal(t, int32(1080), cfg.ScreenshotShortSide)
	assert.Equal(t, time.Minute, cfg.Download.Timeout)
	assert.Equal(t, 5, cfg.Download.Retries)
	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Download.ConnectTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mxu.yaml")
	require.NoError(t, os.WriteFile(path, []byte("screenshot_short_side: 0\n"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	cfg := DefaultConfigAt(t.TempDir())
	require.NoError(t, cfg.EnsureDirs())
	for _, d := range []string{cfg.DataDir, cfg.LogsDir, cfg.BackupDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
