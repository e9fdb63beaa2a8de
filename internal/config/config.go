package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds mxu runtime configuration.
type Config struct {
	// DataDir is the base directory for mxu runtime data.
	DataDir string `yaml:"data_dir"`

	// LibDir is the directory holding the MaaFramework shared libraries.
	LibDir string `yaml:"lib_dir"`

	// AgentBinaryDir is passed to ADB controllers as the on-device agent directory.
	AgentBinaryDir string `yaml:"agent_binary_dir"`

	// SocketPath is the unix socket path for the mxud API.
	SocketPath string `yaml:"socket_path"`

	// DBPath is the path to the SQLite database.
	DBPath string `yaml:"db_path"`

	// LogsDir is the directory for per-instance agent log files.
	LogsDir string `yaml:"logs_dir"`

	// BackupDir receives files replaced by a finished download.
	BackupDir string `yaml:"backup_dir"`

	// ScreenshotShortSide is set on every new controller.
	ScreenshotShortSide int32 `yaml:"screenshot_short_side"`

	// AgentTimeout is the default agent connect timeout. Negative waits forever.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	Download DownloadConfig `yaml:"download"`
}

// DownloadConfig tunes the HTTP download path.
type DownloadConfig struct {
	// Timeout bounds a whole request, body included.
	Timeout time.Duration `yaml:"timeout"`

	// ConnectTimeout bounds dialing the server or proxy.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Retries is how many times a connection-level failure is retried.
	// HTTP error statuses are never retried.
	Retries int `yaml:"retries"`

	// ProgressInterval is the minimum spacing of progress events.
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// BufferSize is the write buffer in front of the staging file.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the default configuration rooted at ~/.mxu.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return DefaultConfigAt(filepath.Join(homeDir, ".mxu"))
}

// DefaultConfigAt returns the default configuration with every path under root.
func DefaultConfigAt(root string) *Config {
	execDir := executableDir()
	dataDir := filepath.Join(root, "data")

	return &Config{
		DataDir:             dataDir,
		LibDir:              filepath.Join(execDir, "maafw"),
		AgentBinaryDir:      filepath.Join(execDir, "MaaAgentBinary"),
		SocketPath:          filepath.Join(root, "mxud.sock"),
		DBPath:              filepath.Join(dataDir, "mxu.db"),
		LogsDir:             filepath.Join(dataDir, "debug"),
		BackupDir:           filepath.Join(dataDir, "cache", "old"),
		ScreenshotShortSide: 720,
		AgentTimeout:        -1,
		Download: DownloadConfig{
			Timeout:          30 * time.Second,
			ConnectTimeout:   10 * time.Second,
			Retries:          2,
			ProgressInterval: 100 * time.Millisecond,
			BufferSize:       256 * 1024,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields the
// defaults. When the file sets root, every path not set explicitly moves under it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var probe struct {
		Root string `yaml:"root"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if probe.Root != "" {
		cfg = DefaultConfigAt(probe.Root)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ScreenshotShortSide <= 0 {
		return fmt.Errorf("screenshot_short_side must be positive, got %d", c.ScreenshotShortSide)
	}
	if c.Download.BufferSize <= 0 {
		return fmt.Errorf("download.buffer_size must be positive, got %d", c.Download.BufferSize)
	}
	if c.Download.Retries < 0 {
		return fmt.Errorf("download.retries must not be negative, got %d", c.Download.Retries)
	}
	return nil
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.DBPath),
		c.LogsDir,
		c.BackupDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
