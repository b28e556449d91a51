package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds configuration for the cycleflow scheduler process.
type ServerConfig struct {
	Addr      string `toml:"addr"`       // Listen address for the command API (default "127.0.0.1:0")
	RunDir    string `toml:"run_dir"`    // Workflow run directory root (default ~/cycleflow-run)
	LogLevel  string `toml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `toml:"log_format"` // Log format: text, json
	DBPath    string `toml:"db_path"`    // SQLite database path (default <run dir>/log/db, ":memory:" for testing)

	TickInterval        time.Duration `toml:"tick_interval"`        // Scheduler pass period
	MaxSubmissions      int           `toml:"max_submissions"`      // Concurrent job submissions
	CheckpointRetention int           `toml:"checkpoint_retention"` // Named checkpoints kept, besides latest
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                "127.0.0.1:0",
		RunDir:              defaultRunDir(),
		LogLevel:            "info",
		LogFormat:           "text",
		TickInterval:        time.Second,
		MaxSubmissions:      8,
		CheckpointRetention: 10,
	}
}

func defaultRunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cycleflow-run"
	}
	return filepath.Join(home, "cycleflow-run")
}

// LoadServerConfig reads a TOML file over the defaults. A missing file is not
// an error; the defaults are returned.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("load server config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("load server config %s: unknown keys %v", path, undecoded)
	}
	if cfg.MaxSubmissions < 1 {
		return cfg, fmt.Errorf("load server config %s: max_submissions must be positive", path)
	}
	return cfg, nil
}

// WorkflowRunDir returns the run directory of the named workflow.
func (c ServerConfig) WorkflowRunDir(name string) string {
	return filepath.Join(c.RunDir, name)
}

// DatabasePath returns the checkpoint database path for a run directory.
func (c ServerConfig) DatabasePath(runDir string) string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(runDir, "log", "db")
}
