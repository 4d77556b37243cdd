package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/mode"
	"github.com/ByteMirror/warden/probe"
	"github.com/ByteMirror/warden/resource"
)

const (
	ConfigFileName = "config.json"
	AgentsFileName = "agents.yaml"
	SocketFileName = "warden.sock"

	// HomeEnv overrides the configuration directory.
	HomeEnv = "WARDEN_HOME"
)

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".warden"), nil
}

// Config represents the application configuration
type Config struct {
	// PollIntervalSeconds is the default loop interval when start is given none.
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	// Workers bounds the general I/O worker pool.
	Workers int `json:"workers"`
	// Ceiling is the hard capacity all reservations must fit under.
	Ceiling resource.Vector `json:"ceiling"`
	// SafetyMargin is kept free on top of every reservation.
	SafetyMargin resource.Vector `json:"safety_margin"`
	// Thresholds trigger emergency mode.
	Thresholds mode.Thresholds `json:"thresholds"`
	// Alerts are the advisory warning and critical bands shown in status.
	Alerts probe.AlertThresholds `json:"alerts"`
	// StateDir holds persisted agent states, checkpoints and the queue. Relative paths are
	// resolved against the config directory.
	StateDir string `json:"state_dir"`
	// Store selects the persistence backend, "file" or "sqlite".
	Store string `json:"store"`
	// AgentsFile is the agent roster. Relative paths are resolved against the config directory.
	AgentsFile string `json:"agents_file"`
	// SocketPath is the control socket of a running loop.
	SocketPath string `json:"socket_path,omitempty"`
	// DiskPath is the filesystem whose free space is probed.
	DiskPath string `json:"disk_path"`
	// RetentionDays is the default age for cleanup of finished checkpoints.
	RetentionDays int `json:"retention_days"`
	// StatusEveryCycles prints a status summary every N cycles of a foreground loop.
	StatusEveryCycles int `json:"status_every_cycles"`
	// MaxScheduledActive caps scheduled agents active next to the coordinator in normal mode.
	MaxScheduledActive int `json:"max_scheduled_active"`
	// MaxTaskFailures moves an agent to the error state after this many consecutive failures.
	MaxTaskFailures int `json:"max_task_failures"`

	dir string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		PollIntervalSeconds: 60,
		Workers:             4,
		Ceiling:             resource.Vector{RAM: 28, CPU: 8, GPU: 10},
		SafetyMargin:        resource.Vector{RAM: 1},
		Thresholds:          mode.DefaultThresholds(),
		Alerts:              probe.DefaultAlertThresholds(),
		StateDir:            "state",
		Store:               StoreFile,
		AgentsFile:          AgentsFileName,
		DiskPath:            "/",
		RetentionDays:       30,
		StatusEveryCycles:   10,
		MaxScheduledActive:  1,
		MaxTaskFailures:     3,
	}
}

// LoadConfig loads config.json from dir, or from GetConfigDir when dir is empty. A missing
// file is created with the defaults; an unreadable or invalid one is a *ConfigError.
func LoadConfig(dir string) (*Config, error) {
	if dir == "" {
		var err error
		if dir, err = GetConfigDir(); err != nil {
			return nil, &ConfigError{Err: err}
		}
	}

	configPath := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			defaultCfg.dir = dir
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg, nil
		}
		return nil, &ConfigError{Path: configPath, Err: err}
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, &ConfigError{Path: configPath, Err: fmt.Errorf("failed to parse config file: %w", err)}
	}
	config.dir = dir
	if err := config.Validate(); err != nil {
		return nil, &ConfigError{Path: configPath, Err: err}
	}
	return config, nil
}

// SaveConfig writes the configuration to its directory.
func SaveConfig(config *Config) error {
	if config.dir == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to get config directory: %w", err)
		}
		config.dir = dir
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return AtomicWriteFile(filepath.Join(config.dir, ConfigFileName), data, 0644)
}

// Validate checks the values that would make the orchestrator misbehave.
func (c *Config) Validate() error {
	switch {
	case c.PollIntervalSeconds <= 0:
		return fmt.Errorf("poll_interval_seconds must be positive")
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive")
	case !c.Ceiling.Valid():
		return fmt.Errorf("ceiling must be finite and not negative")
	case !c.SafetyMargin.Valid():
		return fmt.Errorf("safety_margin must be finite and not negative")
	case c.Store != StoreFile && c.Store != StoreSQLite:
		return fmt.Errorf("store must be %q or %q, got %q", StoreFile, StoreSQLite, c.Store)
	case c.RetentionDays < 0:
		return fmt.Errorf("retention_days must not be negative")
	case c.MaxScheduledActive < 0:
		return fmt.Errorf("max_scheduled_active must not be negative")
	case c.MaxTaskFailures <= 0:
		return fmt.Errorf("max_task_failures must be positive")
	}
	return nil
}

// Dir returns the directory the configuration was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// SetDir points a configuration built in code at a directory.
func (c *Config) SetDir(dir string) {
	c.dir = dir
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// PollInterval returns the default loop interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StatePath returns the resolved state directory.
func (c *Config) StatePath() string {
	return c.resolve(c.StateDir)
}

// AgentsPath returns the resolved roster path.
func (c *Config) AgentsPath() string {
	return c.resolve(c.AgentsFile)
}

// Socket returns the control socket path.
func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return c.resolve(c.SocketPath)
	}
	return filepath.Join(c.dir, SocketFileName)
}
