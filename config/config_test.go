package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/resource"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize(false)
	defer log.Close()

	exitCode := m.Run()
	os.Exit(exitCode)
}

func TestGetConfigDir(t *testing.T) {
	t.Run("honours WARDEN_HOME", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(HomeEnv, dir)

		got, err := GetConfigDir()
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("defaults to home directory", func(t *testing.T) {
		t.Setenv(HomeEnv, "")
		got, err := GetConfigDir()
		require.NoError(t, err)
		assert.Equal(t, ".warden", filepath.Base(got))
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60, cfg.PollIntervalSeconds)
	assert.Equal(t, resource.Vector{RAM: 28, CPU: 8, GPU: 10}, cfg.Ceiling)
	assert.Equal(t, 90.0, cfg.Thresholds.CriticalRAMPercent)
	assert.Equal(t, 85.0, cfg.Thresholds.CriticalCPUPercent)
	assert.Equal(t, 80.0, cfg.Thresholds.MaxTempC)
	assert.Equal(t, 10.0, cfg.Thresholds.MinDiskGB)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 1, cfg.MaxScheduledActive)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file writes defaults", func(t *testing.T) {
		dir := t.TempDir()

		cfg, err := LoadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Workers, cfg.Workers)
		assert.FileExists(t, filepath.Join(dir, ConfigFileName))
		assert.Equal(t, filepath.Join(dir, "state"), cfg.StatePath())
		assert.Equal(t, filepath.Join(dir, SocketFileName), cfg.Socket())
	})

	t.Run("partial file keeps other defaults", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName),
			[]byte(`{"workers": 2, "store": "sqlite", "state_dir": "/var/lib/warden"}`), 0644))

		cfg, err := LoadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Workers)
		assert.Equal(t, StoreSQLite, cfg.Store)
		assert.Equal(t, "/var/lib/warden", cfg.StatePath())
		assert.Equal(t, 60, cfg.PollIntervalSeconds)
	})

	t.Run("malformed file is a config error", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"workers":`), 0644))

		_, err := LoadConfig(dir)
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Contains(t, cfgErr.Path, ConfigFileName)
	})

	t.Run("invalid values are a config error", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"store": "postgres"}`), 0644))

		_, err := LoadConfig(dir)
		var cfgErr *ConfigError
		assert.True(t, errors.As(err, &cfgErr))
	})
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	require.NoError(t, AtomicWriteFile(path, []byte("one"), 0600))
	require.NoError(t, AtomicWriteFile(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
