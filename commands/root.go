// Package commands builds the warden command line.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/checkpoint"
	"github.com/ByteMirror/warden/config"
	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/executor"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/probe"
)

const sqliteFileName = "warden.db"

// Exit codes.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	var ce *config.ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ce):
		return ExitConfig
	default:
		return ExitError
	}
}

// env carries the persistent flags every command shares.
type env struct {
	configDir string
	version   string

	// probe replaces the system probe when set.
	probe probe.Probe
}

// NewRootCmd builds the full command tree.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(&env{version: version})
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Warden - a resource-aware orchestrator for the agents on this host",
		Long: `Warden decides which agents may run on this machine and when. It keeps the RAM, CPU and
GPU they reserve under a fixed ceiling, queues their tasks by priority and deadline, and
pauses everything but the coordinator when the host runs short.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&e.configDir, "config-dir", "",
		"Configuration directory (default $"+config.HomeEnv+" or ~/.warden)")

	root.AddCommand(
		e.startCmd(),
		e.statusCmd(),
		e.overviewCmd(),
		e.agentCmd(),
		e.dashboardCmd(),
		e.submitCmd(),
		e.criticalCmd(),
		e.exitCriticalCmd(),
		e.manualCmd(),
		e.pauseCmd(),
		e.resumeCmd(),
		e.emergencyCmd(),
		e.maintenanceCmd(),
		e.shutdownCmd(),
		e.cleanupCmd(),
		e.mcpCmd(),
		e.debugCmd(),
		e.versionCmd(),
	)
	return root
}

func (e *env) load() (*config.Config, *config.Roster, error) {
	cfg, err := config.LoadConfig(e.configDir)
	if err != nil {
		return nil, nil, err
	}
	roster, err := config.LoadRoster(cfg.AgentsPath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, roster, nil
}

// openStore opens the persistence backend the configuration selects.
func openStore(cfg *config.Config) (checkpoint.Store, error) {
	dir := cfg.StatePath()
	switch cfg.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		return checkpoint.NewSQLiteStore(filepath.Join(dir, sqliteFileName))
	default:
		return checkpoint.NewFileStore(dir)
	}
}

func newExecutor(cfg *config.Config) orchestrator.Executor {
	return executor.NewRouter(
		&executor.Command{Dir: cfg.Dir()},
		&executor.Simulated{Steps: 10, StepTime: time.Second},
	)
}

// open builds an orchestrator over the persisted state. opts may set the probe, executor
// and cycle hook; the rest is filled in here.
func (e *env) open(cfg *config.Config, roster *config.Roster, opts orchestrator.Options) (*orchestrator.Orchestrator, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	opts.Config, opts.Roster, opts.Store = cfg, roster, store
	if opts.Probe == nil {
		opts.Probe = e.probe
	}
	if opts.Probe == nil {
		opts.Probe = probe.NewSystem(cfg.DiskPath)
	}
	if opts.Executor == nil {
		opts.Executor = newExecutor(cfg)
	}
	o, err := orchestrator.New(opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := o.Init(); err != nil {
		store.Close()
		return nil, err
	}
	return o, nil
}

// connect returns a client when a loop answers on the configured socket.
func connect(cfg *config.Config) (*control.Client, bool) {
	c := control.NewClient(cfg.Socket())
	if err := c.Ping(); err != nil {
		return nil, false
	}
	return c, true
}

// offline opens the persisted state, runs fn and writes the result back.
func (e *env) offline(cfg *config.Config, roster *config.Roster, fn func(*orchestrator.Orchestrator) error) error {
	o, err := e.open(cfg, roster, orchestrator.Options{})
	if err != nil {
		return err
	}
	return errors.Join(fn(o), o.Close())
}
