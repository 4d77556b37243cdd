package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/ui"
)

const defaultOverviewEvents = 20

// query reads from a running loop when one answers and from the persisted state otherwise.
func query[T any](e *env, remote func(*control.Client) (*T, error), local func(*orchestrator.Orchestrator) (T, error)) (T, error) {
	var zero T
	cfg, roster, err := e.load()
	if err != nil {
		return zero, err
	}
	if c, ok := connect(cfg); ok {
		v, err := remote(c)
		if err != nil {
			return zero, err
		}
		return *v, nil
	}
	var v T
	err = e.offline(cfg, roster, func(o *orchestrator.Orchestrator) error {
		var err error
		v, err = local(o)
		return err
	})
	return v, err
}

func (e *env) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show resources, agents and the task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := query(e,
				(*control.Client).Status,
				func(o *orchestrator.Orchestrator) (orchestrator.StatusReport, error) { return o.Status(), nil })
			if err != nil {
				return err
			}
			return ui.Print(cmd.OutOrStdout(), r, ui.RenderStatus)
		},
	}
}

func (e *env) overviewCmd() *cobra.Command {
	var events int
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Show the status together with metrics, alerts and recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if events < 0 {
				return fmt.Errorf("--events must not be negative")
			}
			ov, err := query(e,
				func(c *control.Client) (*orchestrator.Overview, error) { return c.Overview(events) },
				func(o *orchestrator.Orchestrator) (orchestrator.Overview, error) { return o.Overview(events), nil })
			if err != nil {
				return err
			}
			return ui.Print(cmd.OutOrStdout(), ov, ui.RenderOverview)
		},
	}
	cmd.Flags().IntVar(&events, "events", defaultOverviewEvents, "Number of recent events to include")
	return cmd
}

func (e *env) agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent <id>",
		Short: "Show one agent with its checkpoints and queued tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			d, err := query(e,
				func(c *control.Client) (*orchestrator.AgentDetail, error) { return c.Agent(id) },
				func(o *orchestrator.Orchestrator) (orchestrator.AgentDetail, error) { return o.Agent(id) })
			if err != nil {
				return err
			}
			return ui.Print(cmd.OutOrStdout(), d, ui.RenderAgent)
		},
	}
}

func (e *env) dashboardCmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Open the live terminal dashboard of a running loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := e.load()
			if err != nil {
				return err
			}
			c, ok := connect(cfg)
			if !ok {
				return fmt.Errorf("%w on %s; run 'warden start' first", control.ErrNotRunning, cfg.Socket())
			}
			if refresh <= 0 {
				refresh = time.Second
			}
			return ui.NewDashboard(c, refresh).Run()
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "How often the dashboard polls the loop")
	return cmd
}
