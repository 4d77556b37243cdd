package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/orchestrator"
)

const intentWait = 30 * time.Second

// runIntent hands the request to a running loop, or applies it to the persisted state
// directly when nothing listens on the socket.
func (e *env) runIntent(cmd *cobra.Command, in orchestrator.Intent) error {
	cfg, roster, err := e.load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if c, ok := connect(cfg); ok {
		reply, err := c.Intent(in, intentWait)
		if err != nil {
			return err
		}
		if reply.Queued {
			fmt.Fprintf(out, "%s queued: the loop is busy and will apply it on its next cycle\n", in.Kind)
			return nil
		}
		fmt.Fprintln(out, reply.Message)
		return nil
	}
	return e.offline(cfg, roster, func(o *orchestrator.Orchestrator) error {
		res := o.Apply(in)
		if res.Err != nil {
			return res.Err
		}
		fmt.Fprintln(out, res.Message)
		return nil
	})
}

func (e *env) intentCmd(use, short string, args cobra.PositionalArgs, build func([]string) orchestrator.Intent) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runIntent(cmd, build(args))
		},
	}
}

func (e *env) criticalCmd() *cobra.Command {
	return e.intentCmd("critical <agent> <task_type> [description]",
		"Give one agent the whole machine for a critical task",
		cobra.MinimumNArgs(2),
		func(args []string) orchestrator.Intent {
			return orchestrator.Intent{
				Kind:        orchestrator.IntentCritical,
				Agent:       args[0],
				TaskType:    args[1],
				Description: strings.Join(args[2:], " "),
			}
		})
}

func (e *env) exitCriticalCmd() *cobra.Command {
	return e.intentCmd("exit_critical", "Leave critical mode and release the holder",
		cobra.NoArgs,
		func([]string) orchestrator.Intent { return orchestrator.Intent{Kind: orchestrator.IntentExitCritical} })
}

func (e *env) manualCmd() *cobra.Command {
	return e.intentCmd("manual <agent>", "Activate a manual-only agent on operator request",
		cobra.ExactArgs(1),
		func(args []string) orchestrator.Intent {
			return orchestrator.Intent{Kind: orchestrator.IntentManual, Agent: args[0]}
		})
}

func (e *env) pauseCmd() *cobra.Command {
	return e.intentCmd("pause <agent>", "Pause an agent and checkpoint its running task",
		cobra.ExactArgs(1),
		func(args []string) orchestrator.Intent {
			return orchestrator.Intent{Kind: orchestrator.IntentPause, Agent: args[0]}
		})
}

func (e *env) resumeCmd() *cobra.Command {
	return e.intentCmd("resume <agent>", "Resume a paused or hibernated agent",
		cobra.ExactArgs(1),
		func(args []string) orchestrator.Intent {
			return orchestrator.Intent{Kind: orchestrator.IntentResume, Agent: args[0]}
		})
}

func (e *env) emergencyCmd() *cobra.Command {
	return e.intentCmd("emergency", "Pause every agent except the coordinator",
		cobra.NoArgs,
		func([]string) orchestrator.Intent { return orchestrator.Intent{Kind: orchestrator.IntentEmergency} })
}

func (e *env) shutdownCmd() *cobra.Command {
	return e.intentCmd("shutdown", "Pause every agent and stop the loop",
		cobra.NoArgs,
		func([]string) orchestrator.Intent { return orchestrator.Intent{Kind: orchestrator.IntentShutdown} })
}

func (e *env) maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "maintenance on|off",
		Short:     "Suspend or restore task dispatch",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := orchestrator.IntentMaintenanceOn
			if args[0] == "off" {
				kind = orchestrator.IntentMaintenanceOff
			}
			return e.runIntent(cmd, orchestrator.Intent{Kind: kind})
		},
	}
}

func (e *env) cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [days]",
		Short: "Remove finished checkpoints and task records older than days",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := e.load()
			if err != nil {
				return err
			}
			days := cfg.RetentionDays
			if len(args) == 1 {
				days, err = strconv.Atoi(args[0])
				if err != nil || days < 0 {
					return fmt.Errorf("days must be a non-negative number, got %q", args[0])
				}
			}
			return e.runIntent(cmd, orchestrator.Intent{Kind: orchestrator.IntentCleanup, Days: days})
		},
	}
}
