package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/ui"
)

func (e *env) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [interval]",
		Short: "Run the orchestration loop in the foreground",
		Long: `Run the orchestration loop until interrupted or a shutdown request arrives. The optional
interval is the number of seconds between cycles and defaults to the configured poll interval.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roster, err := e.load()
			if err != nil {
				return err
			}
			interval := cfg.PollInterval()
			if len(args) == 1 {
				secs, err := strconv.Atoi(args[0])
				if err != nil || secs <= 0 {
					return fmt.Errorf("interval must be a positive number of seconds, got %q", args[0])
				}
				interval = time.Duration(secs) * time.Second
			}

			log.Initialize(true)
			defer log.Close()

			out := cmd.OutOrStdout()
			var o *orchestrator.Orchestrator
			every := uint64(cfg.StatusEveryCycles)
			o, err = e.open(cfg, roster, orchestrator.Options{
				OnCycle: func(cycle uint64) {
					if every > 0 && cycle%every == 0 {
						fmt.Fprintln(out, ui.Summary(o.Status()))
					}
				},
			})
			if err != nil {
				return err
			}

			srv := control.NewServer(cfg.Socket(), o)
			if err := srv.Start(); err != nil {
				return errors.Join(err, o.Close())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(out, "warden loop started: %d agents, cycle every %s, socket %s\n",
				len(roster.Agents), interval, cfg.Socket())
			runErr := o.Run(ctx, interval)
			srv.Stop()
			fmt.Fprintln(out, "warden loop stopped")
			return errors.Join(runErr, o.Close())
		},
	}
}
