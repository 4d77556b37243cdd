package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/orchestrator"
	"github.com/ByteMirror/warden/queue"
	"github.com/ByteMirror/warden/resource"
)

const defaultPriority = 5

type submitFlags struct {
	priority  int
	deadline  time.Duration
	ram       float64
	cpu       float64
	gpu       float64
	units     int64
	dependsOn []string
	payload   string
}

func (f *submitFlags) task(agentID, taskType string, now time.Time) (queue.Task, error) {
	if f.priority < queue.MinPriority || f.priority > queue.MaxPriority {
		return queue.Task{}, fmt.Errorf("--priority must be between %d and %d", queue.MinPriority, queue.MaxPriority)
	}
	if f.units < 0 {
		return queue.Task{}, fmt.Errorf("--units must not be negative")
	}
	t := queue.Task{
		Agent:        agentID,
		Type:         taskType,
		Priority:     f.priority,
		Resources:    resource.Vector{RAM: f.ram, CPU: f.cpu, GPU: f.gpu},
		Dependencies: f.dependsOn,
		TotalUnits:   f.units,
	}
	if f.deadline > 0 {
		d := now.Add(f.deadline)
		t.Deadline = &d
	}
	if f.payload != "" {
		if err := json.Unmarshal([]byte(f.payload), &t.Payload); err != nil {
			return queue.Task{}, fmt.Errorf("--payload must be a JSON object: %w", err)
		}
	}
	return t, nil
}

func (e *env) submitCmd() *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <agent> <type>",
		Short: "Queue a task for an agent",
		Long: `Queue a task for an agent. The tier follows from the priority unless the deadline is
close enough to promote it. Resource flags override the agent's default request.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := f.task(args[0], args[1], time.Now())
			if err != nil {
				return err
			}
			cfg, roster, err := e.load()
			if err != nil {
				return err
			}

			var stored queue.Task
			if c, ok := connect(cfg); ok {
				s, err := c.Submit(t)
				if err != nil {
					return err
				}
				stored = *s
			} else {
				err = e.offline(cfg, roster, func(o *orchestrator.Orchestrator) error {
					var err error
					stored, err = o.Submit(t)
					return err
				})
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s to %s (%s tier)\n", stored.ID, stored.Agent, stored.Tier)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.priority, "priority", defaultPriority, "Task priority from 0 to 10")
	cmd.Flags().DurationVar(&f.deadline, "deadline", 0, "Deadline relative to now, e.g. 10m")
	cmd.Flags().Float64Var(&f.ram, "ram", 0, "RAM to reserve in GB")
	cmd.Flags().Float64Var(&f.cpu, "cpu", 0, "CPU threads to reserve")
	cmd.Flags().Float64Var(&f.gpu, "gpu", 0, "GPU memory to reserve in GB")
	cmd.Flags().Int64Var(&f.units, "units", 0, "Total work units, used for progress and resume")
	cmd.Flags().StringSliceVar(&f.dependsOn, "depends-on", nil, "Task ids that must complete first")
	cmd.Flags().StringVar(&f.payload, "payload", "", "JSON object handed to the executor")
	return cmd
}
