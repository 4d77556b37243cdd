package commands

import (
	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/mcp"
)

func (e *env) mcpCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the control socket as MCP tools over stdio",
		Long: `Serve the running loop as Model Context Protocol tools over stdio. Read tools are always
available; --write also exposes submit, pause, resume and the mode changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := e.load()
			if err != nil {
				return err
			}
			log.Initialize(true)
			defer log.Close()
			mcp.SetLogger(log.InfoLog)

			return mcp.NewServer(control.NewClient(cfg.Socket()), e.version, write).Serve()
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "Expose tools that change agents and modes")
	return cmd
}
