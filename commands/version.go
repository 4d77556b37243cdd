package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/warden/config"
	"github.com/ByteMirror/warden/log"
)

func (e *env) debugCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(e.configDir)
			if err != nil {
				return err
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config: %s\n", filepath.Join(cfg.Dir(), config.ConfigFileName))
			fmt.Fprintf(out, "Agents: %s\n", cfg.AgentsPath())
			fmt.Fprintf(out, "State:  %s (%s store)\n", cfg.StatePath(), cfg.Store)
			fmt.Fprintf(out, "Socket: %s\n", cfg.Socket())
			fmt.Fprintf(out, "Log:    %s\n", log.FileName())
			fmt.Fprintf(out, "%s\n", configJson)
			return nil
		},
	}
}

func (e *env) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of warden",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warden version %s\n", e.version)
			fmt.Fprintf(cmd.OutOrStdout(), "https://github.com/ByteMirror/warden/releases/tag/v%s\n", e.version)
		},
	}
}
