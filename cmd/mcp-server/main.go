// Command mcp-server exposes a running warden loop as MCP tools over stdio. It is the
// standalone form of "warden mcp" for clients that launch a bare binary.
package main

import (
	"fmt"
	"os"

	"github.com/ByteMirror/warden/config"
	"github.com/ByteMirror/warden/control"
	"github.com/ByteMirror/warden/log"
	wardenmcp "github.com/ByteMirror/warden/mcp"
)

var version = "1.0.0"

func main() {
	// WARDEN_HOME is honoured by config.LoadConfig.
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden-mcp: %v\n", err)
		os.Exit(2)
	}

	log.Initialize(true)
	defer log.Close()
	wardenmcp.SetLogger(log.InfoLog)

	write := os.Getenv("WARDEN_MCP_WRITE") == "1"
	srv := wardenmcp.NewServer(control.NewClient(cfg.Socket()), version, write)
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "warden-mcp: %v\n", err)
		log.Close()
		os.Exit(1)
	}
}
