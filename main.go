package main

import (
	"fmt"
	"os"

	"github.com/ByteMirror/warden/commands"
)

var version = "1.0.0"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(commands.ExitCode(err))
	}
}
