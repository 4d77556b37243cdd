package mcp

import (
	"fmt"
	"log"
)

// logger is the package-level logger. If nil, logging is a no-op.
var logger *log.Logger

// SetLogger sets the logger tool calls are recorded to. Stdout carries the protocol, so
// this must not write there.
func SetLogger(l *log.Logger) {
	logger = l
}

// Log writes a formatted message to the configured logger.
func Log(format string, args ...any) {
	if logger != nil {
		_ = logger.Output(2, fmt.Sprintf(format, args...))
	}
}
