//go:build !windows

package mcp

import (
	"os"
	"syscall"
)

// ShutdownSignals stop a running server, including a terminal hangup.
var ShutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
