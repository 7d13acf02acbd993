//go:build windows

package mcp

import "os"

// ShutdownSignals stop a running server. Windows only delivers Ctrl+C.
var ShutdownSignals = []os.Signal{os.Interrupt}
