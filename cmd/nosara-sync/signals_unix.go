//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals returns the signals that stop the daemon on Unix systems
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignals returns the signals that trigger a config reload
func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
