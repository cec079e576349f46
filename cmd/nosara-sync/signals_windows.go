//go:build windows

package main

import (
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignals is empty on Windows; the config watcher still reloads on
// file changes.
func reloadSignals() []os.Signal {
	return nil
}
