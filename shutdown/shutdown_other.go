//go:build !windows

package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

// SIGHUP ends a session whose terminal went away.
func notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}
