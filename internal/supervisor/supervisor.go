// Package supervisor coordinates the managed recorders, signal
// handling, and the main event loop for the recsup daemon.
package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// handledSignals are the signals the run loop reacts to. SIGCHLD is
// included so child exits wake the loop for reaping.
var handledSignals = []os.Signal{
	syscall.SIGTERM,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGHUP,
	syscall.SIGUSR2,
	syscall.SIGCHLD,
}

// SignalQueue captures OS signals for deferred processing in the main loop.
type SignalQueue struct {
	C      <-chan os.Signal
	ch     chan os.Signal
	logger *slog.Logger
}

// NewSignalQueue registers for the handled signals with a buffer of 16,
// deep enough to survive a burst of SIGCHLDs during shutdown.
func NewSignalQueue(logger *slog.Logger) *SignalQueue {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, handledSignals...)
	return &SignalQueue{
		C:      ch,
		ch:     ch,
		logger: logger,
	}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}

// RootWarning logs a warning if the daemon runs as root (uid 0) and no
// recorder has a user credential configured for privilege switching.
func RootWarning(logger *slog.Logger, userConfigured bool) {
	if os.Getuid() != 0 {
		return
	}
	if userConfigured {
		return
	}
	logger.Warn("running as root without user credentials; consider setting user on the recorders")
}
