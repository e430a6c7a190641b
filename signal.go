package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExit is replaced in tests.
var forceExit = func() { os.Exit(1) }

// pauseOnSignal calls pause on the first SIGINT/SIGTERM so in-flight
// downloads finish and the job is recorded as paused. A second signal exits
// immediately. The watcher stops when ctx ends.
func pauseOnSignal(ctx context.Context, pause func(), logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, pausing export",
				slog.String("signal", sig.String()),
			)
			pause()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			forceExit()
		case <-ctx.Done():
			return
		}
	}()
}
