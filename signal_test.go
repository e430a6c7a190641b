package main

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"
)

// These tests deliver real signals to the test process, so they do not run
// in parallel.

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPauseOnSignal_FirstSignalPauses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paused := make(chan struct{})
	pauseOnSignal(ctx, func() { close(paused) }, quietLogger())

	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send SIGINT: %v", err)
	}

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("pause not called within 2 seconds of SIGINT")
	}
}

func TestPauseOnSignal_SecondSignalForcesExit(t *testing.T) {
	exited := make(chan struct{})

	old := forceExit
	forceExit = func() { close(exited) }

	t.Cleanup(func() { forceExit = old })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paused := make(chan struct{})
	pauseOnSignal(ctx, func() { close(paused) }, quietLogger())

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	<-paused

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestPauseOnSignal_ContextEndStopsWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	called := make(chan struct{}, 1)
	pauseOnSignal(ctx, func() { called <- struct{}{} }, quietLogger())

	cancel()

	select {
	case <-called:
		t.Fatal("pause called without a signal")
	case <-time.After(100 * time.Millisecond):
	}
}
