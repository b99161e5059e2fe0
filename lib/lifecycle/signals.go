// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentfleet/agentd/lib/clock"
)

// DefaultForceExitTimeout bounds how long a shutdown may run after
// the first SIGTERM/SIGINT before the process is terminated anyway.
const DefaultForceExitTimeout = 5 * time.Second

// ShutdownFunc performs the graceful shutdown work. It runs at most
// once per Handle regardless of how many signals arrive.
type ShutdownFunc func(ctx context.Context) error

// SignalOptions configures NotifySignals.
type SignalOptions struct {
	// OnRestart runs when SIGUSR1 arrives. Restart is not a shutdown
	// path: the process keeps running. Nil ignores SIGUSR1.
	OnRestart func()

	// ForceExitTimeout is how long shutdown may run before Exit is
	// called with code 1. Defaults to DefaultForceExitTimeout.
	ForceExitTimeout time.Duration

	// Clock drives the force-exit timer. Defaults to Real.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Exit terminates the process when the force-exit timer fires.
	// Defaults to os.Exit. Tests override it to observe the forced
	// exit without killing the test binary.
	Exit func(code int)
}

// Handle is an installed signal handler. Wait on Done for the
// shutdown outcome; call Remove to detach the handler (tests).
type Handle struct {
	shutdown ShutdownFunc
	options  SignalOptions

	signals chan os.Signal
	done    chan int
	once    sync.Once

	removeOnce sync.Once
}

// NotifySignals installs handlers for SIGTERM, SIGINT, and SIGUSR1.
//
// SIGTERM and SIGINT trigger the shutdown routine exactly once; a
// second signal while shutdown is in flight is ignored rather than
// re-entering it. When shutdown completes, Done yields 0 on success
// and 1 on failure; the caller decides to exit. If shutdown is still
// running when ForceExitTimeout elapses, Exit(1) terminates the
// process unconditionally.
//
// SIGUSR1 invokes OnRestart and leaves the process running.
func NotifySignals(shutdown ShutdownFunc, options SignalOptions) *Handle {
	if options.ForceExitTimeout <= 0 {
		options.ForceExitTimeout = DefaultForceExitTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Exit == nil {
		options.Exit = os.Exit
	}

	h := &Handle{
		shutdown: shutdown,
		options:  options,
		signals:  make(chan os.Signal, 4),
		done:     make(chan int, 1),
	}

	signal.Notify(h.signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	go h.dispatch()
	return h
}

// Done returns a channel that receives the shutdown exit code (0
// success, 1 failure) once the shutdown routine completes.
func (h *Handle) Done() <-chan int {
	return h.done
}

// Trigger runs the same idempotent shutdown path a SIGTERM would.
// Useful for programmatic shutdown and tests.
func (h *Handle) Trigger() {
	h.runShutdown()
}

// Remove detaches the handler from process signal delivery. Safe to
// call multiple times. After Remove, signals follow default process
// disposition again.
func (h *Handle) Remove() {
	h.removeOnce.Do(func() {
		signal.Stop(h.signals)
		close(h.signals)
	})
}

// dispatch routes incoming signals until Remove closes the channel.
func (h *Handle) dispatch() {
	for received := range h.signals {
		switch received {
		case syscall.SIGUSR1:
			if h.options.OnRestart != nil {
				h.options.Logger.Info("restart signal received")
				h.options.OnRestart()
			}
		default:
			h.options.Logger.Info("shutdown signal received", "signal", received.String())
			h.runShutdown()
		}
	}
}

// runShutdown executes the shutdown routine at most once, guarded by
// the force-exit timer. The timer holds the termination guarantee: if
// a shutdown step hangs (an unresponsive transport, a stuck handler),
// the process still exits.
func (h *Handle) runShutdown() {
	h.once.Do(func() {
		go func() {
			forceExit := h.options.Clock.AfterFunc(h.options.ForceExitTimeout, func() {
				h.options.Logger.Error("shutdown did not complete in time, forcing exit",
					"timeout", h.options.ForceExitTimeout)
				h.options.Exit(1)
			})
			defer forceExit.Stop()

			code := 0
			if err := h.shutdown(context.Background()); err != nil {
				h.options.Logger.Error("shutdown failed", "error", err)
				code = 1
			}
			h.done <- code
		}()
	})
}
