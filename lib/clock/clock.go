// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the agent runtime. Production code
// injects Real(); tests inject Fake() and advance time deterministically.
//
// Heartbeat intervals, retry delays, message poll ticks, and the
// force-exit timer all run through a Clock, so every timing-sensitive
// behavior in the runtime is testable without wall-clock sleeps.
package clock

import "time"

// Clock provides the time operations used by the agent runtime. Any
// component that would call time.Now, time.After, time.AfterFunc, or
// time.NewTicker takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after duration d and returns a
	// Timer whose Stop cancels the pending call. The Timer's C field
	// is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// ticks are dropped, not queued, when the consumer falls behind
// (matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }

// Timer is a scheduled one-shot event. Timers created by AfterFunc
// have a nil C.
type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop prevents the timer from firing. Returns false when the timer
// already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }
