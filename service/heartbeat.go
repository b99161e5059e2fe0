// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/agentd/lib/clock"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Minute
	DefaultRetryDelay        = 30 * time.Second
	DefaultMaxRetries        = 5
)

// HeartbeatHandler is the user callback a heartbeat service runs on
// each tick. Errors are recorded and retried within the interval
// window; they never escalate past the service.
type HeartbeatHandler func(ctx context.Context) error

// HeartbeatConfig configures a HeartbeatService.
type HeartbeatConfig struct {
	// Name defaults to "heartbeat".
	Name string

	// Interval between scheduled runs. Defaults to 30 minutes.
	Interval time.Duration

	// RetryDelay is the wait before retrying a failed run. Defaults
	// to 30 seconds.
	RetryDelay time.Duration

	// MaxRetries is the retry budget per interval window. Defaults
	// to 5. Each interval tick starts a fresh budget.
	MaxRetries int

	// SkipInitialRun suppresses the immediate run at Start. By
	// default the handler runs once as soon as the service starts.
	SkipInitialRun bool

	// Handler is required.
	Handler HeartbeatHandler

	// Clock defaults to Real.
	Clock clock.Clock

	// Logger defaults to the runtime's logger.
	Logger *slog.Logger
}

// HeartbeatStats is a snapshot of a heartbeat service's counters.
type HeartbeatStats struct {
	Runs                int       `json:"runs"`
	Successes           int       `json:"successes"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRunAt           time.Time `json:"last_run_at"`
	LastErrorAt         time.Time `json:"last_error_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// HeartbeatService runs a handler on a fixed interval with bounded
// retry. A failed run is retried after RetryDelay, at most MaxRetries
// times per interval window; once the budget is spent the service
// waits for the next tick, which resets the consecutive-failure count
// and grants a fresh budget. Failures are logged and counted only;
// a permanently failing handler keeps the service running (and keeps
// being retried every window) rather than reaching any terminal
// failed state.
type HeartbeatService struct {
	name           string
	interval       time.Duration
	retryDelay     time.Duration
	maxRetries     int
	skipInitialRun bool
	handler        HeartbeatHandler
	clock          clock.Clock
	logger         *slog.Logger

	mu            sync.Mutex
	running       bool
	stop          chan struct{}
	stats         HeartbeatStats
	windowRetries int
}

// NewHeartbeat creates a heartbeat service from config.
func NewHeartbeat(config HeartbeatConfig) (*HeartbeatService, error) {
	if config.Handler == nil {
		return nil, errors.New("service: heartbeat Handler is required")
	}

	name := config.Name
	if name == "" {
		name = "heartbeat"
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	retryDelay := config.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &HeartbeatService{
		name:           name,
		interval:       interval,
		retryDelay:     retryDelay,
		maxRetries:     maxRetries,
		skipInitialRun: config.SkipInitialRun,
		handler:        config.Handler,
		clock:          clk,
		logger:         config.Logger,
	}, nil
}

// Name implements Service.
func (s *HeartbeatService) Name() string { return s.name }

// Running implements Service.
func (s *HeartbeatService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats implements Service.
func (s *HeartbeatService) Stats() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start implements Service. Unless SkipInitialRun is set, the first
// run happens synchronously before Start returns, so a just-started
// agent has already reported once.
func (s *HeartbeatService) Start(ctx context.Context, runtime Runtime) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service: heartbeat %q is already running", s.name)
	}
	if s.logger == nil {
		s.logger = runtime.logger().With("service", s.name)
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	// A fresh start is a fresh window: a budget exhausted in an
	// earlier life must not starve the initial run's retries.
	s.windowRetries = 0
	s.stats.ConsecutiveFailures = 0
	s.mu.Unlock()

	retryPending := false
	if !s.skipInitialRun {
		retryPending = !s.execute(ctx) && s.consumeRetryBudget()
	}

	go s.loop(ctx, stop, retryPending)

	s.logger.Info("heartbeat service started",
		"interval", s.interval,
		"retry_delay", s.retryDelay,
		"max_retries", s.maxRetries,
	)
	return nil
}

// Stop implements Service.
func (s *HeartbeatService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	s.logger.Info("heartbeat service stopped")
	return nil
}

// loop drives the interval ticker and the per-window retry timer. The
// retry timer is an overlay: it never delays or replaces the main
// interval tick.
func (s *HeartbeatService) loop(ctx context.Context, stop chan struct{}, retryPending bool) {
	var retry <-chan time.Time
	if retryPending {
		retry = s.clock.After(s.retryDelay)
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			// A new interval window: fresh retry budget, and the
			// consecutive-failure count starts over.
			s.mu.Lock()
			s.windowRetries = 0
			s.stats.ConsecutiveFailures = 0
			s.mu.Unlock()
			retry = nil
			if !s.execute(ctx) && s.consumeRetryBudget() {
				retry = s.clock.After(s.retryDelay)
			}

		case <-retry:
			retry = nil
			if !s.execute(ctx) && s.consumeRetryBudget() {
				retry = s.clock.After(s.retryDelay)
			}
		}
	}
}

// execute runs the handler once and records the outcome. Returns true
// on success.
func (s *HeartbeatService) execute(ctx context.Context) bool {
	err := s.handler(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Runs++
	s.stats.LastRunAt = s.clock.Now()
	if err == nil {
		s.stats.Successes++
		s.stats.ConsecutiveFailures = 0
		return true
	}

	s.stats.Failures++
	s.stats.ConsecutiveFailures++
	s.stats.LastErrorAt = s.clock.Now()
	s.stats.LastError = err.Error()
	s.logger.Warn("heartbeat handler failed",
		"error", err,
		"consecutive_failures", s.stats.ConsecutiveFailures,
	)
	return false
}

// consumeRetryBudget takes one retry from the current window's
// budget. Returns false once the window has used all MaxRetries.
func (s *HeartbeatService) consumeRetryBudget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowRetries >= s.maxRetries {
		s.logger.Warn("heartbeat retry budget exhausted, waiting for next interval",
			"max_retries", s.maxRetries,
		)
		return false
	}
	s.windowRetries++
	return true
}
