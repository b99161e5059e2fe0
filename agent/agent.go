// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent composes the runtime pieces (singleton lock, signal
// handling, hub transport, control server, and services) into one
// supervised agent with a strict start/stop order.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/agentfleet/agentd/admp"
	"github.com/agentfleet/agentd/lib/clock"
	"github.com/agentfleet/agentd/lib/control"
	"github.com/agentfleet/agentd/lib/lifecycle"
	"github.com/agentfleet/agentd/service"
)

// State is an agent's lifecycle phase.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// nameRE constrains agent names to what every platform supervisor and
// the hub accept as an identifier.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// Config configures an Agent.
type Config struct {
	// Name identifies the agent. Alphanumeric plus hyphen, at most
	// 64 characters. Required.
	Name string

	// Host and Port are the control server's bind address. Host
	// defaults to 127.0.0.1; Port 0 binds an OS-assigned port.
	// Non-zero ports must fall in the unprivileged range.
	Host string
	Port int

	// HubURL enables the messaging transport. Empty means the agent
	// runs without a hub connection.
	HubURL string

	// Capabilities and Groups are announced to the hub at
	// registration.
	Capabilities []string
	Groups       []string

	// Services are started in declared order and stopped in reverse.
	Services []service.Service

	// SkipLock disables the singleton lock. Meant for embedding and
	// tests, where several agents share a process.
	SkipLock bool

	// LockDirectory overrides where the lock file lives.
	LockDirectory string

	// DisableSignalHandling leaves process signals untouched. Meant
	// for embedding and tests.
	DisableSignalHandling bool

	// ForceExitTimeout bounds graceful shutdown once a terminating
	// signal arrives. Defaults to lifecycle.DefaultForceExitTimeout.
	ForceExitTimeout time.Duration

	// HTTPClient is used by the transport. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Clock defaults to Real.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ServiceStatus is one service's slice of an agent status report.
type ServiceStatus struct {
	Running    bool   `json:"running"`
	Stats      any    `json:"stats,omitempty"`
	StartError string `json:"start_error,omitempty"`
}

// Status is a live snapshot of an agent. Computed on every request,
// never cached.
type Status struct {
	Name        string                   `json:"name"`
	State       State                    `json:"state"`
	Running     bool                     `json:"running"`
	RuntimeID   string                   `json:"runtime_id"`
	PID         int                      `json:"pid"`
	StartedAt   time.Time                `json:"started_at,omitzero"`
	Uptime      string                   `json:"uptime,omitempty"`
	MemoryBytes uint64                   `json:"memory_bytes,omitempty"`
	Connected   bool                     `json:"connected"`
	Services    map[string]ServiceStatus `json:"services"`
}

// Agent supervises a set of services behind a control server, with a
// per-name singleton lock and signal-driven shutdown.
//
// Start order is strict: lock, signals, transport, control server,
// then services in declared order. Lock and server failures abort the
// start; a transport failure degrades the agent (it runs without a
// hub connection); a single service failure is recorded and the
// remaining services still start. Stop walks the same steps in
// reverse and attempts every one of them even if an earlier step
// failed.
type Agent struct {
	name             string
	services         []service.Service
	skipLock         bool
	lockDirectory    string
	disableSignals   bool
	forceExitTimeout time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	server    *control.Server
	transport *admp.Client

	// opMu serializes Start, Stop, and restart.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	lock        *lifecycle.Lock
	signals     *lifecycle.Handle
	connected   bool
	startErrors map[string]string
}

// New validates config and builds an agent in the Created state.
// Nothing is locked, bound, or connected until Start.
func New(config Config) (*Agent, error) {
	if !nameRE.MatchString(config.Name) {
		return nil, fmt.Errorf("agent: invalid name %q: must be 1-64 alphanumeric or hyphen characters", config.Name)
	}
	if config.Port != 0 && (config.Port < 1024 || config.Port > 65535) {
		return nil, fmt.Errorf("agent: invalid port %d: must be 1024-65535", config.Port)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", config.Name)
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	a := &Agent{
		name:             config.Name,
		services:         config.Services,
		skipLock:         config.SkipLock,
		lockDirectory:    config.LockDirectory,
		disableSignals:   config.DisableSignalHandling,
		forceExitTimeout: config.ForceExitTimeout,
		clock:            clk,
		logger:           logger,
		state:            StateCreated,
		startErrors:      make(map[string]string),
	}

	a.server = control.NewServer(control.ServerConfig{
		Host:   config.Host,
		Port:   config.Port,
		Logger: logger.With("component", "control"),
	})
	a.server.SetStatusProvider(func() any { return a.Status() })

	if config.HubURL != "" {
		client, err := admp.NewClient(admp.ClientConfig{
			HubURL:       config.HubURL,
			AgentName:    config.Name,
			Capabilities: config.Capabilities,
			Groups:       config.Groups,
			HTTPClient:   config.HTTPClient,
			Logger:       logger.With("component", "admp"),
		})
		if err != nil {
			return nil, fmt.Errorf("agent: building transport: %w", err)
		}
		a.transport = client
	}

	return a, nil
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Server exposes the agent's control server, which is owned by the
// agent and must not be stopped directly.
func (a *Agent) Server() *control.Server { return a.server }

// Transport returns the hub client, or nil when no hub is configured.
func (a *Agent) Transport() *admp.Client { return a.transport }

// State returns the current lifecycle phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Running reports whether the agent reached the Running state and has
// not begun stopping.
func (a *Agent) Running() bool { return a.State() == StateRunning }

// Start brings the agent up. See the Agent doc comment for the step
// order and the per-step failure semantics.
func (a *Agent) Start(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.start(ctx)
}

func (a *Agent) start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStarting || a.state == StateRunning || a.state == StateStopping {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("agent: cannot start from state %q", state)
	}
	previous := a.state
	a.state = StateStarting
	a.startErrors = make(map[string]string)
	a.mu.Unlock()

	fail := func(err error) error {
		a.mu.Lock()
		a.state = previous
		a.mu.Unlock()
		return err
	}

	// Step 1: singleton lock.
	if !a.skipLock {
		lock, err := lifecycle.Acquire(a.name, lifecycle.LockOptions{
			Directory: a.lockDirectory,
			Clock:     a.clock,
			Logger:    a.logger,
		})
		if err != nil {
			return fail(fmt.Errorf("agent: acquiring lock: %w", err))
		}
		a.mu.Lock()
		a.lock = lock
		a.mu.Unlock()
	}

	// Step 2: signal handling. A restart keeps the existing handle,
	// so the daemon's Wait survives the stop/start cycle.
	if !a.disableSignals && a.signalHandle() == nil {
		handle := lifecycle.NotifySignals(a.Stop, lifecycle.SignalOptions{
			OnRestart:        a.restart,
			ForceExitTimeout: a.forceExitTimeout,
			Clock:            a.clock,
			Logger:           a.logger,
		})
		a.mu.Lock()
		a.signals = handle
		a.mu.Unlock()
	}

	// Step 3: hub transport. Failure leaves the agent running
	// without messaging rather than failing the start.
	if a.transport != nil {
		if err := a.transport.Connect(ctx); err != nil {
			a.logger.Warn("hub connection failed, continuing without transport", "error", err)
		} else {
			a.mu.Lock()
			a.connected = true
			a.mu.Unlock()
		}
	}

	// Step 4: control server. Fatal: without its endpoints the agent
	// is unobservable and unmanageable.
	if err := a.server.Start(ctx); err != nil {
		a.teardownLifecycle()
		a.mu.Lock()
		a.state = previous
		a.connected = false
		a.mu.Unlock()
		return fmt.Errorf("agent: starting control server: %w", err)
	}

	// Step 5: services, best effort in declared order.
	runtime := a.runtime()
	for _, svc := range a.services {
		if err := svc.Start(ctx, runtime); err != nil {
			a.logger.Error("service failed to start", "service", svc.Name(), "error", err)
			a.mu.Lock()
			a.startErrors[svc.Name()] = err.Error()
			a.mu.Unlock()
		}
	}

	a.mu.Lock()
	a.state = StateRunning
	a.startedAt = a.clock.Now()
	a.mu.Unlock()

	a.logger.Info("agent started",
		"address", a.server.Addr(),
		"services", len(a.services),
		"transport", a.transport != nil,
	)
	return nil
}

// Stop shuts the agent down in reverse start order. Every step is
// attempted even if an earlier one fails; the first error is
// returned. Stopping an agent that is not running is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.stop(ctx, true)
}

func (a *Agent) stop(ctx context.Context, removeSignals bool) error {
	a.mu.Lock()
	if a.state != StateRunning && a.state != StateStarting {
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopping
	a.mu.Unlock()

	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		a.logger.Error("shutdown step failed", "step", step, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("agent: stopping %s: %w", step, err)
		}
	}

	for i := len(a.services) - 1; i >= 0; i-- {
		svc := a.services[i]
		record("service "+svc.Name(), svc.Stop(ctx))
	}

	record("control server", a.server.Stop(ctx))

	if a.transport != nil {
		a.transport.Disconnect()
	}
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	if removeSignals {
		a.teardownSignals()
	}
	a.teardownLock()

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	a.logger.Info("agent stopped")
	return firstErr
}

// restart is the SIGUSR1 path: a full stop and start that keeps the
// signal handle installed.
func (a *Agent) restart() {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.logger.Info("restart requested")
	ctx := context.Background()
	if err := a.stop(ctx, false); err != nil {
		a.logger.Error("restart: stop failed", "error", err)
	}
	if err := a.start(ctx); err != nil {
		a.logger.Error("restart: start failed", "error", err)
	}
}

// Wait blocks until a terminating signal has driven shutdown to
// completion and returns the process exit code. With signal handling
// disabled it returns 0 immediately; the embedder owns shutdown.
func (a *Agent) Wait() int {
	handle := a.signalHandle()
	if handle == nil {
		return 0
	}
	return <-handle.Done()
}

// Status reports the agent and each of its services. Once the agent
// is not running, every service is reported as not running regardless
// of its own internal flag.
func (a *Agent) Status() Status {
	a.mu.Lock()
	state := a.state
	startedAt := a.startedAt
	connected := a.connected
	startErrors := make(map[string]string, len(a.startErrors))
	for name, msg := range a.startErrors {
		startErrors[name] = msg
	}
	a.mu.Unlock()

	running := state == StateRunning
	status := Status{
		Name:      a.name,
		State:     state,
		Running:   running,
		RuntimeID: a.server.RuntimeID(),
		PID:       os.Getpid(),
		Connected: connected,
		Services:  make(map[string]ServiceStatus, len(a.services)),
	}
	if running {
		status.StartedAt = startedAt
		status.Uptime = a.clock.Now().Sub(startedAt).Round(time.Second).String()
		status.MemoryBytes = residentMemory()
	}

	for _, svc := range a.services {
		status.Services[svc.Name()] = ServiceStatus{
			Running:    running && svc.Running(),
			Stats:      svc.Stats(),
			StartError: startErrors[svc.Name()],
		}
	}
	return status
}

// runtime builds the context handed to each service. The transport is
// only exposed once connected, so services degrade to inert instead
// of hammering a hub that rejected registration.
func (a *Agent) runtime() service.Runtime {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()

	runtime := service.Runtime{
		AgentName: a.name,
		Server:    a.server,
		Logger:    a.logger,
	}
	if a.transport != nil && connected {
		runtime.Transport = a.transport
	}
	return runtime
}

func (a *Agent) signalHandle() *lifecycle.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signals
}

// teardownLifecycle releases the lock and signal handle after a
// failed start.
func (a *Agent) teardownLifecycle() {
	a.teardownSignals()
	a.teardownLock()
}

func (a *Agent) teardownSignals() {
	a.mu.Lock()
	handle := a.signals
	a.signals = nil
	a.mu.Unlock()
	if handle != nil {
		handle.Remove()
	}
}

func (a *Agent) teardownLock() {
	a.mu.Lock()
	lock := a.lock
	a.lock = nil
	a.mu.Unlock()
	if lock != nil {
		lock.Release()
	}
}
