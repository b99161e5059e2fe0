// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform supervises agent processes through the host's
// service manager. One Supervisor implementation exists per manager
// (launchd, systemd, pm2); Detect picks the right one at runtime and
// everything platform-specific stays behind the interface.
package platform

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// AgentState is the observed state of a supervised agent process.
type AgentState string

const (
	StateOnline  AgentState = "online"
	StateStopped AgentState = "stopped"
	StateErrored AgentState = "errored"
	StateUnknown AgentState = "unknown"
)

// RestartPolicy controls how the platform supervisor reacts to the
// agent process exiting.
type RestartPolicy struct {
	// Restart enables automatic restarts on exit.
	Restart bool

	// MaxRestarts bounds automatic restarts where the platform
	// supports a limit. Zero means the platform default.
	MaxRestarts int

	// RestartBackoff is the delay before an automatic restart.
	RestartBackoff time.Duration

	// MaxMemoryBytes restarts the process when it exceeds this
	// resident size, where the platform supports it. Zero disables
	// the limit.
	MaxMemoryBytes uint64
}

// StartConfig describes one agent to install under a platform
// supervisor.
type StartConfig struct {
	// Name identifies the agent. Alphanumeric plus hyphen, at most
	// 64 characters.
	Name string

	// Script is the path of the entrypoint to run. Must exist at
	// install time.
	Script string

	// Port is the agent's control port, recorded for status
	// reporting. Zero means unknown.
	Port int

	// Env is injected into the agent process.
	Env map[string]string

	// Restart is the automatic restart policy.
	Restart RestartPolicy
}

var configNameRE = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// Validate rejects a config before any process or filesystem action.
func (c StartConfig) Validate() error {
	if !configNameRE.MatchString(c.Name) {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("%q must be 1-64 alphanumeric or hyphen characters", c.Name)}
	}
	if c.Script == "" {
		return &ValidationError{Field: "script", Message: "entrypoint path is required"}
	}
	if _, err := os.Stat(c.Script); err != nil {
		return &ValidationError{Field: "script", Message: fmt.Sprintf("entrypoint %q is not accessible: %v", c.Script, err)}
	}
	if c.Port != 0 && (c.Port < 1024 || c.Port > 65535) {
		return &ValidationError{Field: "port", Message: fmt.Sprintf("%d is outside 1024-65535", c.Port)}
	}
	return nil
}

// ValidationError reports a StartConfig field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("platform: invalid %s: %s", e.Field, e.Message)
}

// AgentStatusInfo is a live status probe of a supervised agent. It is
// computed on demand and never cached.
type AgentStatusInfo struct {
	Name        string     `json:"name"`
	Platform    string     `json:"platform"`
	State       AgentState `json:"state"`
	PID         int        `json:"pid,omitempty"`
	Port        int        `json:"port,omitempty"`
	MemoryBytes uint64     `json:"memory_bytes,omitempty"`
	Uptime      string     `json:"uptime,omitempty"`
}

// LogOptions selects which supervised logs to show and how.
type LogOptions struct {
	// Follow streams new lines until the context is canceled.
	Follow bool

	// Lines is how many trailing lines to show. Zero means the
	// platform default.
	Lines int

	// Stderr selects the error stream where the platform keeps it
	// separate.
	Stderr bool

	// Output receives the log lines. Defaults to os.Stdout.
	Output io.Writer
}

func (o LogOptions) output() io.Writer {
	if o.Output != nil {
		return o.Output
	}
	return os.Stdout
}

// Supervisor manages agent processes under one platform service
// manager.
type Supervisor interface {
	// Platform names the underlying service manager.
	Platform() string

	// Install registers the agent with the service manager, writing
	// whatever descriptor the platform needs.
	Install(ctx context.Context, config StartConfig) error

	// Start launches a previously installed agent.
	Start(ctx context.Context, name string) error

	// Stop halts a running agent without uninstalling it.
	Stop(ctx context.Context, name string) error

	// Restart stops and starts the agent.
	Restart(ctx context.Context, name string) error

	// Status probes the agent's live state.
	Status(ctx context.Context, name string) (*AgentStatusInfo, error)

	// Logs writes the agent's log output per options.
	Logs(ctx context.Context, name string, options LogOptions) error

	// Uninstall stops the agent and removes its descriptor.
	Uninstall(ctx context.Context, name string) error
}

// runCommand executes a platform tool and returns its combined
// output. Supervisors stub this in tests.
type runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("platform: %s %v: %w: %s", name, args, err, out)
	}
	return out, nil
}

// streamCommand runs a platform tool with its output wired straight
// to w, for log tailing.
func streamCommand(ctx context.Context, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("platform: %s %v: %w", name, args, err)
	}
	return nil
}

// Detect returns the Supervisor for the current host: launchd on
// macOS, systemd where a user manager is available, pm2 as the
// portable fallback.
func Detect() (Supervisor, error) {
	if runtime.GOOS == "darwin" {
		return NewLaunchd(), nil
	}
	if runtime.GOOS == "linux" {
		if _, err := exec.LookPath("systemctl"); err == nil {
			return NewSystemd(), nil
		}
	}
	if _, err := exec.LookPath("pm2"); err == nil {
		return NewPM2(), nil
	}
	return nil, fmt.Errorf("platform: no supported service manager found (need launchd, systemd, or pm2)")
}

// processProbe fills PID-derived fields from a live process: memory
// and uptime. Probe failures leave the fields zero.
func processProbe(pid int, info *AgentStatusInfo) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	info.PID = pid
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.MemoryBytes = mem.RSS
	}
	if createdMs, err := proc.CreateTime(); err == nil && createdMs > 0 {
		started := time.UnixMilli(createdMs)
		info.Uptime = time.Since(started).Round(time.Second).String()
	}
}
