// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// PM2 supervises agents through the pm2 process manager, the portable
// fallback where neither launchd nor systemd is available. Each agent
// gets a generated ecosystem file; runtime state comes from
// `pm2 jlist`.
type PM2 struct {
	// ConfigDirectory overrides ~/.config/agentd/pm2.
	ConfigDirectory string

	run runCommand
}

// NewPM2 returns a pm2 supervisor with default paths.
func NewPM2() *PM2 {
	return &PM2{run: execRun}
}

// Platform implements Supervisor.
func (p *PM2) Platform() string { return "pm2" }

// ecosystemApp mirrors the pm2 ecosystem app schema, limited to the
// fields the supervisor sets.
type ecosystemApp struct {
	Name             string            `json:"name"`
	Script           string            `json:"script"`
	Env              map[string]string `json:"env,omitempty"`
	Autorestart      bool              `json:"autorestart"`
	MaxRestarts      int               `json:"max_restarts,omitempty"`
	RestartDelay     int64             `json:"restart_delay,omitempty"`
	MaxMemoryRestart string            `json:"max_memory_restart,omitempty"`
}

type ecosystemFile struct {
	Apps []ecosystemApp `json:"apps"`
}

// Install implements Supervisor: generate the ecosystem file and
// register the app (stopped) with pm2.
func (p *PM2) Install(ctx context.Context, config StartConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	configDir, err := p.configDirectory()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("platform: creating pm2 config directory: %w", err)
	}

	app := ecosystemApp{
		Name:         config.Name,
		Script:       config.Script,
		Env:          config.Env,
		Autorestart:  config.Restart.Restart,
		MaxRestarts:  config.Restart.MaxRestarts,
		RestartDelay: config.Restart.RestartBackoff.Milliseconds(),
	}
	if config.Restart.MaxMemoryBytes > 0 {
		app.MaxMemoryRestart = strconv.FormatUint(config.Restart.MaxMemoryBytes, 10)
	}

	rendered, err := json.MarshalIndent(ecosystemFile{Apps: []ecosystemApp{app}}, "", "  ")
	if err != nil {
		return fmt.Errorf("platform: encoding ecosystem file: %w", err)
	}
	path := p.ecosystemPath(configDir, config.Name)
	if err := os.WriteFile(path, append(rendered, '\n'), 0o644); err != nil {
		return fmt.Errorf("platform: writing ecosystem file: %w", err)
	}
	return nil
}

// Start implements Supervisor.
func (p *PM2) Start(ctx context.Context, name string) error {
	configDir, err := p.configDirectory()
	if err != nil {
		return err
	}
	_, err = p.run(ctx, "pm2", "start", p.ecosystemPath(configDir, name))
	return err
}

// Stop implements Supervisor.
func (p *PM2) Stop(ctx context.Context, name string) error {
	_, err := p.run(ctx, "pm2", "stop", name)
	return err
}

// Restart implements Supervisor.
func (p *PM2) Restart(ctx context.Context, name string) error {
	_, err := p.run(ctx, "pm2", "restart", name)
	return err
}

// pm2Process is the slice of `pm2 jlist` output the status probe
// reads.
type pm2Process struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	Env  struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
	Monit struct {
		Memory uint64 `json:"memory"`
	} `json:"monit"`
}

// Status implements Supervisor.
func (p *PM2) Status(ctx context.Context, name string) (*AgentStatusInfo, error) {
	info := &AgentStatusInfo{Name: name, Platform: p.Platform(), State: StateUnknown}

	out, err := p.run(ctx, "pm2", "jlist")
	if err != nil {
		return info, err
	}
	var processes []pm2Process
	if err := json.Unmarshal(out, &processes); err != nil {
		return info, fmt.Errorf("platform: parsing pm2 jlist output: %w", err)
	}

	for _, proc := range processes {
		if proc.Name != name {
			continue
		}
		switch proc.Env.Status {
		case "online", "launching":
			info.State = StateOnline
		case "stopped", "stopping":
			info.State = StateStopped
		case "errored":
			info.State = StateErrored
		}
		info.MemoryBytes = proc.Monit.Memory
		if proc.PID > 0 {
			processProbe(proc.PID, info)
		}
		return info, nil
	}
	info.State = StateStopped
	return info, nil
}

// Logs implements Supervisor.
func (p *PM2) Logs(ctx context.Context, name string, options LogOptions) error {
	lines := options.Lines
	if lines <= 0 {
		lines = 50
	}
	args := []string{"logs", name, "--lines", strconv.Itoa(lines)}
	if !options.Follow {
		args = append(args, "--nostream")
	}
	if options.Stderr {
		args = append(args, "--err")
	}
	return streamCommand(ctx, options.output(), "pm2", args...)
}

// Uninstall implements Supervisor.
func (p *PM2) Uninstall(ctx context.Context, name string) error {
	if _, err := p.run(ctx, "pm2", "delete", name); err != nil {
		// pm2 delete fails for an unknown app; the descriptor is
		// still removed.
		_ = err
	}
	configDir, err := p.configDirectory()
	if err != nil {
		return err
	}
	path := p.ecosystemPath(configDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: removing ecosystem file: %w", err)
	}
	return nil
}

func (p *PM2) ecosystemPath(configDir, name string) string {
	return filepath.Join(configDir, name+".config.json")
}

func (p *PM2) configDirectory() (string, error) {
	if p.ConfigDirectory != "" {
		return p.ConfigDirectory, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("platform: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "agentd", "pm2"), nil
}
