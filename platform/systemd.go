// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

// unitPrefix namespaces agent units within the user manager.
const unitPrefix = "agentd-"

// Systemd supervises agents as systemd user services: one unit file
// per agent under ~/.config/systemd/user, managed with
// systemctl --user and read with journalctl --user.
type Systemd struct {
	// UnitsDirectory overrides ~/.config/systemd/user.
	UnitsDirectory string

	run runCommand
}

// NewSystemd returns a systemd supervisor with default paths.
func NewSystemd() *Systemd {
	return &Systemd{run: execRun}
}

// Platform implements Supervisor.
func (s *Systemd) Platform() string { return "systemd" }

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=agentd agent {{.Name}}

[Service]
ExecStart={{.Script}}
{{- range $key, $value := .Env}}
Environment={{$key}}={{$value}}
{{- end}}
Restart={{if .Restart}}on-failure{{else}}no{{end}}
{{- if .BackoffSeconds}}
RestartSec={{.BackoffSeconds}}
{{- end}}
{{- if .MaxRestarts}}
StartLimitBurst={{.MaxRestarts}}
{{- end}}
{{- if .MaxMemoryBytes}}
MemoryMax={{.MaxMemoryBytes}}
{{- end}}

[Install]
WantedBy=default.target
`))

type unitData struct {
	Name           string
	Script         string
	Env            map[string]string
	Restart        bool
	BackoffSeconds int
	MaxRestarts    int
	MaxMemoryBytes uint64
}

// Install implements Supervisor: write the unit, reload the user
// manager, enable the unit.
func (s *Systemd) Install(ctx context.Context, config StartConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	unitsDir, err := s.unitsDirectory()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(unitsDir, 0o755); err != nil {
		return fmt.Errorf("platform: creating units directory: %w", err)
	}

	data := unitData{
		Name:           config.Name,
		Script:         config.Script,
		Env:            config.Env,
		Restart:        config.Restart.Restart,
		BackoffSeconds: int(config.Restart.RestartBackoff.Seconds()),
		MaxRestarts:    config.Restart.MaxRestarts,
		MaxMemoryBytes: config.Restart.MaxMemoryBytes,
	}
	var rendered strings.Builder
	if err := unitTemplate.Execute(&rendered, data); err != nil {
		return fmt.Errorf("platform: rendering unit: %w", err)
	}
	path := filepath.Join(unitsDir, s.unitName(config.Name))
	if err := os.WriteFile(path, []byte(rendered.String()), 0o644); err != nil {
		return fmt.Errorf("platform: writing unit: %w", err)
	}

	if _, err := s.run(ctx, "systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	if _, err := s.run(ctx, "systemctl", "--user", "enable", s.unitName(config.Name)); err != nil {
		return err
	}
	return nil
}

// Start implements Supervisor.
func (s *Systemd) Start(ctx context.Context, name string) error {
	_, err := s.run(ctx, "systemctl", "--user", "start", s.unitName(name))
	return err
}

// Stop implements Supervisor.
func (s *Systemd) Stop(ctx context.Context, name string) error {
	_, err := s.run(ctx, "systemctl", "--user", "stop", s.unitName(name))
	return err
}

// Restart implements Supervisor.
func (s *Systemd) Restart(ctx context.Context, name string) error {
	_, err := s.run(ctx, "systemctl", "--user", "restart", s.unitName(name))
	return err
}

// Status implements Supervisor, reading the unit's properties rather
// than parsing human-oriented status output.
func (s *Systemd) Status(ctx context.Context, name string) (*AgentStatusInfo, error) {
	info := &AgentStatusInfo{Name: name, Platform: s.Platform(), State: StateUnknown}

	out, err := s.run(ctx, "systemctl", "--user", "show", s.unitName(name),
		"--property=ActiveState,MainPID")
	if err != nil {
		return info, err
	}

	properties := parseProperties(string(out))
	switch properties["ActiveState"] {
	case "active", "activating":
		info.State = StateOnline
	case "inactive", "deactivating":
		info.State = StateStopped
	case "failed":
		info.State = StateErrored
	}
	if pid, err := strconv.Atoi(properties["MainPID"]); err == nil && pid > 0 {
		processProbe(pid, info)
	}
	return info, nil
}

// Logs implements Supervisor via journalctl.
func (s *Systemd) Logs(ctx context.Context, name string, options LogOptions) error {
	lines := options.Lines
	if lines <= 0 {
		lines = 50
	}
	args := []string{"--user", "-u", s.unitName(name), "-n", strconv.Itoa(lines), "--no-pager"}
	if options.Follow {
		args = append(args, "-f")
	}
	if options.Stderr {
		args = append(args, "-p", "err")
	}
	return streamCommand(ctx, options.output(), "journalctl", args...)
}

// Uninstall implements Supervisor.
func (s *Systemd) Uninstall(ctx context.Context, name string) error {
	unit := s.unitName(name)
	if _, err := s.run(ctx, "systemctl", "--user", "stop", unit); err != nil {
		// A unit that is not running still gets removed.
		_ = err
	}
	if _, err := s.run(ctx, "systemctl", "--user", "disable", unit); err != nil {
		_ = err
	}

	unitsDir, err := s.unitsDirectory()
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(unitsDir, unit)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: removing unit: %w", err)
	}
	_, err = s.run(ctx, "systemctl", "--user", "daemon-reload")
	return err
}

func (s *Systemd) unitName(name string) string {
	return unitPrefix + name + ".service"
}

func (s *Systemd) unitsDirectory() (string, error) {
	if s.UnitsDirectory != "" {
		return s.UnitsDirectory, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("platform: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

// parseProperties splits "Key=Value" lines as printed by
// systemctl show.
func parseProperties(out string) map[string]string {
	properties := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found {
			properties[key] = value
		}
	}
	return properties
}
