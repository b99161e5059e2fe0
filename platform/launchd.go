// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

// labelPrefix namespaces agent jobs among the user's launchd labels.
const labelPrefix = "com.agentfleet.agentd."

// Launchd supervises agents as launchd user agents: a property-list
// descriptor per agent under ~/Library/LaunchAgents, managed with
// launchctl.
type Launchd struct {
	// AgentsDirectory overrides ~/Library/LaunchAgents.
	AgentsDirectory string

	// LogsDirectory overrides ~/Library/Logs/agentd.
	LogsDirectory string

	run runCommand
}

// NewLaunchd returns a launchd supervisor with default paths.
func NewLaunchd() *Launchd {
	return &Launchd{run: execRun}
}

// Platform implements Supervisor.
func (l *Launchd) Platform() string { return "launchd" }

var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Script}}</string>
	</array>
{{- if .Env}}
	<key>EnvironmentVariables</key>
	<dict>
{{- range $key, $value := .Env}}
		<key>{{$key}}</key>
		<string>{{$value}}</string>
{{- end}}
	</dict>
{{- end}}
	<key>KeepAlive</key>
	<{{if .KeepAlive}}true{{else}}false{{end}}/>
{{- if .ThrottleSeconds}}
	<key>ThrottleInterval</key>
	<integer>{{.ThrottleSeconds}}</integer>
{{- end}}
	<key>StandardOutPath</key>
	<string>{{.LogPath}}</string>
	<key>StandardErrorPath</key>
	<string>{{.ErrorLogPath}}</string>
</dict>
</plist>
`))

type plistData struct {
	Label           string
	Script          string
	Env             map[string]string
	KeepAlive       bool
	ThrottleSeconds int
	LogPath         string
	ErrorLogPath    string
}

// Install implements Supervisor. The job descriptor is written and
// loaded; the agent starts on the next Start call.
func (l *Launchd) Install(ctx context.Context, config StartConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	agentsDir, logsDir, err := l.directories()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		return fmt.Errorf("platform: creating launch agents directory: %w", err)
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("platform: creating logs directory: %w", err)
	}

	data := plistData{
		Label:           labelPrefix + config.Name,
		Script:          config.Script,
		Env:             config.Env,
		KeepAlive:       config.Restart.Restart,
		ThrottleSeconds: int(config.Restart.RestartBackoff.Seconds()),
		LogPath:         filepath.Join(logsDir, config.Name+".log"),
		ErrorLogPath:    filepath.Join(logsDir, config.Name+".err.log"),
	}

	var rendered strings.Builder
	if err := plistTemplate.Execute(&rendered, data); err != nil {
		return fmt.Errorf("platform: rendering plist: %w", err)
	}
	path := l.plistPath(agentsDir, config.Name)
	if err := os.WriteFile(path, []byte(rendered.String()), 0o644); err != nil {
		return fmt.Errorf("platform: writing plist: %w", err)
	}

	if _, err := l.run(ctx, "launchctl", "load", "-w", path); err != nil {
		return err
	}
	return nil
}

// Start implements Supervisor.
func (l *Launchd) Start(ctx context.Context, name string) error {
	_, err := l.run(ctx, "launchctl", "start", labelPrefix+name)
	return err
}

// Stop implements Supervisor.
func (l *Launchd) Stop(ctx context.Context, name string) error {
	_, err := l.run(ctx, "launchctl", "stop", labelPrefix+name)
	return err
}

// Restart implements Supervisor.
func (l *Launchd) Restart(ctx context.Context, name string) error {
	if err := l.Stop(ctx, name); err != nil {
		return err
	}
	return l.Start(ctx, name)
}

var launchdPIDRE = regexp.MustCompile(`"PID"\s*=\s*(\d+)`)

// Status implements Supervisor. launchctl list prints a property
// dictionary for a loaded job; a PID entry means the job is running.
func (l *Launchd) Status(ctx context.Context, name string) (*AgentStatusInfo, error) {
	info := &AgentStatusInfo{Name: name, Platform: l.Platform(), State: StateUnknown}

	out, err := l.run(ctx, "launchctl", "list", labelPrefix+name)
	if err != nil {
		// An unloaded job is simply stopped.
		info.State = StateStopped
		return info, nil
	}

	if match := launchdPIDRE.FindSubmatch(out); match != nil {
		pid, _ := strconv.Atoi(string(match[1]))
		info.State = StateOnline
		processProbe(pid, info)
		return info, nil
	}
	if strings.Contains(string(out), "LastExitStatus") && !strings.Contains(string(out), `"LastExitStatus" = 0`) {
		info.State = StateErrored
		return info, nil
	}
	info.State = StateStopped
	return info, nil
}

// Logs implements Supervisor, tailing the job's log file.
func (l *Launchd) Logs(ctx context.Context, name string, options LogOptions) error {
	_, logsDir, err := l.directories()
	if err != nil {
		return err
	}
	path := filepath.Join(logsDir, name+".log")
	if options.Stderr {
		path = filepath.Join(logsDir, name+".err.log")
	}

	lines := options.Lines
	if lines <= 0 {
		lines = 50
	}
	args := []string{"-n", strconv.Itoa(lines)}
	if options.Follow {
		args = append(args, "-f")
	}
	args = append(args, path)
	return streamCommand(ctx, options.output(), "tail", args...)
}

// Uninstall implements Supervisor.
func (l *Launchd) Uninstall(ctx context.Context, name string) error {
	agentsDir, _, err := l.directories()
	if err != nil {
		return err
	}
	path := l.plistPath(agentsDir, name)
	if _, err := l.run(ctx, "launchctl", "unload", "-w", path); err != nil {
		// Unloading an already-unloaded job fails; removal proceeds.
		_ = err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: removing plist: %w", err)
	}
	return nil
}

func (l *Launchd) plistPath(agentsDir, name string) string {
	return filepath.Join(agentsDir, labelPrefix+name+".plist")
}

func (l *Launchd) directories() (agentsDir, logsDir string, err error) {
	agentsDir = l.AgentsDirectory
	logsDir = l.LogsDirectory
	if agentsDir != "" && logsDir != "" {
		return agentsDir, logsDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("platform: resolving home directory: %w", err)
	}
	if agentsDir == "" {
		agentsDir = filepath.Join(home, "Library", "LaunchAgents")
	}
	if logsDir == "" {
		logsDir = filepath.Join(home, "Library", "Logs", "agentd")
	}
	return agentsDir, logsDir, nil
}
