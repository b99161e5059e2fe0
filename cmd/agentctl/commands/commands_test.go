// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/agentfleet/agentd/cmd/agentctl/cli"
	"github.com/agentfleet/agentd/platform"
)

// fakeSupervisor records operations for command dispatch tests.
type fakeSupervisor struct {
	calls     []string
	installed []platform.StartConfig
	statusErr error
}

func (f *fakeSupervisor) Platform() string { return "fake" }

func (f *fakeSupervisor) Install(ctx context.Context, config platform.StartConfig) error {
	f.calls = append(f.calls, "install "+config.Name)
	f.installed = append(f.installed, config)
	return nil
}

func (f *fakeSupervisor) Start(ctx context.Context, name string) error {
	f.calls = append(f.calls, "start "+name)
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, name string) error {
	f.calls = append(f.calls, "stop "+name)
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context, name string) error {
	f.calls = append(f.calls, "restart "+name)
	return nil
}

func (f *fakeSupervisor) Status(ctx context.Context, name string) (*platform.AgentStatusInfo, error) {
	f.calls = append(f.calls, "status "+name)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &platform.AgentStatusInfo{Name: name, Platform: "fake", State: platform.StateOnline}, nil
}

func (f *fakeSupervisor) Logs(ctx context.Context, name string, options platform.LogOptions) error {
	f.calls = append(f.calls, "logs "+name)
	return nil
}

func (f *fakeSupervisor) Uninstall(ctx context.Context, name string) error {
	f.calls = append(f.calls, "uninstall "+name)
	return nil
}

func withFakeSupervisor(t *testing.T) *fakeSupervisor {
	t.Helper()
	fake := &fakeSupervisor{}
	previous := detectSupervisor
	detectSupervisor = func() (platform.Supervisor, error) { return fake, nil }
	t.Cleanup(func() { detectSupervisor = previous })
	return fake
}

func TestLifecycleCommandsDispatchToSupervisor(t *testing.T) {
	fake := withFakeSupervisor(t)

	for _, args := range [][]string{
		{"start", "demo"},
		{"stop", "demo"},
		{"restart", "demo"},
		{"remove", "demo"},
		{"status", "demo"},
		{"logs", "demo", "--lines", "5"},
	} {
		if err := Root().Execute(args); err != nil {
			t.Fatalf("agentctl %v: %v", args, err)
		}
	}

	want := []string{"start demo", "stop demo", "restart demo", "uninstall demo", "status demo", "logs demo"}
	if len(fake.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
	for i := range want {
		if fake.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", fake.calls, want)
		}
	}
}

func TestCommandsRequireAName(t *testing.T) {
	withFakeSupervisor(t)
	for _, command := range []string{"start", "stop", "restart", "remove", "status", "logs"} {
		if err := Root().Execute([]string{command}); err == nil {
			t.Errorf("agentctl %s without a name succeeded, want error", command)
		}
	}
}

func TestInstallPassesConfig(t *testing.T) {
	fake := withFakeSupervisor(t)
	script := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := Root().Execute([]string{
		"install", "demo",
		"--script", script,
		"--port", "8090",
		"--env", "HUB_URL=http://hub:9000",
		"--max-restarts", "3",
		"--restart-backoff", "2s",
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	if len(fake.installed) != 1 {
		t.Fatalf("installed = %v, want one config", fake.installed)
	}
	config := fake.installed[0]
	if config.Name != "demo" || config.Script != script || config.Port != 8090 {
		t.Errorf("config = %+v", config)
	}
	if config.Env["HUB_URL"] != "http://hub:9000" {
		t.Errorf("env = %v", config.Env)
	}
	if !config.Restart.Restart || config.Restart.MaxRestarts != 3 || config.Restart.RestartBackoff != 2*time.Second {
		t.Errorf("restart policy = %+v", config.Restart)
	}
}

func TestFleetManifestParsing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	manifest := `agents:
  - name: alpha
    script: ./alpha.sh
    port: 8090
    env:
      HUB_URL: http://hub:9000
    restart: true
    max_restarts: 3
    restart_backoff: 5s
  - name: beta
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	parsed, err := loadFleetManifest(path)
	if err != nil {
		t.Fatalf("loadFleetManifest: %v", err)
	}
	if len(parsed.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(parsed.Agents))
	}
	alpha := parsed.Agents[0]
	if alpha.Name != "alpha" || alpha.Port != 8090 || !alpha.Restart {
		t.Errorf("alpha = %+v", alpha)
	}
	if time.Duration(alpha.RestartBackoff) != 5*time.Second {
		t.Errorf("restart_backoff = %v, want 5s", alpha.RestartBackoff)
	}
	if alpha.Env["HUB_URL"] != "http://hub:9000" {
		t.Errorf("env = %v", alpha.Env)
	}
}

func TestFleetManifestRejectsEmptyAndNameless(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, []byte("agents: []\n"), 0o644)
	if _, err := loadFleetManifest(empty); err == nil {
		t.Error("empty manifest accepted")
	}

	nameless := filepath.Join(dir, "nameless.yaml")
	os.WriteFile(nameless, []byte("agents:\n  - port: 8090\n"), 0o644)
	if _, err := loadFleetManifest(nameless); err == nil {
		t.Error("nameless agent accepted")
	}

	if _, err := loadFleetManifest(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing manifest accepted")
	}
}

func TestFleetStopWalksEveryAgent(t *testing.T) {
	fake := withFakeSupervisor(t)
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	os.WriteFile(path, []byte("agents:\n  - name: alpha\n  - name: beta\n"), 0o644)

	if err := Root().Execute([]string{"fleet", "stop", "--file", path}); err != nil {
		t.Fatalf("fleet stop: %v", err)
	}
	want := []string{"stop alpha", "stop beta"}
	if len(fake.calls) != 2 || fake.calls[0] != want[0] || fake.calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
}

func TestHealthProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":true}`))
	}))
	defer healthy.Close()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	if err := Root().Execute([]string{"health", "demo", "--host", hostOf(t, healthy.URL), "--port", portOf(t, healthy.URL)}); err != nil {
		t.Fatalf("health against healthy server: %v", err)
	}

	err := Root().Execute([]string{"health", "demo", "--host", hostOf(t, unhealthy.URL), "--port", portOf(t, unhealthy.URL)})
	var exit *cli.ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("health against unhealthy server = %v, want ExitError code 1", err)
	}
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Hostname()
}

func portOf(t *testing.T, rawURL string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := strconv.Atoi(parsed.Port()); err != nil {
		t.Fatal(err)
	}
	return parsed.Port()
}
