// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Agentd runs one agent in the foreground: a singleton-locked process
// with an HTTP control server, an optional hub messaging transport,
// and the built-in heartbeat and message services.
//
// On startup:
//  1. Acquires the per-name process lock (one live agent per name).
//  2. Installs signal handling: SIGTERM/SIGINT for graceful shutdown
//     with a bounded force-exit, SIGUSR1 for in-place restart.
//  3. Registers with the hub and joins configured groups, when a hub
//     URL is given. A dead hub degrades the agent, it does not stop
//     it.
//  4. Starts the control server (/, /health, /status, service routes).
//  5. Starts the heartbeat and message services.
//
// The process then waits for a terminating signal and exits with the
// shutdown's code.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentfleet/agentd/admp"
	"github.com/agentfleet/agentd/agent"
	"github.com/agentfleet/agentd/lib/process"
	"github.com/agentfleet/agentd/lib/version"
	"github.com/agentfleet/agentd/service"
)

func main() {
	code, err := run()
	if err != nil {
		process.Fatal(err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		name              string
		host              string
		port              int
		hubURL            string
		groups            string
		capabilities      string
		heartbeatInterval time.Duration
		pollInterval      time.Duration
		webhookPath       string
		lockDir           string
		noLock            bool
		showVersion       bool
	)

	flag.StringVar(&name, "name", "", "agent name (alphanumeric and hyphen, required)")
	flag.StringVar(&host, "host", "127.0.0.1", "control server bind host")
	flag.IntVar(&port, "port", 8090, "control server port")
	flag.StringVar(&hubURL, "hub", "", "ADMP hub URL (empty runs without messaging)")
	flag.StringVar(&groups, "groups", "", "comma-separated groups to join at registration")
	flag.StringVar(&capabilities, "capabilities", "", "comma-separated capabilities to advertise")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", service.DefaultHeartbeatInterval, "how often to send the hub heartbeat")
	flag.DurationVar(&pollInterval, "poll-interval", service.DefaultPollInterval, "how often to poll the hub inbox")
	flag.StringVar(&webhookPath, "webhook-path", "", "receive messages by webhook at this path instead of polling")
	flag.StringVar(&lockDir, "lock-dir", "", "directory for the process lock file")
	flag.BoolVar(&noLock, "no-lock", false, "skip the singleton process lock")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("agentd %s\n", version.Info())
		return 0, nil
	}
	if name == "" {
		return 0, fmt.Errorf("--name is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// The heartbeat handler reports to the hub through the agent's
	// transport, so the closure captures the agent variable assigned
	// below. Services only run after Start, when it is set.
	var a *agent.Agent

	heartbeat, err := service.NewHeartbeat(service.HeartbeatConfig{
		Interval: heartbeatInterval,
		Handler: func(ctx context.Context) error {
			if transport := a.Transport(); transport != nil && transport.Connected() {
				return transport.Heartbeat(ctx)
			}
			logger.Info("heartbeat", "agent", name)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	messages := service.NewMessage(service.MessageConfig{
		PollInterval: pollInterval,
		WebhookPath:  webhookPath,
		Fallback: func(ctx context.Context, message *admp.Message) error {
			logger.Info("message received",
				"id", message.ID,
				"from", message.From,
				"subject", message.Subject,
			)
			return nil
		},
	})

	a, err = agent.New(agent.Config{
		Name:          name,
		Host:          host,
		Port:          port,
		HubURL:        hubURL,
		Capabilities:  splitList(capabilities),
		Groups:        splitList(groups),
		Services:      []service.Service{heartbeat, messages},
		SkipLock:      noLock,
		LockDirectory: lockDir,
		Logger:        logger,
	})
	if err != nil {
		return 0, err
	}

	if err := a.Start(context.Background()); err != nil {
		return 0, err
	}
	return a.Wait(), nil
}

// splitList parses a comma-separated flag value, dropping empty
// entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
