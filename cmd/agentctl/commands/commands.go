// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the agentctl command tree: installing,
// starting, stopping, and inspecting agents under the host's service
// manager, plus fleet operations over a YAML manifest.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentfleet/agentd/cmd/agentctl/cli"
	"github.com/agentfleet/agentd/lib/version"
	"github.com/agentfleet/agentd/platform"
)

// detectSupervisor is swapped out by tests.
var detectSupervisor = platform.Detect

// Root builds the complete agentctl command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "agentctl",
		Description: `agentctl manages agentd agents under the host's service manager
(launchd, systemd, or pm2).`,
		Subcommands: []*cli.Command{
			installCommand(),
			startCommand(),
			stopCommand(),
			restartCommand(),
			removeCommand(),
			statusCommand(),
			logsCommand(),
			healthCommand(),
			fleetCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("agentctl %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Install and start an agent",
				Command:     "agentctl install demo --script ./agent.sh --port 8090 && agentctl start demo",
			},
			{
				Description: "Follow an agent's logs",
				Command:     "agentctl logs demo -f",
			},
			{
				Description: "Check every agent in a fleet manifest",
				Command:     "agentctl fleet status --file fleet.yaml",
			},
		},
	}
}

func requireName(args []string, command string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: agentctl %s <name>", command)
	}
	return args[0], nil
}

func installCommand() *cli.Command {
	var (
		script         string
		port           int
		env            map[string]string
		restart        bool
		maxRestarts    int
		restartBackoff time.Duration
		maxMemory      uint64
	)
	return &cli.Command{
		Name:    "install",
		Summary: "Register an agent with the service manager",
		Usage:   "agentctl install <name> --script <path> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("install", pflag.ContinueOnError)
			flags.StringVar(&script, "script", "", "agent entrypoint path (required)")
			flags.IntVar(&port, "port", 0, "agent control port")
			flags.StringToStringVar(&env, "env", nil, "environment variables (key=value, repeatable)")
			flags.BoolVar(&restart, "restart", true, "restart the agent when it exits")
			flags.IntVar(&maxRestarts, "max-restarts", 0, "bound automatic restarts (0 = platform default)")
			flags.DurationVar(&restartBackoff, "restart-backoff", 0, "delay before an automatic restart")
			flags.Uint64Var(&maxMemory, "max-memory", 0, "restart when resident memory exceeds this many bytes")
			return flags
		},
		Run: func(args []string) error {
			name, err := requireName(args, "install")
			if err != nil {
				return err
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			config := platform.StartConfig{
				Name:   name,
				Script: script,
				Port:   port,
				Env:    env,
				Restart: platform.RestartPolicy{
					Restart:        restart,
					MaxRestarts:    maxRestarts,
					RestartBackoff: restartBackoff,
					MaxMemoryBytes: maxMemory,
				},
			}
			if err := supervisor.Install(context.Background(), config); err != nil {
				return err
			}
			fmt.Printf("installed %s (%s)\n", name, supervisor.Platform())
			return nil
		},
	}
}

func startCommand() *cli.Command {
	var (
		foreground bool
		script     string
	)
	return &cli.Command{
		Name:    "start",
		Summary: "Start an installed agent",
		Usage:   "agentctl start <name> [--foreground --script <path>]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("start", pflag.ContinueOnError)
			flags.BoolVar(&foreground, "foreground", false, "run the agent in this terminal instead of the service manager")
			flags.StringVar(&script, "script", "", "entrypoint to run with --foreground")
			return flags
		},
		Run: func(args []string) error {
			name, err := requireName(args, "start")
			if err != nil {
				return err
			}
			if foreground {
				if script == "" {
					return fmt.Errorf("--foreground requires --script")
				}
				return runForeground(script)
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			if err := supervisor.Start(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("started %s\n", name)
			return nil
		},
	}
}

// runForeground executes the agent entrypoint in this terminal and
// propagates its exit code.
func runForeground(script string) error {
	cmd := exec.Command(script)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return &cli.ExitError{Code: exit.ExitCode()}
		}
		return fmt.Errorf("running %s: %w", script, err)
	}
	return nil
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a running agent",
		Usage:   "agentctl stop <name>",
		Run: func(args []string) error {
			name, err := requireName(args, "stop")
			if err != nil {
				return err
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			if err := supervisor.Stop(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", name)
			return nil
		},
	}
}

func restartCommand() *cli.Command {
	return &cli.Command{
		Name:    "restart",
		Summary: "Restart a running agent",
		Usage:   "agentctl restart <name>",
		Run: func(args []string) error {
			name, err := requireName(args, "restart")
			if err != nil {
				return err
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			if err := supervisor.Restart(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("restarted %s\n", name)
			return nil
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:    "remove",
		Summary: "Stop an agent and remove it from the service manager",
		Usage:   "agentctl remove <name>",
		Run: func(args []string) error {
			name, err := requireName(args, "remove")
			if err != nil {
				return err
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			if err := supervisor.Uninstall(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", name)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:    "status",
		Summary: "Show an agent's live state",
		Usage:   "agentctl status <name>",
		Run: func(args []string) error {
			name, err := requireName(args, "status")
			if err != nil {
				return err
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			info, err := supervisor.Status(context.Background(), name)
			if err != nil {
				return err
			}
			printStatusTable(os.Stdout, []*platform.AgentStatusInfo{info})
			return nil
		},
	}
}

func logsCommand() *cli.Command {
	var (
		follow bool
		lines  int
		errLog bool
	)
	return &cli.Command{
		Name:    "logs",
		Summary: "Show an agent's log output",
		Usage:   "agentctl logs <name> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("logs", pflag.ContinueOnError)
			flags.BoolVarP(&follow, "follow", "f", false, "stream new log lines")
			flags.IntVar(&lines, "lines", 50, "number of trailing lines to show")
			flags.BoolVar(&errLog, "err", false, "show the error stream")
			return flags
		},
		Run: func(args []string) error {
			name, err := requireName(args, "logs")
			if err != nil {
				return err
			}
			supervisor, err := detectSupervisor()
			if err != nil {
				return err
			}
			return supervisor.Logs(context.Background(), name, platform.LogOptions{
				Follow: follow,
				Lines:  lines,
				Stderr: errLog,
			})
		},
	}
}

// printStatusTable renders agent status rows the same way for the
// single-agent and fleet commands.
func printStatusTable(w *os.File, infos []*platform.AgentStatusInfo) {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPLATFORM\tSTATE\tPID\tMEMORY\tUPTIME")
	for _, info := range infos {
		pid := "-"
		if info.PID > 0 {
			pid = fmt.Sprintf("%d", info.PID)
		}
		memory := "-"
		if info.MemoryBytes > 0 {
			memory = fmt.Sprintf("%.1f MB", float64(info.MemoryBytes)/(1<<20))
		}
		uptime := info.Uptime
		if uptime == "" {
			uptime = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.Name, info.Platform, info.State, pid, memory, uptime)
	}
	tw.Flush()
}
