// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/agentfleet/agentd/cmd/agentctl/cli"
	"github.com/agentfleet/agentd/platform"
)

// duration parses Go duration strings ("30s", "5m") from YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = duration(parsed)
	return nil
}

// fleetAgent is one entry in a fleet manifest.
type fleetAgent struct {
	Name           string            `yaml:"name"`
	Script         string            `yaml:"script"`
	Port           int               `yaml:"port"`
	Env            map[string]string `yaml:"env"`
	Restart        bool              `yaml:"restart"`
	MaxRestarts    int               `yaml:"max_restarts"`
	RestartBackoff duration          `yaml:"restart_backoff"`
}

// fleetManifest is the YAML file the fleet subcommands operate on.
type fleetManifest struct {
	Agents []fleetAgent `yaml:"agents"`
}

func (a fleetAgent) startConfig() platform.StartConfig {
	return platform.StartConfig{
		Name:   a.Name,
		Script: a.Script,
		Port:   a.Port,
		Env:    a.Env,
		Restart: platform.RestartPolicy{
			Restart:        a.Restart,
			MaxRestarts:    a.MaxRestarts,
			RestartBackoff: time.Duration(a.RestartBackoff),
		},
	}
}

func loadFleetManifest(path string) (*fleetManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet manifest: %w", err)
	}
	var manifest fleetManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing fleet manifest %s: %w", path, err)
	}
	if len(manifest.Agents) == 0 {
		return nil, fmt.Errorf("fleet manifest %s lists no agents", path)
	}
	for i, agent := range manifest.Agents {
		if agent.Name == "" {
			return nil, fmt.Errorf("fleet manifest %s: agent %d has no name", path, i+1)
		}
	}
	return &manifest, nil
}

func fleetCommand() *cli.Command {
	var file string
	flags := func(name string) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			flagSet.StringVar(&file, "file", "fleet.yaml", "fleet manifest path")
			return flagSet
		}
	}

	return &cli.Command{
		Name:    "fleet",
		Summary: "Operate on every agent in a YAML manifest",
		Subcommands: []*cli.Command{
			{
				Name:    "status",
				Summary: "Show the state of every fleet agent",
				Flags:   flags("fleet-status"),
				Run: func(args []string) error {
					manifest, supervisor, err := fleetSetup(file)
					if err != nil {
						return err
					}
					infos := make([]*platform.AgentStatusInfo, 0, len(manifest.Agents))
					for _, agent := range manifest.Agents {
						info, err := supervisor.Status(context.Background(), agent.Name)
						if err != nil {
							info = &platform.AgentStatusInfo{
								Name:     agent.Name,
								Platform: supervisor.Platform(),
								State:    platform.StateUnknown,
							}
						}
						infos = append(infos, info)
					}
					printStatusTable(os.Stdout, infos)
					return nil
				},
			},
			{
				Name:    "start",
				Summary: "Install and start every fleet agent",
				Flags:   flags("fleet-start"),
				Run: func(args []string) error {
					manifest, supervisor, err := fleetSetup(file)
					if err != nil {
						return err
					}
					return eachFleetAgent(manifest, "start", func(agent fleetAgent) error {
						if agent.Script != "" {
							if err := supervisor.Install(context.Background(), agent.startConfig()); err != nil {
								return err
							}
						}
						return supervisor.Start(context.Background(), agent.Name)
					})
				},
			},
			{
				Name:    "stop",
				Summary: "Stop every fleet agent",
				Flags:   flags("fleet-stop"),
				Run: func(args []string) error {
					manifest, supervisor, err := fleetSetup(file)
					if err != nil {
						return err
					}
					return eachFleetAgent(manifest, "stop", func(agent fleetAgent) error {
						return supervisor.Stop(context.Background(), agent.Name)
					})
				},
			},
		},
	}
}

func fleetSetup(file string) (*fleetManifest, platform.Supervisor, error) {
	manifest, err := loadFleetManifest(file)
	if err != nil {
		return nil, nil, err
	}
	supervisor, err := detectSupervisor()
	if err != nil {
		return nil, nil, err
	}
	return manifest, supervisor, nil
}

// eachFleetAgent applies op to every agent, reporting per-agent
// results. One agent's failure does not stop the rest; the command
// exits non-zero when any agent failed.
func eachFleetAgent(manifest *fleetManifest, verb string, op func(fleetAgent) error) error {
	failed := 0
	for _, agent := range manifest.Agents {
		if err := op(agent); err != nil {
			failed++
			fmt.Printf("%s %s: %v\n", verb, agent.Name, err)
			continue
		}
		fmt.Printf("%s %s: ok\n", verb, agent.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d agents failed to %s", failed, len(manifest.Agents), verb)
	}
	return nil
}
