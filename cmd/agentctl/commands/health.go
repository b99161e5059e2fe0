// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentfleet/agentd/cmd/agentctl/cli"
	"github.com/agentfleet/agentd/lib/netutil"
)

func healthCommand() *cli.Command {
	var (
		host    string
		port    int
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "health",
		Summary: "Probe an agent's control server",
		Usage:   "agentctl health [name] [flags]",
		Description: `Health probes the agent's control server and exits 0 when the
agent answers healthy, 1 otherwise. The optional name is informational
only; the probe targets --host and --port.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
			flags.StringVar(&host, "host", "127.0.0.1", "control server host")
			flags.IntVar(&port, "port", 8090, "control server port")
			flags.DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
			return flags
		},
		Run: func(args []string) error {
			label := "agent"
			if len(args) > 0 {
				label = args[0]
			}

			client := &http.Client{Timeout: timeout}
			url := fmt.Sprintf("http://%s:%d/health", host, port)
			response, err := client.Get(url)
			if err != nil {
				fmt.Printf("%s: unreachable (%v)\n", label, err)
				return &cli.ExitError{Code: 1}
			}
			defer response.Body.Close()

			var body struct {
				Healthy bool `json:"healthy"`
			}
			if response.StatusCode != http.StatusOK || netutil.DecodeResponse(response.Body, &body) != nil || !body.Healthy {
				fmt.Printf("%s: unhealthy (status %d)\n", label, response.StatusCode)
				return &cli.ExitError{Code: 1}
			}
			fmt.Printf("%s: healthy\n", label)
			return nil
		},
	}
}
