// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Agentctl is the operator CLI for agentd: it installs, starts,
// stops, and inspects agents under the host's service manager, and
// runs fleet-wide operations from a YAML manifest.
package main

import (
	"os"

	"github.com/agentfleet/agentd/cmd/agentctl/commands"
	"github.com/agentfleet/agentd/lib/process"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like health) return
		// an ExitError carrying the desired code; no extra error
		// line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
