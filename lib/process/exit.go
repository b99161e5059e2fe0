// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers shared by the
// agentd and agentctl binaries: fatal error reporting to stderr for
// errors that occur before (or instead of) the structured logger.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "Error: err" to stderr and exits with code 1. Use in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
