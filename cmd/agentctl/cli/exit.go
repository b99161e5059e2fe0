// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit code without printing an extra
// error line. Commands return it when a non-zero exit is a valid
// outcome (an unhealthy agent probed by "agentctl health") and the
// command has already written its own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by main to distinguish a handled non-zero exit
// from an unexpected error to display.
func (e *ExitError) ExitCode() int {
	return e.Code
}
