// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Hermit
// binaries: fatal error reporting to stderr when the structured logger
// may not be initialized, and exit-code extraction for sandboxed child
// processes.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Hermit binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode extracts the exit code from an error returned by
// exec.Cmd.Run or Wait. Returns (code, true) when the process ran and
// exited non-zero, (0, false) for nil errors and errors that do not
// carry an exit status (e.g., the binary was not found).
func ExitCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
