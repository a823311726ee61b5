// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle manages the daemon's pidfile so exactly one daemon
// runs per state directory. The pidfile is written atomically and
// checked with a zero signal; a pidfile naming a dead process is stale
// and silently reclaimed.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning reports that a live daemon holds the pidfile.
var ErrAlreadyRunning = errors.New("lifecycle: daemon already running")

// Claim takes ownership of the pidfile for the current process. It
// fails with ErrAlreadyRunning when the pidfile names a live process.
// On success the caller owns the file and must Release it on shutdown.
func Claim(path string) error {
	if pid, ok := Probe(path); ok {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return writePidfile(path, os.Getpid())
}

// Release removes the pidfile. Only the process that claimed it should
// call this; a missing file is not an error.
func Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: removing pidfile: %w", err)
	}
	return nil
}

// Probe reports whether the pidfile at path names a live process, and
// that process's pid. A missing, malformed, or stale pidfile reports
// false.
func Probe(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 performs permission and existence checks without
	// delivering anything.
	if err := unix.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

// writePidfile writes the pid atomically: temporary file in the same
// directory, fsync, rename. A reader never sees a partial pid.
func writePidfile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lifecycle: creating pidfile directory: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("lifecycle: creating temporary pidfile: %w", err)
	}

	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("lifecycle: writing temporary pidfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("lifecycle: syncing temporary pidfile: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("lifecycle: closing temporary pidfile: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("lifecycle: renaming pidfile into place: %w", err)
	}
	return nil
}
