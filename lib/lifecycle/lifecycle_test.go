// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func pidfilePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "daemon.pid")
}

func TestClaimAndRelease(t *testing.T) {
	path := pidfilePath(t)

	if err := Claim(path); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pidfile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Errorf("pidfile contains %q, want own pid %d", data, os.Getpid())
	}

	if err := Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile still present after Release")
	}
}

func TestClaimRejectsLiveDaemon(t *testing.T) {
	path := pidfilePath(t)

	// The test process itself stands in for a live daemon.
	if err := Claim(path); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if err := Claim(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Claim = %v, want ErrAlreadyRunning", err)
	}
}

func TestClaimReclaimsStalePidfile(t *testing.T) {
	path := pidfilePath(t)

	// A pid that cannot exist: beyond the default pid_max.
	if err := os.WriteFile(path, []byte("4999999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Claim(path); err != nil {
		t.Fatalf("Claim over stale pidfile: %v", err)
	}
}

func TestClaimReclaimsMalformedPidfile(t *testing.T) {
	path := pidfilePath(t)
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Claim(path); err != nil {
		t.Fatalf("Claim over malformed pidfile: %v", err)
	}
}

func TestProbe(t *testing.T) {
	path := pidfilePath(t)

	if _, ok := Probe(path); ok {
		t.Error("Probe of missing pidfile should report not running")
	}

	if err := Claim(path); err != nil {
		t.Fatal(err)
	}
	pid, ok := Probe(path)
	if !ok || pid != os.Getpid() {
		t.Errorf("Probe = (%d, %v), want (%d, true)", pid, ok, os.Getpid())
	}
}

func TestReleaseMissingFile(t *testing.T) {
	if err := Release(pidfilePath(t)); err != nil {
		t.Fatalf("Release of missing pidfile: %v", err)
	}
}
