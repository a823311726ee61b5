// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Hermit-daemon is the long-running control plane. It owns the sqlite
// store, the per-workspace execution locks, and the scheduler, and
// serves the CBOR control socket that the hermit CLI talks to.
//
// On startup:
//  1. Claims the pidfile, refusing to start beside a live daemon.
//  2. Opens the store and resolves tasks left mid-fire by a crash.
//  3. Starts the scheduler loop.
//  4. Serves the control socket until SIGINT/SIGTERM.
//
// Shutdown stops accepting connections, drains in-flight agent runs
// (each bounded by the invocation timeout), then releases the pidfile.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hermit-sh/hermit/invoker"
	"github.com/hermit-sh/hermit/lib/clock"
	"github.com/hermit-sh/hermit/lib/config"
	"github.com/hermit-sh/hermit/lib/lifecycle"
	"github.com/hermit-sh/hermit/lib/process"
	"github.com/hermit-sh/hermit/lib/service"
	"github.com/hermit-sh/hermit/lib/toolcred"
	"github.com/hermit-sh/hermit/lib/version"
	"github.com/hermit-sh/hermit/sandbox"
	"github.com/hermit-sh/hermit/scheduler"
	"github.com/hermit-sh/hermit/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to config file (default $HERMIT_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := os.MkdirAll(cfg.Paths.Root, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	if err := lifecycle.Claim(cfg.Paths.Pidfile); err != nil {
		return err
	}
	defer lifecycle.Release(cfg.Paths.Pidfile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		DatabasePath: cfg.Paths.Database,
		GroupsDir:    cfg.Paths.Groups,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	// Tasks stuck mid-fire from a previous crash: one-shots are
	// consumed (at-most-once), recurring tasks rejoin the schedule.
	if err := st.RecoverClaimed(ctx, time.Now()); err != nil {
		return err
	}

	credentialSeed := filepath.Join(cfg.Paths.Root, ".claude", ".credentials.json")
	if err := seedFromUserCredentials(credentialSeed, logger); err != nil {
		return err
	}

	registry := toolcred.DefaultRegistry()
	registryPath := filepath.Join(cfg.Paths.Tools, "tools.jsonc")
	if _, err := os.Stat(registryPath); err == nil {
		registry, err = toolcred.LoadRegistry(registryPath)
		if err != nil {
			return err
		}
		logger.Info("tool registry overridden", slog.String("path", registryPath))
	}

	inv := &invoker.Invoker{
		Compiler: &sandbox.Compiler{
			Registry:       registry,
			ToolConfigDir:  cfg.Paths.Tools,
			ToolsBinDir:    filepath.Join(cfg.Paths.Tools, "bin"),
			CredentialSeed: credentialSeed,
			Logger:         logger,
		},
		Locks:        invoker.NewLocks(),
		Timeout:      cfg.Agent.Timeout.Std(),
		AgentCommand: cfg.Agent.Command,
		Logger:       logger,
		Clock:        clock.Real(),
	}

	sched := &scheduler.Scheduler{
		Store:   st,
		Invoker: inv,
		Tick:    cfg.Scheduler.Tick.Std(),
		Tools:   cfg.Agent.Tools,
		Logger:  logger,
		Clock:   clock.Real(),
	}
	go sched.Run(ctx)

	d := &daemon{
		cfg:       cfg,
		store:     st,
		invoker:   inv,
		logger:    logger,
		startedAt: time.Now(),
	}

	server := service.NewServer(cfg.Paths.Socket, logger)
	d.register(server)

	logger.Info("hermit daemon starting",
		slog.String("version", version.Info()),
		slog.Int("pid", os.Getpid()),
		slog.String("socket", cfg.Paths.Socket))

	if err := server.Serve(ctx); err != nil {
		return err
	}
	logger.Info("hermit daemon exiting")
	return nil
}

// seedFromUserCredentials copies the operator's agent credential file
// into hermit's own agent state dir on first run. One-time copy: the
// sandboxed agent gets working credentials without ever seeing the
// operator's live config directory.
func seedFromUserCredentials(seedPath string, logger *slog.Logger) error {
	if _, err := os.Stat(seedPath); err == nil {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	userCredentials := filepath.Join(home, ".claude", ".credentials.json")
	data, err := os.ReadFile(userCredentials)
	if err != nil {
		// Nothing to seed from; the agent may authenticate another way.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(seedPath), 0o700); err != nil {
		return fmt.Errorf("creating agent state directory: %w", err)
	}
	if err := os.WriteFile(seedPath, data, 0o600); err != nil {
		return fmt.Errorf("seeding agent credentials: %w", err)
	}
	logger.Info("agent credentials seeded", slog.String("path", seedPath))
	return nil
}
