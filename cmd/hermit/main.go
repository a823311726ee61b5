// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Hermit is the thin client for the hermit daemon. Every subcommand
// maps to one control-socket request; domain logic lives entirely in
// the daemon.
package main

import (
	"fmt"
	"os"

	"github.com/hermit-sh/hermit/cmd/hermit/cli"
)

func main() {
	if err := root().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func root() *cli.Command {
	return &cli.Command{
		Name:    "hermit",
		Summary: "Talk to a sandboxed coding agent, one workspace per conversation.",
		Subcommands: []*cli.Command{
			sendCommand(),
			replCommand(),
			groupsCommand(),
			statusCommand(),
			clearSessionCommand(),
			taskCommand(),
			versionCommand(),
		},
	}
}
