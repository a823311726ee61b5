// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hermit-sh/hermit/cmd/hermit/cli"
	"github.com/hermit-sh/hermit/lib/ipc"
)

func replCommand() *cli.Command {
	var (
		configPath string
		group      string
	)
	return &cli.Command{
		Name:    "repl",
		Summary: "Interactive conversation with a workspace's agent.",
		Usage:   "hermit repl [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("repl", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVarP(&group, "group", "g", ipc.DefaultGroup, "workspace name")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("usage: hermit repl [-g group]")
			}
			return repl(configPath, group)
		},
	}
}

func repl(configPath, group string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Prepare the workspace up front so the first prompt already knows
	// whether a conversation is being resumed.
	var summary ipc.GroupSummary
	err = client.Call(ctx, ipc.CommandInteractive, map[string]any{"group": group}, &summary)
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		state := "new conversation"
		if summary.HasSession {
			state = "resuming session"
		}
		fmt.Printf("workspace %s (%s). Ctrl-D or \"exit\" to leave.\n", summary.Name, state)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Printf("%s> ", summary.Folder)
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		var result ipc.SendResult
		err := client.Call(ctx, ipc.CommandSend, map[string]any{
			"group":  group,
			"prompt": line,
		}, &result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(result.Output)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if interactive {
		fmt.Println("bye")
	}
	return nil
}
