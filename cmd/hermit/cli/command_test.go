// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestDispatchSubcommand(t *testing.T) {
	var ran []string
	root := &Command{
		Name: "hermit",
		Subcommands: []*Command{
			{
				Name: "task",
				Subcommands: []*Command{
					{Name: "list", Run: func(args []string) error {
						ran = append(ran, "task list")
						return nil
					}},
				},
			},
		},
	}

	if err := root.Execute([]string{"task", "list"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ran) != 1 || ran[0] != "task list" {
		t.Errorf("ran = %v", ran)
	}
}

func TestUnknownCommand(t *testing.T) {
	root := &Command{
		Name:        "hermit",
		Subcommands: []*Command{{Name: "status", Run: func([]string) error { return nil }}},
	}
	err := root.Execute([]string{"staus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("Execute = %v, want unknown command error", err)
	}
}

func TestFlagParsing(t *testing.T) {
	var fresh bool
	var positional []string
	cmd := &Command{
		Name: "send",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
			fs.BoolVar(&fresh, "fresh", false, "start a new session")
			return fs
		},
		Run: func(args []string) error {
			positional = args
			return nil
		},
	}

	if err := cmd.Execute([]string{"--fresh", "myproject", "hello"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !fresh {
		t.Error("--fresh not parsed")
	}
	if len(positional) != 2 || positional[0] != "myproject" {
		t.Errorf("positional = %v", positional)
	}
}

func TestSubcommandRequired(t *testing.T) {
	root := &Command{
		Name:        "hermit",
		Subcommands: []*Command{{Name: "status", Run: func([]string) error { return nil }}},
	}
	if err := root.Execute(nil); err == nil {
		t.Fatal("bare invocation with subcommands should fail")
	}
}

func TestHelpDoesNotRun(t *testing.T) {
	ran := false
	cmd := &Command{Name: "send", Run: func([]string) error { ran = true; return nil }}
	if err := cmd.Execute([]string{"--help"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ran {
		t.Error("help flag should not run the command")
	}
}
