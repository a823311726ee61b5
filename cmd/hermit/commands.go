// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/hermit-sh/hermit/cmd/hermit/cli"
	"github.com/hermit-sh/hermit/lib/config"
	"github.com/hermit-sh/hermit/lib/ipc"
	"github.com/hermit-sh/hermit/lib/service"
	"github.com/hermit-sh/hermit/lib/version"
)

// statusTimeout bounds quick queries that never wait on an agent run.
const statusTimeout = 10 * time.Second

// dial loads config and returns a client for the daemon socket.
func dial(configPath string) (*service.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return service.NewClient(cfg.Paths.Socket), nil
}

// configFlag adds the shared --config flag to a flag set.
func configFlag(fs *pflag.FlagSet, configPath *string) {
	fs.StringVar(configPath, "config", "", "path to config file (default $HERMIT_CONFIG)")
}

func sendCommand() *cli.Command {
	var (
		configPath string
		group      string
		fresh      bool
		tools      []string
	)
	return &cli.Command{
		Name:    "send",
		Summary: "Send a prompt to a workspace's agent and print the reply.",
		Usage:   "hermit send [flags] <prompt...>",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVarP(&group, "group", "g", ipc.DefaultGroup, "workspace name")
			fs.BoolVar(&fresh, "fresh", false, "start a new agent session instead of resuming")
			fs.StringSliceVar(&tools, "tool", nil, "extra tool to provision (repeatable)")
			return fs
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: hermit send <prompt...>")
			}
			client, err := dial(configPath)
			if err != nil {
				return err
			}

			var result ipc.SendResult
			err = client.Call(context.Background(), ipc.CommandSend, map[string]any{
				"group":  group,
				"prompt": strings.Join(args, " "),
				"fresh":  fresh,
				"tools":  tools,
			}, &result)
			if err != nil {
				return err
			}
			fmt.Println(result.Output)
			return nil
		},
	}
}

func groupsCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "groups",
		Summary: "List workspaces and their session state.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("groups", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func(args []string) error {
			client, err := dial(configPath)
			if err != nil {
				return err
			}

			var result ipc.GroupsResult
			err = client.WithCallTimeout(statusTimeout).
				Call(context.Background(), ipc.CommandGroups, nil, &result)
			if err != nil {
				return err
			}

			if len(result.Groups) == 0 {
				fmt.Println("no workspaces")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFOLDER\tSESSION\tCREATED")
			for _, group := range result.Groups {
				session := "none"
				if group.HasSession {
					session = "active"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					group.Name, group.Folder, session,
					group.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func statusCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "status",
		Summary: "Check whether the daemon is running and report its state.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func(args []string) error {
			client, err := dial(configPath)
			if err != nil {
				return err
			}

			var result ipc.StatusResult
			err = client.WithCallTimeout(statusTimeout).
				Call(context.Background(), ipc.CommandStatus, nil, &result)
			if err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}

			fmt.Printf("daemon running (pid %d, version %s)\n", result.PID, result.Version)
			fmt.Printf("  up since:   %s\n", result.StartedAt.Local().Format(time.RFC1123))
			fmt.Printf("  workspaces: %d\n", result.Groups)
			fmt.Printf("  tasks:      %d\n", result.Tasks)
			return nil
		},
	}
}

func clearSessionCommand() *cli.Command {
	var (
		configPath string
		group      string
	)
	return &cli.Command{
		Name:    "clear-session",
		Summary: "Drop a workspace's stored session; the next message starts fresh.",
		Usage:   "hermit clear-session [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("clear-session", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVarP(&group, "group", "g", ipc.DefaultGroup, "workspace name")
			return fs
		},
		Run: func(args []string) error {
			client, err := dial(configPath)
			if err != nil {
				return err
			}
			err = client.WithCallTimeout(statusTimeout).
				Call(context.Background(), ipc.CommandClearSession, map[string]any{"group": group}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("session cleared for %s\n", group)
			return nil
		},
	}
}

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:    "task",
		Summary: "Manage scheduled tasks.",
		Subcommands: []*cli.Command{
			taskAddCommand(),
			taskListCommand(),
			taskRemoveCommand(),
		},
	}
}

func taskAddCommand() *cli.Command {
	var (
		configPath string
		group      string
	)
	return &cli.Command{
		Name:    "add",
		Summary: "Schedule a prompt: @hourly, @daily, @weekly, */N, once:+15m, once:TIMESTAMP.",
		Usage:   "hermit task add [flags] <trigger> <prompt...>",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("task add", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVarP(&group, "group", "g", ipc.DefaultGroup, "workspace name")
			return fs
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: hermit task add <trigger> <prompt...>")
			}
			client, err := dial(configPath)
			if err != nil {
				return err
			}

			var task ipc.TaskSummary
			err = client.WithCallTimeout(statusTimeout).
				Call(context.Background(), ipc.CommandTaskAdd, map[string]any{
					"group":   group,
					"trigger": args[0],
					"prompt":  strings.Join(args[1:], " "),
				}, &task)
			if err != nil {
				return err
			}
			fmt.Printf("task %s scheduled (%s), next run %s\n",
				task.ID, task.Trigger, task.NextRun.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func taskListCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "list",
		Summary: "List scheduled tasks.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("task list", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func(args []string) error {
			client, err := dial(configPath)
			if err != nil {
				return err
			}

			var result ipc.TaskListResult
			err = client.WithCallTimeout(statusTimeout).
				Call(context.Background(), ipc.CommandTaskList, nil, &result)
			if err != nil {
				return err
			}

			if len(result.Tasks) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ID\tGROUP\tTRIGGER\tSTATUS\tNEXT RUN\tLAST RUN\tPROMPT\tLAST RESULT")
			for _, task := range result.Tasks {
				next, last := "-", "-"
				if !task.NextRun.IsZero() {
					next = task.NextRun.Local().Format("2006-01-02 15:04")
				}
				if !task.LastRun.IsZero() {
					last = task.LastRun.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					task.ID, task.Group, task.Trigger, task.Status, next, last,
					truncate(task.Prompt, 40), truncate(task.LastResult, 40))
			}
			return tw.Flush()
		},
	}
}

func taskRemoveCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "rm",
		Summary: "Remove a scheduled task.",
		Usage:   "hermit task rm [flags] <id>",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("task rm", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: hermit task rm <id>")
			}
			client, err := dial(configPath)
			if err != nil {
				return err
			}
			err = client.WithCallTimeout(statusTimeout).
				Call(context.Background(), ipc.CommandTaskRemove, map[string]any{"id": args[0]}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("task %s removed\n", args[0])
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information.",
		Run: func(args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-1] + "…"
}
