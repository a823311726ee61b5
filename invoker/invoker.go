// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package invoker runs the coding agent inside a sandbox for a single
// workspace, serializing runs so a workspace never has two agents
// writing to it at once. The invoker is deliberately storage-blind: it
// reports the agent's output and session ID to the caller and leaves
// all bookkeeping (session persistence, task state) to the daemon.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/hermit-sh/hermit/lib/clock"
	"github.com/hermit-sh/hermit/lib/process"
	"github.com/hermit-sh/hermit/sandbox"
	"github.com/hermit-sh/hermit/store"
)

// ErrBusy reports that the workspace already has an agent running and
// the caller's wait budget ran out (or it asked not to wait at all).
var ErrBusy = errors.New("invoker: workspace is busy")

// ErrTimeout reports that the agent exceeded the run deadline and was
// killed along with its whole process group.
var ErrTimeout = errors.New("invoker: agent run timed out")

// AgentError reports a nonzero agent exit. Stderr carries at most the
// final stderrTailLimit bytes of the agent's stderr.
type AgentError struct {
	ExitCode int
	Stderr   string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("invoker: agent exited with code %d: %s", e.ExitCode, e.Stderr)
}

const stderrTailLimit = 500

// Request describes one agent run.
type Request struct {
	// Prompt is the user or task text passed to the agent.
	Prompt string
	// Resume is the agent session to continue, empty for a fresh one.
	Resume string
	// ResolveResume, when set, supplies Resume and is called only
	// after the workspace lock is held. A run that waited out an
	// in-flight run on the same workspace then resumes the session
	// that run produced, not the one current when it queued.
	ResolveResume func(ctx context.Context) (string, error)
	// Tools are the extra tool names to provision in the sandbox.
	Tools []string
	// TaskID, when set, marks the transcript line as scheduler-driven.
	TaskID string
	// Wait bounds how long to wait for the workspace lock. Zero means
	// fail immediately when busy.
	Wait time.Duration
}

// Result is a successful agent run.
type Result struct {
	// Output is the agent's final answer text.
	Output string
	// SessionID identifies the agent conversation for later resumption.
	// Empty when the agent did not report one.
	SessionID string
}

// Invoker executes agent runs. All fields must be populated before use.
type Invoker struct {
	Compiler *sandbox.Compiler
	Locks    *Locks
	// Timeout bounds a single agent run.
	Timeout time.Duration
	// AgentCommand is the agent binary and fixed leading arguments,
	// normally just ["claude"].
	AgentCommand []string
	Logger       *slog.Logger
	Clock        clock.Clock

	// newCommand builds the sandboxed agent process. Tests replace it
	// to run the agent without bubblewrap.
	newCommand func(ctx context.Context, plan sandbox.Plan, command []string) (*exec.Cmd, error)
}

// agentOutput is the JSON envelope the agent prints in -p mode.
type agentOutput struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// Invoke runs the agent for one workspace, waiting up to req.Wait for
// the workspace lock. Scheduled runs pass Wait zero so a long
// interactive session makes them defer instead of queueing.
func (inv *Invoker) Invoke(ctx context.Context, workspace store.Workspace, req Request) (Result, error) {
	if req.Wait <= 0 {
		if !inv.Locks.TryAcquire(workspace.Name) {
			return Result{}, ErrBusy
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, req.Wait)
		err := inv.Locks.Acquire(waitCtx, workspace.Name)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, ErrBusy
		}
	}
	defer inv.Locks.Release(workspace.Name)

	if req.ResolveResume != nil {
		resume, err := req.ResolveResume(ctx)
		if err != nil {
			return Result{}, err
		}
		req.Resume = resume
	}

	return inv.run(ctx, workspace, req)
}

func (inv *Invoker) run(ctx context.Context, workspace store.Workspace, req Request) (Result, error) {
	prompt := req.Prompt
	if req.TaskID != "" {
		prompt = fmt.Sprintf("[task:%s] %s", req.TaskID, prompt)
	}

	plan, err := inv.Compiler.Compile(workspace, req.Tools)
	if err != nil {
		inv.writeTranscript(workspace, prompt, "error: "+err.Error())
		return Result{}, err
	}

	command := append([]string{}, inv.AgentCommand...)
	command = append(command, "-p", "--output-format", "json", "--dangerously-skip-permissions")
	if req.Resume != "" {
		command = append(command, "--resume", req.Resume)
	}
	command = append(command, req.Prompt)

	runCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	newCommand := inv.newCommand
	if newCommand == nil {
		newCommand = sandbox.Command
	}
	cmd, err := newCommand(runCtx, plan, command)
	if err != nil {
		inv.writeTranscript(workspace, prompt, "error: "+err.Error())
		return Result{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// On cancellation, kill the whole process group so nothing the
	// agent spawned outlives the sandbox.
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := inv.Clock.Now()
	inv.Logger.Info("agent run starting",
		slog.String("workspace", workspace.Name),
		slog.Bool("resume", req.Resume != ""),
		slog.String("task", req.TaskID))

	runErr := cmd.Run()
	elapsed := inv.Clock.Now().Sub(start)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		inv.Logger.Warn("agent run timed out",
			slog.String("workspace", workspace.Name),
			slog.Duration("elapsed", elapsed))
		err := fmt.Errorf("%w after %s", ErrTimeout, inv.Timeout)
		inv.writeTranscript(workspace, prompt, "error: "+err.Error())
		return Result{}, err
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if runErr != nil {
		code, ok := process.ExitCode(runErr)
		if !ok {
			code = -1
		}
		agentErr := &AgentError{ExitCode: code, Stderr: tail(stderr.String(), stderrTailLimit)}
		inv.writeTranscript(workspace, prompt, "error: "+agentErr.Error())
		return Result{}, agentErr
	}

	result := parseOutput(stdout.Bytes())

	inv.Logger.Info("agent run finished",
		slog.String("workspace", workspace.Name),
		slog.Duration("elapsed", elapsed),
		slog.Bool("session", result.SessionID != ""))

	inv.writeTranscript(workspace, prompt, result.Output)
	return result, nil
}

// writeTranscript appends one exchange to the workspace transcript. A
// failed write is logged, never fatal to the run that produced it.
func (inv *Invoker) writeTranscript(workspace store.Workspace, prompt, output string) {
	if err := appendTranscript(workspace.Root, prompt, output, inv.Clock.Now()); err != nil {
		inv.Logger.Warn("transcript write failed",
			slog.String("workspace", workspace.Name),
			slog.String("error", err.Error()))
	}
}

// parseOutput decodes the agent's JSON envelope, falling back to the
// raw stdout when the agent printed something unstructured.
func parseOutput(stdout []byte) Result {
	var out agentOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return Result{Output: strings.TrimSpace(string(stdout))}
	}
	output := out.Result
	if output == "" {
		output = strings.TrimSpace(string(stdout))
	}
	return Result{Output: output, SessionID: out.SessionID}
}

// tail returns at most limit bytes from the end of s, trimmed. The
// cut never lands inside a multi-byte rune: leading continuation
// bytes are dropped.
func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) > limit {
		s = s[len(s)-limit:]
		for len(s) > 0 && !utf8.RuneStart(s[0]) {
			s = s[1:]
		}
	}
	return s
}
