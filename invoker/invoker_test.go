// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package invoker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hermit-sh/hermit/lib/clock"
	"github.com/hermit-sh/hermit/lib/toolcred"
	"github.com/hermit-sh/hermit/sandbox"
	"github.com/hermit-sh/hermit/store"
)

// testInvoker builds an invoker whose agent is a shell one-liner run
// directly, outside bubblewrap. The compiled plan is still built and
// validated; only the process construction is replaced.
func testInvoker(t *testing.T, script string) (*Invoker, store.Workspace) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".claude"), 0o755); err != nil {
		t.Fatalf("creating agent state dir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := &Invoker{
		Compiler: &sandbox.Compiler{
			Registry: toolcred.DefaultRegistry(),
			Logger:   logger,
		},
		Locks:        NewLocks(),
		Timeout:      time.Minute,
		AgentCommand: []string{"claude"},
		Logger:       logger,
		Clock:        clock.Real(),
		newCommand: func(ctx context.Context, plan sandbox.Plan, command []string) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, "/bin/sh", "-c", script), nil
		},
	}
	return inv, store.Workspace{Name: "proj", Folder: "proj", Root: root}
}

func readTranscript(t *testing.T, root string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, TranscriptFile))
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	return string(data)
}

func TestLocksSerializePerWorkspace(t *testing.T) {
	locks := NewLocks()

	if !locks.TryAcquire("alpha") {
		t.Fatal("first acquire should succeed")
	}
	if locks.TryAcquire("alpha") {
		t.Fatal("second acquire of held lock should fail")
	}
	if !locks.TryAcquire("beta") {
		t.Fatal("different workspace should be independent")
	}

	locks.Release("alpha")
	if !locks.TryAcquire("alpha") {
		t.Fatal("acquire after release should succeed")
	}
	locks.Release("alpha")
	locks.Release("beta")
}

func TestLocksAcquireWaits(t *testing.T) {
	locks := NewLocks()
	if !locks.TryAcquire("ws") {
		t.Fatal("setup acquire failed")
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- locks.Acquire(context.Background(), "ws")
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire returned %v while lock held", err)
	case <-time.After(20 * time.Millisecond):
	}

	locks.Release("ws")
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not proceed after release")
	}
	locks.Release("ws")
}

func TestLocksAcquireCancellation(t *testing.T) {
	locks := NewLocks()
	locks.TryAcquire("ws")
	defer locks.Release("ws")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := locks.Acquire(ctx, "ws"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on held lock = %v, want deadline exceeded", err)
	}
}

func TestLocksReleaseUnheldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("release of unheld lock should panic")
		}
	}()
	NewLocks().Release("never-held")
}

func TestInvokeBusyWorkspace(t *testing.T) {
	locks := NewLocks()
	locks.TryAcquire("My Project")
	defer locks.Release("My Project")

	inv := &Invoker{Locks: locks}
	ws := store.Workspace{Name: "My Project"}

	_, err := inv.Invoke(context.Background(), ws, Request{Prompt: "hello"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Invoke on busy workspace = %v, want ErrBusy", err)
	}

	// A bounded wait that expires also reports busy.
	_, err = inv.Invoke(context.Background(), ws, Request{Prompt: "hello", Wait: 20 * time.Millisecond})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Invoke with expired wait = %v, want ErrBusy", err)
	}
}

func TestInvokeSuccessAppendsTranscript(t *testing.T) {
	inv, ws := testInvoker(t, `printf '{"result":"all done","session_id":"s-1"}'`)

	result, err := inv.Invoke(context.Background(), ws, Request{Prompt: "do it"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Output != "all done" || result.SessionID != "s-1" {
		t.Errorf("result = %+v", result)
	}

	text := readTranscript(t, ws.Root)
	for _, want := range []string{"> do it\n", "all done\n"} {
		if !strings.Contains(text, want) {
			t.Errorf("transcript missing %q:\n%s", want, text)
		}
	}
}

func TestInvokeFailureAppendsTranscript(t *testing.T) {
	inv, ws := testInvoker(t, `echo broken >&2; exit 3`)

	_, err := inv.Invoke(context.Background(), ws, Request{Prompt: "do it", TaskID: "ab12cd34"})
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Invoke = %v, want AgentError", err)
	}
	if agentErr.ExitCode != 3 || !strings.Contains(agentErr.Stderr, "broken") {
		t.Errorf("agent error = %+v", agentErr)
	}

	// The prompt and the failure reach the transcript even though the
	// run produced no reply.
	text := readTranscript(t, ws.Root)
	for _, want := range []string{"> [task:ab12cd34] do it\n", "error:", "broken"} {
		if !strings.Contains(text, want) {
			t.Errorf("transcript missing %q:\n%s", want, text)
		}
	}
}

func TestInvokeResolvesResumeUnderLock(t *testing.T) {
	inv, ws := testInvoker(t, `printf '{"result":"ok","session_id":"s-2"}'`)

	var gotCommand []string
	base := inv.newCommand
	inv.newCommand = func(ctx context.Context, plan sandbox.Plan, command []string) (*exec.Cmd, error) {
		gotCommand = command
		return base(ctx, plan, command)
	}

	// Hold the lock while the session advances; the queued run must
	// resume the session current at lock grant, not at queue time.
	if !inv.Locks.TryAcquire(ws.Name) {
		t.Fatal("setup acquire failed")
	}
	session := "stale"
	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(20 * time.Millisecond)
		session = "fresh"
		inv.Locks.Release(ws.Name)
	}()

	var observed string
	_, err := inv.Invoke(context.Background(), ws, Request{
		Prompt: "continue",
		Wait:   5 * time.Second,
		ResolveResume: func(ctx context.Context) (string, error) {
			observed = session
			return session, nil
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	<-released

	if observed != "fresh" {
		t.Errorf("resume resolved to %q before the lock was granted", observed)
	}
	if i := slices.Index(gotCommand, "--resume"); i < 0 || gotCommand[i+1] != "fresh" {
		t.Errorf("agent command resumes %v, want --resume fresh", gotCommand)
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		output  string
		session string
	}{
		{
			name:    "json envelope",
			stdout:  `{"result": "done the thing", "session_id": "abc-123"}`,
			output:  "done the thing",
			session: "abc-123",
		},
		{
			name:   "json without session",
			stdout: `{"result": "answer"}`,
			output: "answer",
		},
		{
			name:   "unstructured stdout",
			stdout: "plain text output\n",
			output: "plain text output",
		},
		{
			name:   "json missing result falls back to raw",
			stdout: `{"session_id": "abc"}`,
			output: `{"session_id": "abc"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOutput([]byte(tt.stdout))
			if got.Output != tt.output {
				t.Errorf("output = %q, want %q", got.Output, tt.output)
			}
			if tt.session != "" && got.SessionID != tt.session {
				t.Errorf("session = %q, want %q", got.SessionID, tt.session)
			}
		})
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 500); got != "short" {
		t.Errorf("tail(short) = %q", got)
	}
	long := strings.Repeat("x", 600) + "END"
	got := tail(long, 500)
	if len(got) != 500 || !strings.HasSuffix(got, "END") {
		t.Errorf("tail should keep the last 500 bytes, got %d bytes", len(got))
	}

	// A cut landing inside a multi-byte rune moves forward to the next
	// rune start.
	multibyte := strings.Repeat("日", 200)
	got = tail(multibyte, 500)
	if !utf8.ValidString(got) {
		t.Errorf("tail produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("日", 166); got != want {
		t.Errorf("tail kept %d bytes, want %d whole runes", len(got), 166)
	}
}

func TestAppendTranscript(t *testing.T) {
	root := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := appendTranscript(root, "fix the bug", "fixed it", at); err != nil {
		t.Fatalf("appendTranscript: %v", err)
	}
	if err := appendTranscript(root, "[task:ab12cd34] nightly check", "all green", at); err != nil {
		t.Fatalf("appendTranscript: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, TranscriptFile))
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	text := string(data)

	for _, want := range []string{
		"--- 2026-03-01 09:30:00 ---\n> fix the bug\n",
		"fixed it\n",
		"> [task:ab12cd34] nightly check\n",
		"all green\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("transcript missing %q:\n%s", want, text)
		}
	}
}

func TestAppendTranscriptEmptyOutput(t *testing.T) {
	root := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if err := appendTranscript(root, "prompt only", "", at); err != nil {
		t.Fatalf("appendTranscript: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(root, TranscriptFile))
	if strings.Count(string(data), "---") != 2 {
		t.Errorf("empty output should produce a single entry:\n%s", data)
	}
}
