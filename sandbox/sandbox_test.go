// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/hermit-sh/hermit/lib/toolcred"
	"github.com/hermit-sh/hermit/store"
)

func testCompiler(t *testing.T) (*Compiler, string) {
	t.Helper()
	configDir := t.TempDir()
	return &Compiler{
		Registry:      toolcred.DefaultRegistry(),
		ToolConfigDir: configDir,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, configDir
}

func testWorkspace(t *testing.T) store.Workspace {
	t.Helper()
	groupsDir := t.TempDir()
	root := filepath.Join(groupsDir, "my-project")
	if err := os.MkdirAll(filepath.Join(root, ".claude"), 0o755); err != nil {
		t.Fatalf("creating workspace dirs: %v", err)
	}
	return store.Workspace{Name: "My Project", Folder: "my-project", Root: root}
}

func TestCompileBasicPlan(t *testing.T) {
	compiler, _ := testCompiler(t)
	ws := testWorkspace(t)

	plan, err := compiler.Compile(ws, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if plan.ShareNet {
		t.Error("plan without network tools should not share the network")
	}
	if plan.WorkDir != WorkspaceDest {
		t.Errorf("workdir = %q, want %q", plan.WorkDir, WorkspaceDest)
	}
	if plan.Env["HOME"] != "/home/agent" {
		t.Errorf("HOME = %q, want /home/agent", plan.Env["HOME"])
	}

	var rw []Mount
	for _, m := range plan.Mounts {
		if m.Mode == MountModeRW {
			rw = append(rw, m)
		}
	}
	if len(rw) != 2 {
		t.Fatalf("writable mounts = %d, want workspace and agent state only", len(rw))
	}
	if rw[0].Source != ws.Root || rw[0].Dest != WorkspaceDest {
		t.Errorf("workspace mount = %+v", rw[0])
	}
	if rw[1].Dest != AgentConfigDest {
		t.Errorf("agent state mount dest = %q, want %q", rw[1].Dest, AgentConfigDest)
	}
	if !strings.HasPrefix(rw[1].Source, ws.Root) {
		t.Errorf("agent state mount source %q escapes workspace root", rw[1].Source)
	}
}

func TestCompileNetworkTool(t *testing.T) {
	compiler, configDir := testCompiler(t)
	ws := testWorkspace(t)

	hostsFile := filepath.Join(configDir, "gh", "hosts.yml")
	if err := os.MkdirAll(filepath.Dir(hostsFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hostsFile, []byte("github.com:\n    oauth_token: gho_abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	plan, err := compiler.Compile(ws, []string{"gh"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !plan.ShareNet {
		t.Error("gh should enable networking")
	}
	if plan.Env["GH_TOKEN"] != "gho_abc" {
		t.Errorf("GH_TOKEN = %q, want gho_abc", plan.Env["GH_TOKEN"])
	}

	var hasResolv bool
	for _, m := range plan.Mounts {
		if m.Dest == "/etc/resolv.conf" {
			hasResolv = true
		}
	}
	if !hasResolv {
		t.Error("network plan missing /etc/resolv.conf mount")
	}
}

func TestCompileUnknownToolSkipped(t *testing.T) {
	compiler, _ := testCompiler(t)
	ws := testWorkspace(t)

	plan, err := compiler.Compile(ws, []string{"no-such-tool", "jq"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if plan.ShareNet {
		t.Error("jq alone should not enable networking")
	}
}

func TestCompileMissingCredentialSkipped(t *testing.T) {
	compiler, _ := testCompiler(t)
	ws := testWorkspace(t)

	// gh requested but no hosts.yml configured: network still on,
	// credential absent.
	plan, err := compiler.Compile(ws, []string{"gh"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !plan.ShareNet {
		t.Error("gh should enable networking even without a credential")
	}
	if _, ok := plan.Env["GH_TOKEN"]; ok {
		t.Error("GH_TOKEN set without a configured credential")
	}
}

func TestCompileMissingWorkspaceRoot(t *testing.T) {
	compiler, _ := testCompiler(t)
	ws := store.Workspace{Name: "gone", Folder: "gone", Root: filepath.Join(t.TempDir(), "gone")}
	if _, err := compiler.Compile(ws, nil); err == nil {
		t.Fatal("Compile with missing root should fail")
	}
}

func TestBwrapArgsOrdering(t *testing.T) {
	plan := Plan{
		Mounts: []Mount{
			{Source: "/usr", Dest: "/usr", Mode: MountModeRO},
			{Dest: "/tmp", Type: MountTypeTmpfs},
		},
		Env:     map[string]string{"ZVAR": "z", "AVAR": "a", "HOME": "/home/agent"},
		WorkDir: "/workspace",
	}

	args, err := BwrapArgs(plan, []string{"claude", "-p", "hello"})
	if err != nil {
		t.Fatalf("BwrapArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--unshare-all",
		"--die-with-parent",
		"--clearenv",
		"--ro-bind /usr /usr",
		"--tmpfs /tmp",
		"--chdir /workspace",
		"-- claude -p hello",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "--share-net") {
		t.Error("non-network plan got --share-net")
	}

	// Env keys come out sorted for deterministic argv.
	a := slices.Index(args, "AVAR")
	z := slices.Index(args, "ZVAR")
	if a < 0 || z < 0 || a > z {
		t.Errorf("setenv keys not sorted: AVAR at %d, ZVAR at %d", a, z)
	}
}

func TestBwrapArgsOptionalMountSkipped(t *testing.T) {
	plan := Plan{
		Mounts: []Mount{
			{Source: filepath.Join(t.TempDir(), "absent"), Dest: "/lib64", Mode: MountModeRO, Optional: true},
		},
	}
	args, err := BwrapArgs(plan, []string{"true"})
	if err != nil {
		t.Fatalf("BwrapArgs: %v", err)
	}
	if slices.Contains(args, "/lib64") {
		t.Error("optional mount with missing source should be skipped")
	}
}

func TestBwrapArgsRequiresCommand(t *testing.T) {
	if _, err := BwrapArgs(Plan{}, nil); err == nil {
		t.Fatal("empty command should fail")
	}
}

func TestValidateRejectsStrayWritableMount(t *testing.T) {
	ws := testWorkspace(t)
	plan := Plan{
		Mounts: []Mount{
			{Source: ws.Root, Dest: WorkspaceDest, Mode: MountModeRW},
			{Source: t.TempDir(), Dest: "/data", Mode: MountModeRW},
		},
	}
	if err := Validate(plan, ws); err == nil {
		t.Fatal("writable mount outside workspace should be rejected")
	}
}

func TestValidateRejectsSiblingWorkspace(t *testing.T) {
	ws := testWorkspace(t)
	sibling := filepath.Join(filepath.Dir(ws.Root), "other-project")
	if err := os.MkdirAll(sibling, 0o755); err != nil {
		t.Fatal(err)
	}
	plan := Plan{
		Mounts: []Mount{
			{Source: ws.Root, Dest: WorkspaceDest, Mode: MountModeRW},
			{Source: sibling, Dest: "/mnt/other", Mode: MountModeRO},
		},
	}
	if err := Validate(plan, ws); err == nil {
		t.Fatal("mount of a sibling workspace should be rejected")
	}
}

func TestValidateRejectsProtectedHomePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	ws := testWorkspace(t)
	for _, source := range []string{home, filepath.Join(home, ".claude"), filepath.Join(home, ".ssh")} {
		plan := Plan{
			Mounts: []Mount{
				{Source: ws.Root, Dest: WorkspaceDest, Mode: MountModeRW},
				{Source: source, Dest: "/mnt/x", Mode: MountModeRO},
			},
		}
		if err := Validate(plan, ws); err == nil {
			t.Errorf("mount of %s should be rejected", source)
		}
	}

	// Narrow subpaths of home stay legal.
	plan := Plan{
		Mounts: []Mount{
			{Source: ws.Root, Dest: WorkspaceDest, Mode: MountModeRW},
			{Source: filepath.Join(home, ".local", "bin"), Dest: "/home/agent/.local/bin", Mode: MountModeRO, Optional: true},
		},
	}
	if err := Validate(plan, ws); err != nil {
		t.Errorf("narrow home subpath rejected: %v", err)
	}
}

func TestCompileToolsBinDir(t *testing.T) {
	compiler, _ := testCompiler(t)
	compiler.ToolsBinDir = t.TempDir()
	ws := testWorkspace(t)

	plan, err := compiler.Compile(ws, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.HasPrefix(plan.Env["PATH"], ToolsDest+":") {
		t.Errorf("PATH = %q, want %s first", plan.Env["PATH"], ToolsDest)
	}
	var mounted bool
	for _, m := range plan.Mounts {
		if m.Dest == ToolsDest && m.Mode == MountModeRO {
			mounted = true
		}
	}
	if !mounted {
		t.Error("tools bin dir not mounted")
	}
}

func TestCompileSeedsCredentialOnce(t *testing.T) {
	compiler, _ := testCompiler(t)
	seed := filepath.Join(t.TempDir(), ".credentials.json")
	if err := os.WriteFile(seed, []byte(`{"token":"first"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	compiler.CredentialSeed = seed
	ws := testWorkspace(t)

	if _, err := compiler.Compile(ws, nil); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	target := filepath.Join(ws.Root, ".claude", ".credentials.json")
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("credential not seeded: %v", err)
	}
	if string(data) != `{"token":"first"}` {
		t.Errorf("seeded credential = %s", data)
	}

	// A later seed change must not clobber the workspace's copy.
	if err := os.WriteFile(seed, []byte(`{"token":"second"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := compiler.Compile(ws, nil); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	data, _ = os.ReadFile(target)
	if string(data) != `{"token":"first"}` {
		t.Errorf("credential clobbered on re-seed: %s", data)
	}
}

func TestValidateRequiresWorkspaceBind(t *testing.T) {
	ws := testWorkspace(t)
	if err := Validate(Plan{}, ws); err == nil {
		t.Fatal("plan without a workspace bind should be rejected")
	}
}
