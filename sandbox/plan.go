// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hermit-sh/hermit/lib/toolcred"
	"github.com/hermit-sh/hermit/store"
)

// Mount modes and types used in a Plan.
const (
	MountModeRO = "ro"
	MountModeRW = "rw"

	MountTypeBind  = "bind"
	MountTypeTmpfs = "tmpfs"
	MountTypeProc  = "proc"
	MountTypeDev   = "dev"
)

// WorkspaceDest is where the workspace root appears inside the sandbox.
// It is the only writable bind mount in any compiled plan.
const WorkspaceDest = "/workspace"

// AgentConfigDest is where the per-workspace agent state directory is
// mounted. The agent sees it as its own config dir; the host path lives
// under the workspace root so session state survives between runs without
// ever exposing the operator's real home directory.
const AgentConfigDest = "/home/agent/.claude"

// Mount describes a single filesystem mapping into the sandbox.
type Mount struct {
	// Source is the host path. Empty for tmpfs/proc/dev mounts.
	Source string
	// Dest is the path inside the sandbox.
	Dest string
	// Mode is MountModeRO or MountModeRW. Only bind mounts carry a mode.
	Mode string
	// Type is one of the MountType constants. Empty means bind.
	Type string
	// Optional mounts are skipped when the source does not exist on the
	// host rather than failing the launch.
	Optional bool
}

// Plan is a fully resolved sandbox configuration, ready to be rendered
// into bwrap arguments. Plans are value types: compile once per run,
// never mutate after validation.
type Plan struct {
	Mounts   []Mount
	Dirs     []string
	Symlinks [][2]string // source target pairs, rendered as --symlink
	Env      map[string]string
	WorkDir  string
	ShareNet bool
}

// ToolsDest is where the tools bin directory appears inside the
// sandbox when configured.
const ToolsDest = "/opt/hermit/tools"

// Compiler turns a workspace plus a tool list into a Plan. The zero
// value is not usable; populate Registry and Logger.
type Compiler struct {
	// Registry resolves tool names to credential and network requirements.
	Registry *toolcred.Registry
	// ToolConfigDir is the host directory holding hermit's own tool
	// credentials (for example <tools>/gh/hosts.yml). Credentials are
	// read here and injected as environment variables; the files
	// themselves are never mounted.
	ToolConfigDir string
	// ToolsBinDir, when set and present on the host, is ro-mounted at
	// ToolsDest and prepended to the sandbox PATH.
	ToolsBinDir string
	// CredentialSeed is the host path of hermit's own agent credential
	// file. On first run for a workspace it is copied into the
	// workspace's agent state dir; it is never shared live.
	CredentialSeed string
	Logger         *slog.Logger
}

// systemMounts are the read-only host paths every sandbox receives.
// Optional entries cover distro layout differences (Debian symlinks
// /lib into /usr/lib, Fedora ships /etc/pki, and so on).
var systemMounts = []Mount{
	{Source: "/usr", Dest: "/usr", Mode: MountModeRO},
	{Source: "/lib", Dest: "/lib", Mode: MountModeRO, Optional: true},
	{Source: "/lib64", Dest: "/lib64", Mode: MountModeRO, Optional: true},
	{Source: "/bin", Dest: "/bin", Mode: MountModeRO, Optional: true},
	{Source: "/sbin", Dest: "/sbin", Mode: MountModeRO, Optional: true},
	{Source: "/etc/alternatives", Dest: "/etc/alternatives", Mode: MountModeRO, Optional: true},
}

// networkMounts are added only when at least one requested tool needs
// outbound networking.
var networkMounts = []Mount{
	{Source: "/etc/resolv.conf", Dest: "/etc/resolv.conf", Mode: MountModeRO, Optional: true},
	{Source: "/etc/hosts", Dest: "/etc/hosts", Mode: MountModeRO, Optional: true},
	{Source: "/etc/ssl", Dest: "/etc/ssl", Mode: MountModeRO, Optional: true},
	{Source: "/etc/pki", Dest: "/etc/pki", Mode: MountModeRO, Optional: true},
	{Source: "/etc/ca-certificates", Dest: "/etc/ca-certificates", Mode: MountModeRO, Optional: true},
}

// Compile resolves a workspace and its tool set into a validated Plan.
// Unknown tool names are logged and skipped rather than failing the run:
// a stale tool list in a task should not wedge the whole workspace.
func (c *Compiler) Compile(workspace store.Workspace, toolNames []string) (Plan, error) {
	if workspace.Root == "" {
		return Plan{}, fmt.Errorf("sandbox: workspace %q has no root path", workspace.Name)
	}
	info, err := os.Stat(workspace.Root)
	if err != nil {
		return Plan{}, fmt.Errorf("sandbox: workspace root %s: %w", workspace.Root, err)
	}
	if !info.IsDir() {
		return Plan{}, fmt.Errorf("sandbox: workspace root %s is not a directory", workspace.Root)
	}

	plan := Plan{
		Env: map[string]string{
			"HOME": "/home/agent",
			"PATH": "/usr/local/bin:/usr/bin:/bin",
			"TERM": "dumb",
		},
		WorkDir: WorkspaceDest,
	}

	plan.Mounts = append(plan.Mounts, systemMounts...)

	// Isolation layer: writable scratch space that vanishes when the
	// sandbox exits, except for the agent state dir which is backed by
	// the workspace.
	plan.Mounts = append(plan.Mounts,
		Mount{Dest: "/tmp", Type: MountTypeTmpfs},
		Mount{Dest: "/home", Type: MountTypeTmpfs},
		Mount{Dest: "/run", Type: MountTypeTmpfs},
		Mount{Dest: "/proc", Type: MountTypeProc},
		Mount{Dest: "/dev", Type: MountTypeDev},
	)
	plan.Dirs = append(plan.Dirs, "/home/agent")

	// The workspace root is the single writable bind.
	plan.Mounts = append(plan.Mounts, Mount{
		Source: workspace.Root,
		Dest:   WorkspaceDest,
		Mode:   MountModeRW,
	})

	// The agent's own config dir is the .claude subdirectory of the
	// workspace, surfaced at the path the agent expects. It rides inside
	// the workspace bind but bwrap mounts are processed in order, so the
	// later bind shadows the tmpfs /home.
	agentState := filepath.Join(workspace.Root, ".claude")
	plan.Mounts = append(plan.Mounts, Mount{
		Source: agentState,
		Dest:   AgentConfigDest,
		Mode:   MountModeRW,
	})
	if err := c.seedCredential(agentState); err != nil {
		return Plan{}, err
	}

	c.applyAgentBinaries(&plan)

	if c.ToolsBinDir != "" {
		plan.Mounts = append(plan.Mounts, Mount{
			Source: c.ToolsBinDir, Dest: ToolsDest, Mode: MountModeRO, Optional: true,
		})
		plan.Env["PATH"] = ToolsDest + ":" + plan.Env["PATH"]
	}

	if err := c.applyTools(&plan, toolNames); err != nil {
		return Plan{}, err
	}

	if plan.ShareNet {
		plan.Mounts = append(plan.Mounts, networkMounts...)
	}

	if err := Validate(plan, workspace); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// applyAgentBinaries mounts the agent's install locations read-only
// when they exist on the host. The agent binary commonly lives in
// ~/.local/bin with support files in ~/.local/share; these are narrow
// ro mounts, never the home directory itself.
func (c *Compiler) applyAgentBinaries(plan *Plan) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	binDir := filepath.Join(home, ".local", "bin")
	shareDir := filepath.Join(home, ".local", "share", "claude")
	plan.Mounts = append(plan.Mounts,
		Mount{Source: binDir, Dest: "/home/agent/.local/bin", Mode: MountModeRO, Optional: true},
		Mount{Source: shareDir, Dest: "/home/agent/.local/share/claude", Mode: MountModeRO, Optional: true},
	)
	plan.Env["PATH"] = "/home/agent/.local/bin:" + plan.Env["PATH"]
}

// seedCredential copies hermit's agent credential file into the
// workspace agent state dir once. Copy, not bind: the agent must never
// write back to the shared seed.
func (c *Compiler) seedCredential(agentState string) error {
	if c.CredentialSeed == "" {
		return nil
	}
	target := filepath.Join(agentState, filepath.Base(c.CredentialSeed))
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	data, err := os.ReadFile(c.CredentialSeed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sandbox: reading credential seed: %w", err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("sandbox: seeding agent credential: %w", err)
	}
	return nil
}

// applyTools injects credentials and network access for the requested
// tools. Credentials travel as environment variables only.
func (c *Compiler) applyTools(plan *Plan, toolNames []string) error {
	for _, name := range toolNames {
		tool, ok := c.Registry.Lookup(name)
		if !ok {
			c.Logger.Warn("unknown tool requested, skipping",
				slog.String("tool", name))
			continue
		}
		if tool.Network {
			plan.ShareNet = true
		}
		if tool.CredentialEnv == "" {
			continue
		}
		value, ok, err := tool.Credential(c.ToolConfigDir)
		if err != nil {
			return fmt.Errorf("sandbox: reading credential for %s: %w", name, err)
		}
		if !ok {
			c.Logger.Warn("tool credential not configured",
				slog.String("tool", name),
				slog.String("env", tool.CredentialEnv))
			continue
		}
		plan.Env[tool.CredentialEnv] = value
	}
	return nil
}
