// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// BwrapArgs renders a Plan into a bubblewrap argument vector, ending
// with the command to run inside the sandbox. The rendering is
// deterministic: environment variables are emitted in sorted key order
// so that two identical plans always produce identical argv.
func BwrapArgs(plan Plan, command []string) ([]string, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("sandbox: command is required")
	}

	args := []string{"--unshare-all", "--die-with-parent", "--new-session"}
	if plan.ShareNet {
		args = append(args, "--share-net")
	}

	for _, mount := range plan.Mounts {
		switch mount.Type {
		case MountTypeTmpfs:
			args = append(args, "--tmpfs", mount.Dest)
		case MountTypeProc:
			args = append(args, "--proc", mount.Dest)
		case MountTypeDev:
			args = append(args, "--dev", mount.Dest)
		case MountTypeBind, "":
			if mount.Optional {
				if _, err := os.Stat(mount.Source); os.IsNotExist(err) {
					continue
				}
			}
			flag := "--bind"
			if mount.Mode == MountModeRO {
				flag = "--ro-bind"
			}
			args = append(args, flag, mount.Source, mount.Dest)
		default:
			return nil, fmt.Errorf("sandbox: unknown mount type %q for %s", mount.Type, mount.Dest)
		}
	}

	for _, dir := range plan.Dirs {
		args = append(args, "--dir", dir)
	}
	for _, link := range plan.Symlinks {
		args = append(args, "--symlink", link[0], link[1])
	}

	// The sandboxed process starts from a clean environment; only the
	// plan's variables exist inside.
	args = append(args, "--clearenv")
	keys := make([]string, 0, len(plan.Env))
	for key := range plan.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--setenv", key, plan.Env[key])
	}

	if plan.WorkDir != "" {
		args = append(args, "--chdir", plan.WorkDir)
	}

	args = append(args, "--")
	args = append(args, command...)
	return args, nil
}

// Command builds an exec.Cmd that runs the given command inside the
// sandbox described by plan. The bwrap process itself gets a minimal
// environment: anything on the host process environment would otherwise
// be readable through /proc/<bwrap-pid>/environ from outside the
// sandbox, so credentials must only appear in the --setenv arguments
// that bwrap applies after unsharing.
//
// The command runs in its own process group so a timeout can kill the
// whole tree, bwrap included.
func Command(ctx context.Context, plan Plan, command []string) (*exec.Cmd, error) {
	bwrap, err := BwrapPath()
	if err != nil {
		return nil, err
	}
	args, err := BwrapArgs(plan, command)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bwrap, args...)
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=dumb",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// BwrapPath locates the bwrap executable, preferring well-known
// locations before falling back to PATH lookup.
func BwrapPath() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("bwrap"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("sandbox: bwrap not found; install bubblewrap")
}
