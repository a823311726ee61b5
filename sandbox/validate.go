// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hermit-sh/hermit/store"
)

// Validate checks a compiled Plan against the containment invariants.
// It runs as the last step of Compile but is exported so callers that
// construct plans by hand (tests, future profile support) get the same
// checks.
//
// The invariants:
//
//   - exactly one writable bind mount exists, and it is the workspace
//     root mounted at WorkspaceDest (the agent state bind under the
//     workspace root is allowed as the single exception)
//   - no mount source is the operator's home directory itself or one
//     of its sensitive config dirs (.claude, .config, .ssh); narrow
//     subpaths like ~/.local/bin remain legal
//   - no mount source reaches a sibling workspace
func Validate(plan Plan, workspace store.Workspace) error {
	root := filepath.Clean(workspace.Root)
	groupsDir := filepath.Dir(root)
	home, _ := os.UserHomeDir()

	var forbidden []string
	if home != "" {
		forbidden = []string{
			home,
			filepath.Join(home, ".claude"),
			filepath.Join(home, ".config"),
			filepath.Join(home, ".ssh"),
		}
	}

	var workspaceBinds int
	for _, mount := range plan.Mounts {
		if mount.Type != MountTypeBind && mount.Type != "" {
			continue
		}
		source := filepath.Clean(mount.Source)

		if mount.Mode == MountModeRW {
			if !pathWithin(source, root) {
				return fmt.Errorf("sandbox: writable mount %s is outside workspace root %s", source, root)
			}
			if source == root {
				workspaceBinds++
			}
			continue
		}

		// Read-only mounts must not reach into other workspaces.
		if pathWithin(source, groupsDir) && !pathWithin(source, root) {
			return fmt.Errorf("sandbox: mount %s reaches a sibling workspace", source)
		}
		for _, deny := range forbidden {
			if pathWithin(source, root) {
				break
			}
			if source == deny || (deny != home && pathWithin(source, deny)) {
				return fmt.Errorf("sandbox: mount %s exposes protected host path %s", source, deny)
			}
		}
	}

	if workspaceBinds != 1 {
		return fmt.Errorf("sandbox: expected exactly one workspace bind at %s, found %d", WorkspaceDest, workspaceBinds)
	}
	return nil
}

// pathWithin reports whether path is dir or lies underneath it. Both
// arguments must already be cleaned.
func pathWithin(path, dir string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
