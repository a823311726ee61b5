// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox compiles per-workspace isolation plans and renders
// them to bubblewrap command lines.
//
// The security model: the agent process sees the host's system
// directories read-only, Hermit's own isolated agent configuration
// directory (never the user's), and exactly one writable path — the
// target workspace's root, mounted at /workspace. Everything else is
// tmpfs or absent. Tool credentials are injected as environment
// variables, never as mounted files, so a compromised agent cannot
// read on-disk credential stores beyond its environment snapshot.
//
// Compilation is a pure derivation from the workspace and the
// configured tools; the plan is ephemeral and never persisted. Every
// compiled plan passes through Validate, which enforces the
// boundaries structurally: one writable mount, no host home
// directory, no sibling workspace, no user-level agent configuration.
package sandbox
