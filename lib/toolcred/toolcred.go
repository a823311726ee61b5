// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolcred maintains the registry of sandbox-visible tools and
// extracts their credentials from Hermit's isolated per-tool config
// directory.
//
// Hermit never mounts a tool's on-disk credential store into the
// sandbox. Instead, each tool's registry entry names a credential file
// (relative to Hermit's config directory), the key to extract from it,
// and the environment variable the value is injected through. The
// sandbox compiler turns these into --setenv entries.
//
// The registry ships embedded; an installation can override it with
// its own JSONC file (comments allowed).
package toolcred

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed tools.jsonc
var embeddedRegistry []byte

// Tool describes one sandbox-visible tool.
type Tool struct {
	// Name is the tool's binary and registry name.
	Name string `json:"name"`

	// CredentialEnv is the environment variable the tool reads its
	// credential from. Empty for tools without credentials.
	CredentialEnv string `json:"credential_env,omitempty"`

	// CredentialFile is the credential store path relative to
	// Hermit's config directory (e.g. "gh/hosts.yml").
	CredentialFile string `json:"credential_file,omitempty"`

	// CredentialKey is the YAML mapping key whose value is the
	// credential (e.g. "oauth_token"). The file is searched
	// recursively for the first occurrence.
	CredentialKey string `json:"credential_key,omitempty"`

	// Network marks tools that need secure networking; any such tool
	// causes the CA trust paths to be mounted read-only.
	Network bool `json:"network,omitempty"`
}

// Registry is the set of known tools, keyed by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

// registryFile is the on-disk registry shape.
type registryFile struct {
	Tools []Tool `json:"tools"`
}

// DefaultRegistry returns the embedded registry. Panics if the
// embedded file is malformed, which would be a build defect.
func DefaultRegistry() *Registry {
	registry, err := parseRegistry(embeddedRegistry)
	if err != nil {
		panic("toolcred: embedded registry: " + err.Error())
	}
	return registry
}

// LoadRegistry reads a JSONC registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolcred: reading registry: %w", err)
	}
	registry, err := parseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("toolcred: registry %s: %w", path, err)
	}
	return registry, nil
}

func parseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, err
	}
	registry := &Registry{tools: make(map[string]Tool, len(file.Tools))}
	for _, tool := range file.Tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool entry with empty name")
		}
		if _, exists := registry.tools[tool.Name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", tool.Name)
		}
		registry.tools[tool.Name] = tool
		registry.order = append(registry.order, tool.Name)
	}
	return registry, nil
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in registry order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Credential extracts the tool's credential value from Hermit's config
// directory. Returns ok=false (no error) when the tool takes no
// credential or its credential file does not exist yet — the tool is
// usable without it, just unauthenticated.
func (t Tool) Credential(configDir string) (value string, ok bool, err error) {
	if t.CredentialEnv == "" || t.CredentialFile == "" {
		return "", false, nil
	}

	path := filepath.Join(configDir, t.CredentialFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("toolcred: reading %s: %w", path, err)
	}

	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return "", false, fmt.Errorf("toolcred: parsing %s: %w", path, err)
	}

	value, found := findKey(document, t.CredentialKey)
	if !found || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// findKey searches a decoded YAML document depth-first for the first
// string value under the given mapping key.
func findKey(node any, key string) (string, bool) {
	switch typed := node.(type) {
	case map[string]any:
		if raw, ok := typed[key]; ok {
			if s, ok := raw.(string); ok {
				return s, true
			}
		}
		for _, child := range typed {
			if value, ok := findKey(child, key); ok {
				return value, true
			}
		}
	case []any:
		for _, child := range typed {
			if value, ok := findKey(child, key); ok {
				return value, true
			}
		}
	}
	return "", false
}
