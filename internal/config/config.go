// Package config defines the control plane's process configuration and the
// initial settings it seeds into the Store on first start: a handful of
// environment variables, plus an optional YAML seed file for the initial
// allowed_roots and shell_allowlist settings an operator wants to start
// with.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrSeedNotFound is returned by LoadSeed when the given path doesn't exist;
// callers should treat a missing seed file as "use built-in defaults", not
// a fatal error.
var ErrSeedNotFound = errors.New("settings seed file not found")

// Process holds the environment-derived process configuration.
type Process struct {
	Port          int
	SessionSecret string
	DatabasePath  string
	SandboxPath   string
}

const (
	defaultPort        = 5000
	defaultSandboxPath = "./sandbox"
	defaultDBPath      = "./sentrygate.db"
)

// LoadProcess reads PORT, SESSION_SECRET, DATABASE_PATH, and SANDBOX_PATH
// from the environment, applying built-in defaults, and ensures SandboxPath
// exists on disk.
func LoadProcess() (*Process, error) {
	p := &Process{
		Port:          defaultPort,
		SessionSecret: os.Getenv("SESSION_SECRET"),
		DatabasePath:  defaultDBPath,
		SandboxPath:   defaultSandboxPath,
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing PORT: %w", err)
		}
		p.Port = port
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		p.DatabasePath = v
	}
	if v := os.Getenv("SANDBOX_PATH"); v != "" {
		p.SandboxPath = v
	}

	if err := os.MkdirAll(p.SandboxPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox path %q: %w", p.SandboxPath, err)
	}

	return p, nil
}

// SettingsSeed is the optional YAML file an operator can provide to seed
// initial Settings rows (allowed_roots, shell_allowlist, safe_mode) on a
// fresh database, rather than starting with nothing granted.
type SettingsSeed struct {
	AllowedRoots   []string `yaml:"allowed_roots"`
	ShellAllowlist []string `yaml:"shell_allowlist"`
	SafeMode       bool     `yaml:"safe_mode"`
}

// LoadSeed reads a SettingsSeed from path. Returns ErrSeedNotFound if path
// doesn't exist.
func LoadSeed(path string) (*SettingsSeed, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrSeedNotFound
	}

	// nolint:gosec // G304: operator-specified seed path is expected input.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings seed: %w", err)
	}

	var seed SettingsSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing settings seed: %w", err)
	}
	return &seed, nil
}

// DefaultSeed is used when no seed file is present: no roots, no shell
// commands allowed, safe mode on (default-deny, per spec's AgentCapability
// and Setting invariants).
func DefaultSeed() *SettingsSeed {
	return &SettingsSeed{
		AllowedRoots:   []string{},
		ShellAllowlist: []string{},
		SafeMode:       true,
	}
}
