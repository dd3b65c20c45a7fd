// Package config loads orchestrator settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sandbox driver names.
const (
	DriverDocker = "docker"
	DriverLocal  = "local"
	DriverMock   = "mock"
)

// DefaultStack is the profile used for unknown stack types.
const DefaultStack = "default"

type Config struct {
	Addr           string         `yaml:"addr"`
	WorkspaceBase  string         `yaml:"workspace_base"`
	DBPath         string         `yaml:"db_path"`
	AllowedOrigins []string       `yaml:"allowed_origins"`
	Auth           AuthConfig     `yaml:"auth"`
	Log            LogConfig      `yaml:"log"`
	Sandbox        SandboxConfig  `yaml:"sandbox"`
	Agent          AgentConfig    `yaml:"agent"`
	Events         EventsConfig   `yaml:"events"`
	Terminal       TerminalConfig `yaml:"terminal"`
	Watcher        WatcherConfig  `yaml:"watcher"`
}

type AuthConfig struct {
	Token    string `yaml:"token"`
	Disabled bool   `yaml:"disabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type SandboxConfig struct {
	Driver       string                  `yaml:"driver"`
	DockerBinary string                  `yaml:"docker_binary"`
	NamePrefix   string                  `yaml:"name_prefix"`
	BuildTimeout time.Duration           `yaml:"build_timeout"`
	ExecTimeout  time.Duration           `yaml:"exec_timeout"`
	Stacks       map[string]StackProfile `yaml:"stacks"`
}

// StackProfile describes how to build and run one stack type.
type StackProfile struct {
	Image      string            `yaml:"image"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Ports      []int             `yaml:"ports"`
	Shell      string            `yaml:"shell"`
	Env        map[string]string `yaml:"env,omitempty"`
}

type AgentConfig struct {
	PlannerURL        string        `yaml:"planner_url"`
	PlannerTimeout    time.Duration `yaml:"planner_timeout"`
	InteractionSettle time.Duration `yaml:"interaction_settle"`
}

type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type TerminalConfig struct {
	Scrollback int    `yaml:"scrollback"`
	Cols       uint16 `yaml:"cols"`
	Rows       uint16 `yaml:"rows"`
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns a config usable without a file.
func Default() *Config {
	return &Config{
		Addr:          ":8080",
		WorkspaceBase: "/tmp/buildsession/workspaces",
		DBPath:        "/tmp/buildsession/state.db",
		Log:           LogConfig{Level: "info", Format: "text"},
		Sandbox: SandboxConfig{
			Driver:       DriverDocker,
			DockerBinary: "docker",
			NamePrefix:   "bs-",
			BuildTimeout: 10 * time.Minute,
			ExecTimeout:  5 * time.Minute,
			Stacks:       DefaultStacks(),
		},
		Agent: AgentConfig{
			PlannerTimeout:    2 * time.Minute,
			InteractionSettle: 3 * time.Second,
		},
		Events:   EventsConfig{QueueSize: 256},
		Terminal: TerminalConfig{Scrollback: 64 * 1024, Cols: 80, Rows: 24},
		Watcher:  WatcherConfig{Enabled: true, Debounce: 300 * time.Millisecond},
	}
}

// DefaultStacks returns the built-in stack profiles.
func DefaultStacks() map[string]StackProfile {
	return map[string]StackProfile{
		DefaultStack: {Image: "ubuntu:24.04", Shell: "/bin/bash"},
		"node":       {Image: "node:20-bookworm", Ports: []int{3000}, Shell: "/bin/bash"},
		"python":     {Image: "python:3.12-bookworm", Ports: []int{8000}, Shell: "/bin/bash"},
		"go":         {Image: "golang:1.22-bookworm", Ports: []int{8080}, Shell: "/bin/bash"},
		"rust":       {Image: "rust:1-bookworm", Ports: []int{8080}, Shell: "/bin/bash"},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := getenv("WORKSPACE_BASE"); v != "" {
		c.WorkspaceBase = v
	}
	if v := getenv("INTERNAL_API_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("SANDBOX_DRIVER"); v != "" {
		c.Sandbox.Driver = v
	}
	if v := getenv("PLANNER_URL"); v != "" {
		c.Agent.PlannerURL = v
	}
}

// Validate checks required fields and fills zero values left by a
// partial file.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if c.WorkspaceBase == "" {
		return errors.New("config: workspace_base is required")
	}
	switch c.Sandbox.Driver {
	case DriverDocker, DriverLocal, DriverMock:
	default:
		return fmt.Errorf("config: unknown sandbox driver %q", c.Sandbox.Driver)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Sandbox.Stacks == nil {
		c.Sandbox.Stacks = DefaultStacks()
	}
	if _, ok := c.Sandbox.Stacks[DefaultStack]; !ok {
		c.Sandbox.Stacks[DefaultStack] = DefaultStacks()[DefaultStack]
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 256
	}
	if c.Terminal.Scrollback <= 0 {
		c.Terminal.Scrollback = 64 * 1024
	}
	if c.Terminal.Cols == 0 || c.Terminal.Rows == 0 {
		c.Terminal.Cols, c.Terminal.Rows = 80, 24
	}
	if c.Agent.InteractionSettle <= 0 {
		c.Agent.InteractionSettle = 3 * time.Second
	}
	return nil
}

// Stack returns the profile for stackType, falling back to the default
// profile. The returned name is the profile actually used.
func (c *Config) Stack(stackType string) (string, StackProfile) {
	if p, ok := c.Sandbox.Stacks[stackType]; ok && stackType != "" {
		return stackType, p
	}
	return DefaultStack, c.Sandbox.Stacks[DefaultStack]
}
