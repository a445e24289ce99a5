// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates bridge configuration: a YAML file with
// environment-variable overrides, defaulted to the documented constants.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/sqlbridge/services/bridge/supervisor"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full bridge configuration.
type Config struct {
	// ProjectPath overrides workspace auto-detection. Empty means use the
	// editor's open workspace root. This is the single editor-surfaced
	// option; everything else lives in the config file.
	ProjectPath string `yaml:"project_path"`

	Backend Backend `yaml:"backend"`
	Auth    Auth    `yaml:"auth"`
	Panel   Panel   `yaml:"panel"`
	Log     Log     `yaml:"log"`
}

// Backend configures the supervised language-server process.
type Backend struct {
	// Command is the backend executable. Resolved via PATH when relative.
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
	HealthInterval    Duration `yaml:"health_interval"`
	HealthMisses      int      `yaml:"health_misses" validate:"min=1"`
	RestartBackoff    Duration `yaml:"restart_backoff"`
	RestartBackoffCap Duration `yaml:"restart_backoff_cap"`
	MaxRestarts       int      `yaml:"max_restarts" validate:"min=1"`
	CallTimeout       Duration `yaml:"call_timeout"`
}

// Auth configures the identity provider.
type Auth struct {
	Provider      string   `yaml:"provider" validate:"required"`
	ClientID      string   `yaml:"client_id"`
	AuthURL       string   `yaml:"auth_url" validate:"omitempty,url"`
	TokenURL      string   `yaml:"token_url" validate:"omitempty,url"`
	DeviceAuthURL string   `yaml:"device_auth_url" validate:"omitempty,url"`
	Scopes        []string `yaml:"scopes"`
	RefreshMargin Duration `yaml:"refresh_margin"`

	// StoreDir holds the credential store. Empty uses
	// ~/.sqlbridge/credentials.
	StoreDir string `yaml:"store_dir"`
}

// Panel configures the local lineage panel host.
type Panel struct {
	// Addr is the listen address; port 0 picks a free port. Loopback
	// only.
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Log configures pkg/logging.
type Log struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Backend: Backend{
			Command:           "sqlmesh_lsp",
			HandshakeTimeout:  Duration(15 * time.Second),
			ShutdownGrace:     Duration(5 * time.Second),
			HealthInterval:    Duration(10 * time.Second),
			HealthMisses:      2,
			RestartBackoff:    Duration(500 * time.Millisecond),
			RestartBackoffCap: Duration(30 * time.Second),
			MaxRestarts:       5,
			CallTimeout:       Duration(30 * time.Second),
		},
		Auth: Auth{
			Provider:      "tobiko-cloud",
			AuthURL:       "https://cloud.tobikodata.com/auth/authorize",
			TokenURL:      "https://cloud.tobikodata.com/auth/token",
			DeviceAuthURL: "https://cloud.tobikodata.com/auth/device",
			Scopes:        []string{"openid", "email", "offline_access"},
			RefreshMargin: Duration(2 * time.Minute),
		},
		Panel: Panel{Addr: "127.0.0.1:0"},
		Log:   Log{Level: "info"},
	}
}

// Load reads the config file at path, layered over Default and under
// environment overrides, then validates. A missing file is not an error:
// defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns the user-level config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sqlbridge.yaml"
	}
	return filepath.Join(home, ".sqlbridge", "sqlbridge.yaml")
}

// applyEnv layers SQLBRIDGE_* environment overrides on top.
func (c *Config) applyEnv() {
	if v := os.Getenv("SQLBRIDGE_PROJECT_PATH"); v != "" {
		c.ProjectPath = v
	}
	if v := os.Getenv("SQLBRIDGE_BACKEND_COMMAND"); v != "" {
		c.Backend.Command = v
	}
	if v := os.Getenv("SQLBRIDGE_AUTH_CLIENT_ID"); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv("SQLBRIDGE_PANEL_ADDR"); v != "" {
		c.Panel.Addr = v
	}
	if v := os.Getenv("SQLBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate checks the structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ResolveRoot returns the effective project root: the configured override
// (with ~ expanded) when set, otherwise the editor workspace root.
func (c *Config) ResolveRoot(workspaceRoot string) string {
	if c.ProjectPath == "" {
		return workspaceRoot
	}
	p := c.ProjectPath
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// SupervisorOptions maps the backend timing knobs.
func (c *Config) SupervisorOptions() supervisor.Options {
	b := c.Backend
	return supervisor.Options{
		HandshakeTimeout:  time.Duration(b.HandshakeTimeout),
		ShutdownGrace:     time.Duration(b.ShutdownGrace),
		HealthInterval:    time.Duration(b.HealthInterval),
		HealthMisses:      b.HealthMisses,
		RestartBackoff:    time.Duration(b.RestartBackoff),
		RestartBackoffCap: time.Duration(b.RestartBackoffCap),
		MaxRestarts:       b.MaxRestarts,
		CallTimeout:       time.Duration(b.CallTimeout),
	}
}

// LaunchConfig builds the spawn description for a project root.
func (c *Config) LaunchConfig(root string) supervisor.LaunchConfig {
	return supervisor.LaunchConfig{
		Command: c.Backend.Command,
		Args:    c.Backend.Args,
		Env:     c.Backend.Env,
		Dir:     root,
	}
}

// OAuthConfig builds the oauth2 endpoints for the configured provider.
func (c *Config) OAuthConfig() oauth2.Config {
	return oauth2.Config{
		ClientID: c.Auth.ClientID,
		Scopes:   c.Auth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.Auth.AuthURL,
			TokenURL:      c.Auth.TokenURL,
			DeviceAuthURL: c.Auth.DeviceAuthURL,
		},
	}
}

// CredentialDir returns the credential store directory.
func (c *Config) CredentialDir() string {
	if c.Auth.StoreDir != "" {
		return c.Auth.StoreDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sqlbridge-credentials"
	}
	return filepath.Join(home, ".sqlbridge", "credentials")
}
