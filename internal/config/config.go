// Package config loads agent-intercom's TOML configuration (spec §6),
// following the teacher's viper-based layering: defaults, then config file,
// then environment variable override.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized configuration section.
type Config struct {
	DefaultWorkspaceRoot string `mapstructure:"default_workspace_root"`
	HTTPPort             int    `mapstructure:"http_port"`
	IPCName              string `mapstructure:"ipc_name"`
	HostCLI              string `mapstructure:"host_cli"`
	HostCLIArgs          []string `mapstructure:"host_cli_args"`
	MaxConcurrentSessions int    `mapstructure:"max_concurrent_sessions"`
	RetentionDays         int    `mapstructure:"retention_days"`
	SlackDetailLevel      string `mapstructure:"slack_detail_level"`

	Database  DatabaseConfig            `mapstructure:"database"`
	Slack     SlackConfig               `mapstructure:"slack"`
	Timeouts  TimeoutsConfig            `mapstructure:"timeouts"`
	Stall     StallConfig               `mapstructure:"stall"`
	ACP       ACPConfig                 `mapstructure:"acp"`
	Workspace []WorkspaceConfig         `mapstructure:"workspace"`
	Commands  map[string]string         `mapstructure:"commands"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// DatabaseConfig names the embedded store file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SlackConfig carries the chat channel binding. Credentials (bot token, app
// token, team id, authorized member ids) are resolved separately through the
// keychain/env fallback chain in internal/secretsource, never stored here.
type SlackConfig struct {
	ChannelID         string   `mapstructure:"channel_id"`
	AuthorizedUserIDs []string `mapstructure:"authorized_user_ids"`
}

// TimeoutsConfig controls how long blocking calls wait before Expired.
type TimeoutsConfig struct {
	ApprovalSeconds int `mapstructure:"approval_seconds"`
	PromptSeconds   int `mapstructure:"prompt_seconds"`
	WaitSeconds     int `mapstructure:"wait_seconds"`
}

func (t TimeoutsConfig) Approval() time.Duration { return time.Duration(t.ApprovalSeconds) * time.Second }
func (t TimeoutsConfig) Prompt() time.Duration   { return time.Duration(t.PromptSeconds) * time.Second }
func (t TimeoutsConfig) Wait() time.Duration     { return time.Duration(t.WaitSeconds) * time.Second }

// StallConfig controls the per-session inactivity detector.
type StallConfig struct {
	Enabled                     bool   `mapstructure:"enabled"`
	InactivityThresholdSeconds  int    `mapstructure:"inactivity_threshold_seconds"`
	EscalationThresholdSeconds  int    `mapstructure:"escalation_threshold_seconds"`
	MaxRetries                  int    `mapstructure:"max_retries"`
	DefaultNudgeMessage         string `mapstructure:"default_nudge_message"`
}

func (s StallConfig) InactivityThreshold() time.Duration {
	return time.Duration(s.InactivityThresholdSeconds) * time.Second
}

func (s StallConfig) EscalationThreshold() time.Duration {
	return time.Duration(s.EscalationThresholdSeconds) * time.Second
}

// ACPConfig controls the stream (child-process) transport.
type ACPConfig struct {
	MaxSessions           int `mapstructure:"max_sessions"`
	StartupTimeoutSeconds int `mapstructure:"startup_timeout_seconds"`
}

func (a ACPConfig) StartupTimeout() time.Duration {
	return time.Duration(a.StartupTimeoutSeconds) * time.Second
}

// WorkspaceConfig is one entry of the repeated [[workspace]] table.
type WorkspaceConfig struct {
	ID        string `mapstructure:"id"`
	Root      string `mapstructure:"root"`
	ChannelID string `mapstructure:"channel_id"`
}

// LoggingConfig is ambient (not in spec §6's explicit list, carried the way
// the teacher always carries a logging section regardless of feature scope).
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_workspace_root", ".")
	v.SetDefault("http_port", 8787)
	v.SetDefault("ipc_name", "agent-intercom")
	v.SetDefault("host_cli", "")
	v.SetDefault("host_cli_args", []string{})
	v.SetDefault("max_concurrent_sessions", 8)
	v.SetDefault("retention_days", 30)
	v.SetDefault("slack_detail_level", "standard")

	v.SetDefault("database.path", "data/agent-intercom.db")

	v.SetDefault("slack.channel_id", "")
	v.SetDefault("slack.authorized_user_ids", []string{})

	v.SetDefault("timeouts.approval_seconds", 900)
	v.SetDefault("timeouts.prompt_seconds", 900)
	v.SetDefault("timeouts.wait_seconds", 1800)

	v.SetDefault("stall.enabled", true)
	v.SetDefault("stall.inactivity_threshold_seconds", 300)
	v.SetDefault("stall.escalation_threshold_seconds", 180)
	v.SetDefault("stall.max_retries", 3)
	v.SetDefault("stall.default_nudge_message", "Still there? Reply to continue or say stop.")

	v.SetDefault("acp.max_sessions", 4)
	v.SetDefault("acp.startup_timeout_seconds", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

func detectDefaultLogFormat() string {
	if os.Getenv("AGENT_INTERCOM_ENV") == "production" {
		return "json"
	}
	return "human"
}

// Load reads the TOML config at path when path is non-empty; otherwise it
// looks for agent-intercom.toml in . and then in /etc/agent-intercom/ (a
// missing file is not an error). Values are layered over defaults and
// overridden by AGENT_INTERCOM_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENT_INTERCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agent-intercom")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agent-intercom/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if path != "" {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		errs = append(errs, "http_port must be between 1 and 65535")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		errs = append(errs, "max_concurrent_sessions must be positive")
	}
	if cfg.RetentionDays <= 0 {
		errs = append(errs, "retention_days must be positive")
	}
	validDetail := map[string]bool{"minimal": true, "standard": true, "verbose": true}
	if !validDetail[cfg.SlackDetailLevel] {
		errs = append(errs, "slack_detail_level must be one of: minimal, standard, verbose")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	abs, err := filepath.Abs(cfg.DefaultWorkspaceRoot)
	if err != nil {
		errs = append(errs, fmt.Sprintf("default_workspace_root: %v", err))
	} else {
		cfg.DefaultWorkspaceRoot = abs
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Dump renders the fully resolved configuration (defaults, file, and
// environment overrides all applied) as YAML, for --dump-config to hand an
// operator something more readable than the TOML they wrote.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// IsSingleChannelDeployment reports whether the configured [[workspace]]
// entries name at most one distinct chat channel — see SPEC_FULL.md §E.2,
// the steering-routing open question.
func (c *Config) IsSingleChannelDeployment() bool {
	seen := map[string]struct{}{}
	for _, ws := range c.Workspace {
		if ws.ChannelID != "" {
			seen[ws.ChannelID] = struct{}{}
		}
	}
	return len(seen) <= 1
}
