package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for agent-sandbox.
type Config struct {
	Workspace    WorkspaceConfig    `yaml:"workspace" mapstructure:"workspace"`
	Agent        AgentConfig        `yaml:"agent" mapstructure:"agent"`
	Policy       PolicyConfig       `yaml:"policy" mapstructure:"policy"`
	Capabilities CapabilitiesConfig `yaml:"capabilities" mapstructure:"capabilities"`
	DecisionLog  DecisionLogConfig  `yaml:"decision_log" mapstructure:"decision_log"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
}

// WorkspaceConfig holds per-context workspace settings.
type WorkspaceConfig struct {
	Root    string `yaml:"root" mapstructure:"root"`
	TTLDays int    `yaml:"ttl_days" mapstructure:"ttl_days"`
}

// AgentConfig identifies the agent that owns the workspaces.
type AgentConfig struct {
	Name      string `yaml:"name" mapstructure:"name"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// PolicyConfig locates the permission settings document.
type PolicyConfig struct {
	SettingsPath string   `yaml:"settings_path" mapstructure:"settings_path"`
	OverlayPaths []string `yaml:"overlay_paths" mapstructure:"overlay_paths"` // tighten-only layers applied in order
	Watch        bool     `yaml:"watch" mapstructure:"watch"`
}

// CapabilitiesConfig locates the capability document.
type CapabilitiesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DecisionLogConfig controls the JSONL decision log.
type DecisionLogConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Path        string `yaml:"path" mapstructure:"path"`
	SampleAllow int    `yaml:"sample_allow" mapstructure:"sample_allow"` // log 1 of N allow decisions
}

// LoggingConfig holds logging preferences.
type LoggingConfig struct {
	Format string `yaml:"format" mapstructure:"format"` // text or json
	Level  string `yaml:"level" mapstructure:"level"`
}

// PolicyPaths returns the base settings document followed by its overlays.
func (c *Config) PolicyPaths() []string {
	paths := make([]string, 0, 1+len(c.Policy.OverlayPaths))
	paths = append(paths, c.Policy.SettingsPath)
	return append(paths, c.Policy.OverlayPaths...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", "/workspace")
	v.SetDefault("workspace.ttl_days", 7)
	v.SetDefault("agent.name", "sandbox-agent")
	v.SetDefault("agent.namespace", "")
	v.SetDefault("policy.settings_path", "settings.json")
	v.SetDefault("policy.overlay_paths", []string{})
	v.SetDefault("policy.watch", false)
	v.SetDefault("capabilities.path", "sources.json")
	v.SetDefault("decision_log.enabled", false)
	v.SetDefault("decision_log.path", "/var/log/agent-sandbox/decisions.jsonl")
	v.SetDefault("decision_log.sample_allow", 10)
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
}

// bindEnvVars binds environment variable overrides with SANDBOX_ prefix.
// Viper's AutomaticEnv only works for top-level keys by default, so we
// explicitly bind nested keys to their SANDBOX_ equivalents.
func bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"workspace.root":            "SANDBOX_WORKSPACE_ROOT",
		"workspace.ttl_days":        "SANDBOX_WORKSPACE_TTL_DAYS",
		"agent.name":                "SANDBOX_AGENT_NAME",
		"agent.namespace":           "SANDBOX_AGENT_NAMESPACE",
		"policy.settings_path":      "SANDBOX_POLICY_SETTINGS_PATH",
		"policy.watch":              "SANDBOX_POLICY_WATCH",
		"capabilities.path":         "SANDBOX_CAPABILITIES_PATH",
		"decision_log.enabled":      "SANDBOX_DECISION_LOG_ENABLED",
		"decision_log.path":         "SANDBOX_DECISION_LOG_PATH",
		"decision_log.sample_allow": "SANDBOX_DECISION_LOG_SAMPLE_ALLOW",
		"logging.format":            "SANDBOX_LOGGING_FORMAT",
		"logging.level":             "SANDBOX_LOGGING_LEVEL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "agent-sandbox"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the agent-sandbox configuration from disk, env vars, and
// defaults. If configPath is empty, it looks in
// ~/.config/agent-sandbox/config.yaml.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		dir, err := DefaultConfigDir()
		if err != nil {
			slog.Warn("could not determine home directory", "error", err)
		} else {
			v.AddConfigPath(dir)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// If a config file was explicitly requested, treat missing file as an error.
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, err
		}
		slog.Debug("no config file found, using defaults", "error", err)
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadBytes decodes a YAML config document over the built-in defaults,
// without environment overrides.
func loadBytes(data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
