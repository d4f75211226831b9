package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/kagenti/agent-sandbox/internal/config"
	"github.com/kagenti/agent-sandbox/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and modify agent-sandbox configuration",
	Long: `Config provides subcommands for viewing and modifying the agent-sandbox
configuration file at ~/.config/agent-sandbox/config.yaml.

Examples:
  agent-sandbox config set workspace.root /data/sandbox
  agent-sandbox config get policy.settings_path
  agent-sandbox config validate
  agent-sandbox config init --template strict`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set updates a configuration key in the config file, creating the file
with defaults first if it does not exist. policy.overlay_paths takes a
comma-separated list.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get the effective value of a configuration key",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current configuration",
	Long:  `Validate checks the current configuration for errors and warnings.`,
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration from a template",
	Long: `Init creates a new configuration file from a template.

Available templates:
  minimal     Built-in defaults with explicit policy and capability paths
  dev         Local development: settings hot reload, debug logging, every decision logged
  strict      Deployment: organization overlay, JSON logs, decision log enabled`,
	// The file being created may not exist yet, so skip loading it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Setup(logFormat, "info", verbose)
	},
	RunE: runConfigInit,
}

// Flags for config subcommands.
var (
	initTemplate string
	initForce    bool
)

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVar(&initTemplate, "template", "minimal", "config template: "+strings.Join(config.TemplateNames(), ", "))
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing config file")

	rootCmd.AddCommand(configCmd)
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	path, err := config.DefaultConfigPath()
	if err != nil {
		return "", fmt.Errorf("determining config path: %w", err)
	}
	return path, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	if !config.IsKey(key) {
		return fmt.Errorf("unknown config key %q. Valid keys: %s", key, strings.Join(config.Keys, ", "))
	}

	cfgPath, err := configPath()
	if err != nil {
		return err
	}

	// Ensure config file exists.
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if _, err := config.WriteDefault(cfgPath); err != nil {
			return fmt.Errorf("creating default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if key == "policy.overlay_paths" {
		var paths []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		v.Set(key, paths)
	} else {
		v.Set(key, value)
	}

	// Refuse to write a file that would no longer load.
	var updated config.Config
	if err := v.Unmarshal(&updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	value, err := Cfg.Lookup(args[0])
	if err != nil {
		return fmt.Errorf("%w. Valid keys: %s", err, strings.Join(config.Keys, ", "))
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	result := config.Validate(Cfg)
	out := cmd.OutOrStdout()
	if !result.HasErrors() && !result.HasWarnings() {
		fmt.Fprintln(out, "Configuration is valid.")
		return nil
	}

	fmt.Fprintln(out, result.String())

	if result.HasErrors() {
		return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfgPath, err := configPath()
	if err != nil {
		return err
	}

	if err := config.WriteTemplate(initTemplate, cfgPath, initForce); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config from %q template at %s\n", initTemplate, cfgPath)
	return nil
}
