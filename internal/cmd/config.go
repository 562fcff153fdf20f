package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify agentspace configuration",
	Long: `View or modify agentspace configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  agentspace config set workspace.lock_timeout_ms 2000
  agentspace config set watcher.enabled false
  agentspace config set server.addr 0.0.0.0:7420

Valid keys:
  workspace.root                  - Shared workspace directory
  workspace.lock_timeout_ms       - Lock wait for reads and writes
  workspace.poll_interval_ms      - Retry interval on a contended lock
  workspace.history_limit         - Per-file history kept in memory
  snapshot.interval_seconds       - Periodic snapshot interval (0 = shutdown only)
  snapshot.history_retained       - Per-file history kept in snapshots
  snapshot.agent_idle_ttl_minutes - Prune idle agents after this long
  audit.query_partitions          - Daily audit partitions scanned by queries
  audit.recent_limit              - Events shown in an agent view
  watcher.enabled                 - Detect edits made outside the lock protocol
  watcher.debounce_ms             - Coalesce bursts of filesystem events
  server.addr                     - HTTP listen address
  server.metrics                  - Expose Prometheus metrics (true/false)
  logging.level                   - debug, info, warn or error`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/agentspace/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// settableKeys maps each key accepted by config set to its value kind.
var settableKeys = map[string]string{
	"workspace.root":                  "string",
	"workspace.lock_timeout_ms":       "int",
	"workspace.poll_interval_ms":      "int",
	"workspace.history_limit":         "int",
	"snapshot.interval_seconds":       "int",
	"snapshot.history_retained":       "int",
	"snapshot.agent_idle_ttl_minutes": "int",
	"audit.query_partitions":          "int",
	"audit.recent_limit":              "int",
	"watcher.enabled":                 "bool",
	"watcher.debounce_ms":             "int",
	"server.addr":                     "string",
	"server.metrics":                  "bool",
	"logging.level":                   "string",
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	keyType, ok := settableKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'agentspace config set --help' to see valid keys", key)
	}

	// Validate the value based on type
	var typedValue any
	switch keyType {
	case "string":
		typedValue = value
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = b
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		typedValue = intVal
	}

	viper.Set(key, typedValue)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if used := viper.GetString("config"); used != "" {
		configFile = used
	}

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'agentspace config set' to modify values", configFile)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to render default configuration: %w", err)
	}
	header := "# agentspace configuration\n# Every key can also be set through AGENTSPACE_<SECTION>_<KEY>.\n\n"
	if err := os.WriteFile(configFile, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: AGENTSPACE_* (e.g., AGENTSPACE_WORKSPACE_LOCK_TIMEOUT_MS)")
	return nil
}
