package cmd

import (
	"strings"

	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "agentspace",
	Short: "Shared workspace coordination for cooperating agents",
	Long: `agentspace lets several autonomous agents share one working directory.

It arbitrates shared and exclusive file locks, tracks per-file state,
records an audit trail of every access, detects edits made outside the
lock protocol, and persists its state so a restart picks up where it
left off.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/agentspace/config.yaml)")
	rootCmd.PersistentFlags().StringP("root", "r", "", "workspace root (overrides workspace.root)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("workspace.root", rootCmd.PersistentFlags().Lookup("root"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGENTSPACE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., AGENTSPACE_WORKSPACE_ROOT for workspace.root
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
