package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/workspace"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workspace directory layout",
	Long: `Create the shared workspace directory layout under the configured root.
Existing files, including the shared context document, are left untouched.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := workspace.Init(root); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workspace initialized at %s\n", root)
	for _, dir := range workspace.Directories() {
		fmt.Fprintf(out, "  %s/\n", dir)
	}
	return nil
}
