package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/snapshot"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect the persisted workspace state",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Decode the snapshot and print its contents",
	Long: `Decode the workspace snapshot and print its header, every file record
with its retained history, and every agent.

A snapshot that fails to decode is reported as corrupt; agentspace serve
would start with empty state in that case.`,
	RunE: runSnapshotShow,
}

var snapshotJSON bool

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)

	snapshotShowCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Output the decoded snapshot as JSON")
}

type snapshotFile struct {
	statusFile
	WriteRegistered bool          `json:"write_registered,omitempty"`
	History         []audit.Event `json:"history,omitempty"`
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	state, ok, err := loadState(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	path := filepath.Join(cfg.Workspace.Root, snapshot.FileName)
	if !ok {
		fmt.Fprintf(out, "No snapshot found at %s\n", path)
		return nil
	}

	if snapshotJSON {
		files := make([]snapshotFile, len(state.Files))
		for i, rec := range state.Files {
			files[i] = snapshotFile{
				statusFile: statusFile{
					Path:         rec.Path,
					State:        rec.State.String(),
					LockedBy:     rec.LockedBy,
					Readers:      rec.Readers,
					LastModified: rec.LastModified,
					Checksum:     rec.Checksum,
				},
				WriteRegistered: rec.WriteRegistered,
				History:         rec.History,
			}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"version":  state.Version,
			"taken_at": state.TakenAt,
			"files":    files,
			"agents":   state.Agents,
		})
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	fmt.Fprintln(out, titleStyle.Render("SNAPSHOT"))
	fmt.Fprintf(out, "Path:     %s (%d bytes)\n", path, size)
	fmt.Fprintf(out, "Version:  %d\n", state.Version)
	fmt.Fprintf(out, "Taken at: %s\n", state.TakenAt.Local().Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(out, "Records:  %d files, %d agents\n\n", len(state.Files), len(state.Agents))

	for _, rec := range state.Files {
		fmt.Fprintf(out, "%s %s", stateStyle(rec.State).Render(fmt.Sprintf("%-13s", rec.State)), rec.Path)
		if rec.LockedBy != "" {
			fmt.Fprintf(out, " %s", keyStyle.Render("held by "+rec.LockedBy))
		}
		fmt.Fprintln(out)
		for _, e := range rec.History {
			agent := e.Agent
			if agent == "" {
				agent = "(watcher)"
			}
			fmt.Fprintf(out, "    %s %-16s %s\n",
				mutedStyle.Render(e.Timestamp.Local().Format("01-02 15:04:05")),
				agent,
				actionStyle(e.Action).Render(string(e.Action)))
		}
	}
	return nil
}
