package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/metadata"
	"github.com/Iron-Ham/agentspace/internal/snapshot"
	"github.com/Iron-Ham/agentspace/internal/util"
	"github.com/Iron-Ham/agentspace/internal/workspace"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked files and agents",
	Long: `Display the workspace state from its most recent snapshot: every tracked
file with its coordination state and holders, and every known agent.

The snapshot is written periodically by agentspace serve and on shutdown,
so a running server may be a few seconds ahead of this view.`,
	RunE: runStatus,
}

var (
	statusJSON  bool
	statusState string
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	statusCmd.Flags().StringVar(&statusState, "state", "", "Only show files in this state")
	rootCmd.AddCommand(statusCmd)
}

// loadState reads and decodes the snapshot under the configured root.
// ok is false when no snapshot has been written yet.
func loadState(cfg *config.Config) (state snapshot.State, ok bool, err error) {
	path := filepath.Join(cfg.Workspace.Root, snapshot.FileName)
	blob, err := snapshot.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state, false, nil
		}
		return state, false, err
	}
	state, err = snapshot.Decode(blob)
	if err != nil {
		return state, false, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return state, true, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var filter metadata.State
	if statusState != "" {
		if filter, err = metadata.ParseState(statusState); err != nil {
			return err
		}
	}

	state, ok, err := loadState(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "No snapshot found in %s\n", cfg.Workspace.Root)
		return nil
	}

	if statusState != "" {
		files := state.Files[:0:0]
		for _, rec := range state.Files {
			if rec.State == filter {
				files = append(files, rec)
			}
		}
		state.Files = files
	}

	if statusJSON {
		return printStatusJSON(out, state)
	}
	printStatusText(out, state, cfg.Workspace.Root)
	return nil
}

type statusFile struct {
	Path         string    `json:"path"`
	State        string    `json:"state"`
	LockedBy     string    `json:"locked_by,omitempty"`
	Readers      []string  `json:"readers,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Checksum     string    `json:"checksum,omitempty"`
}

func printStatusJSON(out io.Writer, state snapshot.State) error {
	files := make([]statusFile, len(state.Files))
	for i, rec := range state.Files {
		files[i] = statusFile{
			Path:         rec.Path,
			State:        rec.State.String(),
			LockedBy:     rec.LockedBy,
			Readers:      rec.Readers,
			LastModified: rec.LastModified,
			Checksum:     rec.Checksum,
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"taken_at": state.TakenAt,
		"files":    files,
		"agents":   state.Agents,
	})
}

func printStatusText(out io.Writer, state snapshot.State, root string) {
	width := min(terminalWidth(100), 120)

	fmt.Fprintln(out, titleStyle.Render("WORKSPACE"))
	fmt.Fprintf(out, "Root:     %s\n", root)
	fmt.Fprintf(out, "Snapshot: %s\n", state.TakenAt.Local().Format("2006-01-02 15:04:05"))
	if partitions := auditPartitions(root); len(partitions) > 0 {
		fmt.Fprintf(out, "Audit:    %s (%d partitions)\n", partitions[0], len(partitions))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, titleStyle.Render("DIRECTORIES"))
	for _, dir := range workspace.Directories() {
		if dir == workspace.LocksDir {
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", util.PadRight(dir+"/", 12), mutedStyle.Render(fmt.Sprintf("%d files", countFiles(filepath.Join(root, dir)))))
	}
	fmt.Fprintln(out)

	counts := make(map[metadata.State]int)
	for _, rec := range state.Files {
		counts[rec.State]++
	}
	var summary []string
	for _, s := range metadata.States() {
		summary = append(summary, stateStyle(s).Render(fmt.Sprintf("%d %s", counts[s], s)))
	}
	fmt.Fprintf(out, "Files:    %s\n\n", strings.Join(summary, mutedStyle.Render(" · ")))

	fmt.Fprintln(out, titleStyle.Render("FILES"))
	fmt.Fprintln(out, mutedStyle.Render(strings.Repeat("─", width/2)))
	if len(state.Files) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("(none)"))
	}
	pathWidth := max(width-48, 20)
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-*s %-13s %-16s %s", pathWidth, "PATH", "STATE", "HOLDER", "MODIFIED")))
	for _, rec := range state.Files {
		holder := rec.LockedBy
		if len(rec.Readers) > 1 {
			holder = fmt.Sprintf("%s +%d", rec.Readers[0], len(rec.Readers)-1)
		}
		modified := "-"
		if !rec.LastModified.IsZero() {
			modified = rec.LastModified.Local().Format("01-02 15:04:05")
		}
		fmt.Fprintf(out, "%s %s %s %s\n",
			util.Cell(rec.Path, pathWidth),
			stateStyle(rec.State).Render(util.PadRight(rec.State.String(), 13)),
			util.Cell(holder, 16),
			mutedStyle.Render(modified))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, titleStyle.Render("AGENTS"))
	fmt.Fprintln(out, mutedStyle.Render(strings.Repeat("─", width/2)))
	if len(state.Agents) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("(none)"))
	}
	for _, a := range state.Agents {
		fmt.Fprintf(out, "%s  %s  %d held\n",
			keyStyle.Render(a.Agent),
			mutedStyle.Render("last active "+a.LastActive.Local().Format("01-02 15:04:05")),
			len(a.CurrentFiles))
	}
}

// auditPartitions lists the audit partitions under root, newest first.
func auditPartitions(root string) []string {
	log, err := audit.Open(filepath.Join(root, workspace.LogsDir))
	if err != nil {
		return nil
	}
	names, _ := log.Partitions()
	return names
}

// countFiles counts regular files below dir. A missing directory has
// none.
func countFiles(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}
