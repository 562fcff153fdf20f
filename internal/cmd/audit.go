package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/workspace"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Show recorded file access events, newest first.

The audit trail is partitioned by UTC day; queries scan the newest
audit.query_partitions partitions.

Examples:
  # The 20 most recent events
  agentspace audit

  # Everything one agent did to the shared plan
  agentspace audit --agent planner --path shared/plan.md -n 0`,
	RunE: runAudit,
}

var (
	auditAgent  string
	auditPath   string
	auditAction string
	auditLimit  int
	auditJSON   bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAgent, "agent", "", "Only events by this agent")
	auditCmd.Flags().StringVar(&auditPath, "path", "", "Only events on this workspace path")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Only events with this action")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Maximum events to show (0 for all)")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Output events as JSON lines")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if auditAction != "" && !audit.Action(auditAction).Valid() {
		return fmt.Errorf("unknown action %q (valid: %s)", auditAction, joinActions())
	}

	dir := filepath.Join(cfg.Workspace.Root, workspace.LogsDir)
	out := cmd.OutOrStdout()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Fprintf(out, "No audit trail found in %s\n", dir)
		return nil
	}
	log, err := audit.Open(dir, audit.WithQueryPartitions(cfg.Audit.QueryPartitions))
	if err != nil {
		return err
	}

	path := filepath.ToSlash(filepath.Clean(auditPath))
	var events []audit.Event
	for e := range log.Query(auditAgent, 0) {
		if auditPath != "" && e.Path != path {
			continue
		}
		if auditAction != "" && string(e.Action) != auditAction {
			continue
		}
		events = append(events, e)
		if auditLimit > 0 && len(events) >= auditLimit {
			break
		}
	}

	if auditJSON {
		enc := json.NewEncoder(out)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	printAuditText(out, events)
	return nil
}

func printAuditText(out io.Writer, events []audit.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No matching audit events found.")
		return
	}
	for _, e := range events {
		agent := e.Agent
		if agent == "" {
			agent = "(watcher)"
		}
		var sb strings.Builder
		sb.WriteString(mutedStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05.000")))
		sb.WriteString(" ")
		sb.WriteString(keyStyle.Render(fmt.Sprintf("%-16s", agent)))
		sb.WriteString(" ")
		sb.WriteString(actionStyle(e.Action).Render(fmt.Sprintf("%-9s", e.Action)))
		sb.WriteString(" ")
		sb.WriteString(e.Path)

		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			sb.WriteString(" ")
			sb.WriteString(mutedStyle.Render(k + "="))
			sb.WriteString(e.Details[k])
		}
		fmt.Fprintln(out, sb.String())
	}
}

func joinActions() string {
	actions := audit.Actions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
