package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Iron-Ham/agentspace/internal/cleanup"
	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/util"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old backups, audit partitions and server logs",
	Long: `Remove housekeeping leftovers from the workspace.

Every mediated write keeps a backup of the previous content under history/,
and the audit trail grows one partition per day under logs/. Neither is
pruned by the server. This command removes backups beyond the newest
--keep-backups per file or older than --max-backup-age, and audit
partitions older than --keep-audit-days. A zero value disables that rule.

Rotated server logs beyond --keep-log-backups are removed as well. The
limit defaults to logging.max_backups, which catches backups left over
after the configured limit was lowered.

The stale set is computed first and only those files are removed, so it is
safe to run while agentspace serve is writing.`,
	RunE: runCleanup,
}

var (
	cleanupKeepBackups   int
	cleanupMaxBackupAge  time.Duration
	cleanupKeepAuditDays int
	cleanupKeepLogs      int
	cleanupDryRun        bool
	cleanupJSON          bool
)

func init() {
	cleanupCmd.Flags().IntVar(&cleanupKeepBackups, "keep-backups", 10, "Backups to keep per file (0 keeps all)")
	cleanupCmd.Flags().DurationVar(&cleanupMaxBackupAge, "max-backup-age", 0, "Remove backups older than this (0 disables)")
	cleanupCmd.Flags().IntVar(&cleanupKeepAuditDays, "keep-audit-days", 30, "Days of audit partitions to keep (0 keeps all)")
	cleanupCmd.Flags().IntVar(&cleanupKeepLogs, "keep-log-backups", 0, "Rotated server logs to keep (default: logging.max_backups)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing it")
	cleanupCmd.Flags().BoolVar(&cleanupJSON, "json", false, "Output the cleanup job as JSON")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupKeepBackups < 0 || cleanupKeepAuditDays < 0 || cleanupKeepLogs < 0 || cleanupMaxBackupAge < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	keepLogs := cleanupKeepLogs
	if !cmd.Flags().Changed("keep-log-backups") {
		// Rotation always keeps the newest backup.
		keepLogs = max(cfg.Logging.MaxBackups, 1)
	}
	policy := cleanup.Policy{
		KeepBackups:    cleanupKeepBackups,
		MaxBackupAge:   cleanupMaxBackupAge,
		KeepAuditDays:  cleanupKeepAuditDays,
		KeepLogBackups: keepLogs,
	}
	job, err := cleanup.Plan(cfg.Workspace.Root, policy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to plan cleanup: %w", err)
	}

	if !cleanupDryRun {
		cleanup.NewExecutor(nil).Execute(job)
	}

	out := cmd.OutOrStdout()
	if cleanupJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
	} else {
		printCleanupText(out, job, cleanupDryRun)
	}

	if job.Status == cleanup.JobStatusFailed {
		return fmt.Errorf("cleanup finished with %d errors", len(job.Results.Errors))
	}
	return nil
}

func printCleanupText(w io.Writer, job *cleanup.Job, dryRun bool) {
	if job.Empty() {
		fmt.Fprintln(w, mutedStyle.Render("Nothing to clean up."))
		return
	}

	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	for _, b := range job.StaleBackups {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(b.TakenAt.Local().Format(time.DateTime)), util.Truncate(b.Name, 100))
	}
	for _, p := range job.StalePartitions {
		fmt.Fprintf(w, "  %s logs/%s\n", mutedStyle.Render("audit"), p)
	}
	for _, l := range job.StaleLogs {
		fmt.Fprintf(w, "  %s logs/%s\n", mutedStyle.Render("log"), l)
	}
	fmt.Fprintln(w)

	if dryRun || job.Results == nil {
		fmt.Fprintf(w, "%s %d backups, %d audit partitions and %d server logs.\n",
			verb, len(job.StaleBackups), len(job.StalePartitions), len(job.StaleLogs))
		return
	}
	r := job.Results
	fmt.Fprintf(w, "%s %d backups, %d audit partitions and %d server logs (%s freed).\n",
		verb, r.BackupsRemoved, r.PartitionsRemoved, r.LogsRemoved, humanize.IBytes(uint64(r.BytesFreed)))
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
