package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/agentspace/internal/testutil"
)

func exists(t *testing.T, root, rel string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

func TestExecutor_Execute(t *testing.T) {
	root := t.TempDir()
	names := seedBackups(t, root, "shared/deep/plan.md", time.Minute, time.Hour)
	testutil.WriteFile(t, root, "logs/events_20200101.jsonl", "{}\n")
	testutil.WriteFile(t, root, "logs/events_20261019.jsonl", "{}\n")
	testutil.WriteFile(t, root, "logs/agentspace.log.1", "recent\n")
	testutil.WriteFile(t, root, "logs/agentspace.log.2.zst", "older\n")

	job, err := Plan(root, Policy{KeepBackups: 1, KeepAuditDays: 7, KeepLogBackups: 1}, now)
	if err != nil {
		t.Fatal(err)
	}
	results := NewExecutor(nil).Execute(job)

	if results.BackupsRemoved != 1 || results.PartitionsRemoved != 1 || results.LogsRemoved != 1 {
		t.Errorf("results = %+v", results)
	}
	if results.BytesFreed <= 0 {
		t.Errorf("BytesFreed = %d", results.BytesFreed)
	}
	if job.Status != JobStatusCompleted || job.Results != results || job.EndedAt.IsZero() {
		t.Errorf("job = %+v", job)
	}
	if exists(t, root, names[1]) {
		t.Errorf("%s should be removed", names[1])
	}
	if !exists(t, root, names[0]) {
		t.Errorf("%s should survive", names[0])
	}
	if exists(t, root, "logs/events_20200101.jsonl") || !exists(t, root, "logs/events_20261019.jsonl") {
		t.Error("audit partitions were not pruned as planned")
	}
	if exists(t, root, "logs/agentspace.log.2.zst") || !exists(t, root, "logs/agentspace.log.1") {
		t.Error("server logs were not pruned as planned")
	}
}

func TestExecutor_OnlySnapshottedResources(t *testing.T) {
	root := t.TempDir()
	seedBackups(t, root, "notes.md", time.Hour, 2*time.Hour)

	job, err := Plan(root, Policy{KeepBackups: 1}, now)
	if err != nil {
		t.Fatal(err)
	}

	// Created after planning: matches the policy but is not in the job.
	late := seedBackups(t, root, "notes.md", 3*time.Hour)
	NewExecutor(nil).Execute(job)

	if !exists(t, root, late[0]) {
		t.Error("a backup created after planning must not be removed")
	}
}

func TestExecutor_SkipsVanishedFiles(t *testing.T) {
	root := t.TempDir()
	names := seedBackups(t, root, "notes.md", time.Hour, 2*time.Hour)

	job, err := Plan(root, Policy{KeepBackups: 1}, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, filepath.FromSlash(names[1]))); err != nil {
		t.Fatal(err)
	}

	results := NewExecutor(nil).Execute(job)
	if results.BackupsRemoved != 0 || len(results.Errors) != 0 {
		t.Errorf("results = %+v", results)
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("Status = %s", job.Status)
	}
}

func TestExecutor_PrunesEmptyDirectories(t *testing.T) {
	root := t.TempDir()
	seedBackups(t, root, "findings/a/b/report.md", 48*time.Hour)

	job, err := Plan(root, Policy{MaxBackupAge: time.Hour}, now)
	if err != nil {
		t.Fatal(err)
	}
	NewExecutor(nil).Execute(job)

	if exists(t, root, "history/findings") {
		t.Error("empty backup directories should be pruned")
	}
	if !exists(t, root, "history") {
		t.Error("the history directory itself must remain")
	}
}
