package cleanup

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Iron-Ham/agentspace/internal/testutil"
	"github.com/Iron-Ham/agentspace/internal/workspace"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func backupName(rel string, at time.Time) string {
	return workspace.HistoryDir + "/" + rel + "." + at.Format(workspace.BackupLayout)
}

func seedBackups(t *testing.T, root, rel string, ages ...time.Duration) []string {
	t.Helper()
	names := make([]string, 0, len(ages))
	for _, age := range ages {
		name := backupName(rel, now.Add(-age))
		testutil.WriteFile(t, root, name, "old "+age.String())
		names = append(names, name)
	}
	return names
}

func staleNames(job *Job) []string {
	names := make([]string, 0, len(job.StaleBackups))
	for _, b := range job.StaleBackups {
		names = append(names, b.Name)
	}
	return names
}

func TestPlan_KeepBackups(t *testing.T) {
	root := t.TempDir()
	notes := seedBackups(t, root, "notes.md", time.Minute, time.Hour, 2*time.Hour, 3*time.Hour)
	plan := seedBackups(t, root, "shared/plan.md", time.Minute)

	job, err := Plan(root, Policy{KeepBackups: 2}, now)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	got := staleNames(job)
	want := []string{notes[3], notes[2]}
	if len(got) != 2 {
		t.Fatalf("stale = %v, want %v", got, want)
	}
	// Sorted by name, and the timestamp format sorts chronologically.
	if got[0] != want[0] || got[1] != want[1] {
		t.Errorf("stale = %v, want %v", got, want)
	}
	for _, name := range got {
		if name == plan[0] {
			t.Errorf("%s is the only backup of its file and must survive", name)
		}
	}
	if job.Status != JobStatusPending || job.ID == "" {
		t.Errorf("job = %+v", job)
	}
}

func TestPlan_MaxBackupAge(t *testing.T) {
	root := t.TempDir()
	names := seedBackups(t, root, "tasks/t1.md", time.Hour, 48*time.Hour)

	job, err := Plan(root, Policy{MaxBackupAge: 24 * time.Hour}, now)
	if err != nil {
		t.Fatal(err)
	}
	got := staleNames(job)
	if len(got) != 1 || got[0] != names[1] {
		t.Errorf("stale = %v, want [%s]", got, names[1])
	}
}

func TestPlan_IgnoresForeignFiles(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "history/README", "not a backup")
	testutil.WriteFile(t, root, "logs/agentspace.log", "{}")
	testutil.WriteFile(t, root, "logs/events_garbage.jsonl", "")

	job, err := Plan(root, Policy{KeepBackups: 1, KeepAuditDays: 1}, now)
	if err != nil {
		t.Fatal(err)
	}
	if !job.Empty() {
		t.Errorf("job = %+v, want nothing to remove", job)
	}
}

func TestPlan_MissingDirectories(t *testing.T) {
	job, err := Plan(t.TempDir(), Policy{KeepBackups: 1, KeepAuditDays: 1}, now)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !job.Empty() {
		t.Errorf("job = %+v", job)
	}
}

func TestPlan_ZeroPolicy(t *testing.T) {
	root := t.TempDir()
	seedBackups(t, root, "notes.md", time.Hour, 1000*time.Hour)
	testutil.WriteFile(t, root, "logs/events_20200101.jsonl", "{}\n")
	testutil.WriteFile(t, root, "logs/agentspace.log.9", "old\n")

	job, err := Plan(root, Policy{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if !job.Empty() {
		t.Errorf("a zero policy should keep everything, got %+v", job)
	}
}

func TestPlan_AuditPartitions(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"events_20261019.jsonl",
		"events_20261018.jsonl",
		"events_20261017.jsonl",
		"events_20261001.jsonl",
	} {
		testutil.WriteFile(t, root, "logs/"+name, "{}\n")
	}

	job, err := Plan(root, Policy{KeepAuditDays: 2}, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"events_20261001.jsonl", "events_20261017.jsonl"}
	if len(job.StalePartitions) != len(want) {
		t.Fatalf("stale partitions = %v, want %v", job.StalePartitions, want)
	}
	for i := range want {
		if job.StalePartitions[i] != want[i] {
			t.Errorf("stale partitions = %v, want %v", job.StalePartitions, want)
		}
	}
}

func TestPlan_ServerLogBackups(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"agentspace.log",
		"agentspace.log.1.zst",
		"agentspace.log.2.zst",
		"agentspace.log.3",
		"agentspace.log.4.zst",
		"agentspace.log.4.zst.tmp",
	} {
		testutil.WriteFile(t, root, "logs/"+name, "line\n")
	}

	job, err := Plan(root, Policy{KeepLogBackups: 2}, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"agentspace.log.3", "agentspace.log.4.zst"}
	if !slices.Equal(job.StaleLogs, want) {
		t.Errorf("stale logs = %v, want %v", job.StaleLogs, want)
	}
	if len(job.StalePartitions) != 0 {
		t.Errorf("server logs must not be taken for audit partitions: %v", job.StalePartitions)
	}
}

func TestPlan_HistoryIsAFile(t *testing.T) {
	root := t.TempDir()
	// A stray file where the history directory belongs holds no backups.
	if err := os.WriteFile(filepath.Join(root, workspace.HistoryDir), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	job, err := Plan(root, Policy{KeepBackups: 1}, now)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !job.Empty() {
		t.Errorf("job = %+v", job)
	}
}
