// Package cleanup removes housekeeping leftovers from a workspace: old
// backups in the history directory, expired audit partitions and surplus
// rotated server logs.
//
// Cleanup runs in two steps. Plan snapshots the stale resources into a
// Job; Execute removes exactly those, so files created after planning
// are never touched even if they would match the policy by then.
package cleanup

import (
	"cmp"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/workspace"
)

// JobStatus represents the current state of a cleanup job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Policy decides which resources are stale. Zero values disable the
// corresponding rule.
type Policy struct {
	// KeepBackups is how many of the newest backups per file survive.
	KeepBackups int
	// MaxBackupAge removes backups taken longer ago than this.
	MaxBackupAge time.Duration
	// KeepAuditDays is how many UTC days of audit partitions survive,
	// counting today.
	KeepAuditDays int
	// KeepLogBackups is how many rotated server logs survive. The server
	// trims these itself on rotation, but only down to its current limit.
	KeepLogBackups int
}

// StaleBackup is a backup marked for removal at planning time.
type StaleBackup struct {
	// Name is relative to the workspace root, slash separated.
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
}

// Job represents a cleanup job with its snapshotted resources
type Job struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Status    JobStatus `json:"status"`
	Root      string    `json:"root"`
	Policy    Policy    `json:"policy"`

	// Snapshotted resources (captured at job creation time)
	StaleBackups    []StaleBackup `json:"stale_backups"`
	StalePartitions []string      `json:"stale_partitions"`
	StaleLogs       []string      `json:"stale_logs"`

	Results *JobResults `json:"results,omitempty"`
}

// JobResults contains the outcome of a cleanup job
type JobResults struct {
	BackupsRemoved    int      `json:"backups_removed"`
	PartitionsRemoved int      `json:"partitions_removed"`
	LogsRemoved       int      `json:"logs_removed"`
	BytesFreed        int64    `json:"bytes_freed"`
	Errors            []string `json:"errors,omitempty"`
}

// Empty reports whether the job has nothing to remove.
func (j *Job) Empty() bool {
	return len(j.StaleBackups) == 0 && len(j.StalePartitions) == 0 && len(j.StaleLogs) == 0
}

// Plan scans root and returns a pending Job listing every resource that
// is stale under policy at now.
func Plan(root string, policy Policy, now time.Time) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString()[:8],
		CreatedAt: now,
		Status:    JobStatusPending,
		Root:      root,
		Policy:    policy,
	}

	backups, err := staleBackups(root, policy, now)
	if err != nil {
		return nil, err
	}
	job.StaleBackups = backups

	partitions, err := stalePartitions(root, policy, now)
	if err != nil {
		return nil, err
	}
	job.StalePartitions = partitions

	logs, err := staleLogs(root, policy)
	if err != nil {
		return nil, err
	}
	job.StaleLogs = logs
	return job, nil
}

func staleBackups(root string, policy Policy, now time.Time) ([]StaleBackup, error) {
	if policy.KeepBackups <= 0 && policy.MaxBackupAge <= 0 {
		return nil, nil
	}
	historyDir := filepath.Join(root, workspace.HistoryDir)

	byFile := make(map[string][]StaleBackup)
	err := filepath.WalkDir(historyDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == historyDir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(historyDir, path)
		if err != nil {
			return nil
		}
		orig, at, ok := workspace.ParseBackup(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		byFile[orig] = append(byFile[orig], StaleBackup{
			Name:    workspace.HistoryDir + "/" + filepath.ToSlash(rel),
			Path:    path,
			TakenAt: at,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var stale []StaleBackup
	for _, backups := range byFile {
		// Newest first.
		slices.SortFunc(backups, func(a, b StaleBackup) int { return b.TakenAt.Compare(a.TakenAt) })
		for i, b := range backups {
			tooMany := policy.KeepBackups > 0 && i >= policy.KeepBackups
			tooOld := policy.MaxBackupAge > 0 && now.Sub(b.TakenAt) > policy.MaxBackupAge
			if tooMany || tooOld {
				stale = append(stale, b)
			}
		}
	}
	slices.SortFunc(stale, func(a, b StaleBackup) int { return cmp.Compare(a.Name, b.Name) })
	return stale, nil
}

func stalePartitions(root string, policy Policy, now time.Time) ([]string, error) {
	if policy.KeepAuditDays <= 0 {
		return nil, nil
	}
	dir := filepath.Join(root, workspace.LogsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	today := now.UTC().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, -(policy.KeepAuditDays - 1))
	var stale []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := audit.PartitionDay(entry.Name())
		if ok && day.Before(cutoff) {
			stale = append(stale, entry.Name())
		}
	}
	slices.Sort(stale)
	return stale, nil
}

// staleLogs names the rotated server logs in the logs directory beyond
// the newest KeepLogBackups.
func staleLogs(root string, policy Policy) ([]string, error) {
	if policy.KeepLogBackups <= 0 {
		return nil, nil
	}
	backups, err := logging.LogBackups(filepath.Join(root, workspace.LogsDir, logging.LogFileName))
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, b := range backups {
		if b.Index > policy.KeepLogBackups {
			stale = append(stale, filepath.Base(b.Path))
		}
	}
	return stale, nil
}
