package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/workspace"
)

// Executor runs cleanup jobs using their snapshotted resources
type Executor struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewExecutor creates an executor that logs to logger, which may be nil.
func NewExecutor(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Executor{logger: logger.WithComponent("cleanup"), now: time.Now}
}

// Execute removes the resources snapshotted in job. Resources that have
// disappeared since planning are skipped silently; other failures are
// collected in the results and make the job fail.
func (e *Executor) Execute(job *Job) *JobResults {
	results := &JobResults{}

	for _, b := range job.StaleBackups {
		n, err := remove(b.Path)
		if err != nil {
			results.Errors = append(results.Errors, fmt.Sprintf("backup %s: %v", b.Name, err))
			continue
		}
		if n >= 0 {
			results.BackupsRemoved++
			results.BytesFreed += n
		}
	}
	removeEmptyDirs(filepath.Join(job.Root, workspace.HistoryDir))

	logsDir := filepath.Join(job.Root, workspace.LogsDir)
	for _, name := range job.StalePartitions {
		n, err := remove(filepath.Join(logsDir, name))
		if err != nil {
			results.Errors = append(results.Errors, fmt.Sprintf("audit partition %s: %v", name, err))
			continue
		}
		if n >= 0 {
			results.PartitionsRemoved++
			results.BytesFreed += n
		}
	}

	for _, name := range job.StaleLogs {
		n, err := remove(filepath.Join(logsDir, name))
		if err != nil {
			results.Errors = append(results.Errors, fmt.Sprintf("server log %s: %v", name, err))
			continue
		}
		if n >= 0 {
			results.LogsRemoved++
			results.BytesFreed += n
		}
	}

	job.Results = results
	job.EndedAt = e.now()
	job.Status = JobStatusCompleted
	if len(results.Errors) > 0 {
		job.Status = JobStatusFailed
	}
	e.logger.Info("cleanup finished",
		"job", job.ID,
		"status", job.Status,
		"backups_removed", results.BackupsRemoved,
		"partitions_removed", results.PartitionsRemoved,
		"logs_removed", results.LogsRemoved,
		"bytes_freed", results.BytesFreed,
		"errors", len(results.Errors))
	return results
}

// remove deletes path and returns its size, or -1 when it was already
// gone.
func remove(path string) (int64, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// removeEmptyDirs prunes directories below root left empty by removed
// backups. root itself is kept.
func removeEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first so parents empty out before they are checked.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
}
