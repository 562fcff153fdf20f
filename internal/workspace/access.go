package workspace

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/metadata"
)

// BackupLayout is the ISO 8601 basic-format suffix of backup files.
const BackupLayout = "20060102T150405.000000Z"

// tmpMarker appears in the names of in-progress writes; the change
// watcher ignores such files.
const tmpMarker = ".agentspace-tmp-"

// Acquire takes a shared or exclusive lock on path for agent, waiting up
// to timeout. Contention is reported as (false, nil); a conflicted path
// as (false, err) with err matching errors.ErrConflict.
func (m *Manager) Acquire(ctx context.Context, path, agent string, exclusive bool, timeout time.Duration) (bool, error) {
	done, err := m.enter()
	if err != nil {
		return false, err
	}
	defer done()

	rel, err := m.resolve(path, agent)
	if err != nil {
		return false, err
	}
	return m.locks.Acquire(ctx, rel, agent, exclusive, timeout)
}

// Release drops agent's lock on path. Releasing a lock the agent does not
// hold is a logged no-op.
func (m *Manager) Release(path, agent string) error {
	done, err := m.enter()
	if err != nil {
		return err
	}
	defer done()

	rel, err := m.resolve(path, agent)
	if err != nil {
		return err
	}
	return m.locks.Release(rel, agent)
}

func (m *Manager) resolve(path, agent string) (string, error) {
	if err := ValidateAgent(agent); err != nil {
		return "", err
	}
	return Canonicalize(m.root, path)
}

func (m *Manager) abs(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// hold acquires the lock for a single Read or Write. When agent already
// holds a covering lock, the returned release leaves it in place; a
// reader upgraded for a write is handed back its shared lock.
func (m *Manager) hold(ctx context.Context, rel, agent string, exclusive bool) (func(), bool, error) {
	rec, ok := m.store.Get(rel)
	held := ok && rec.HeldBy(agent)
	already := held && (rec.State == metadata.LockedWrite || !exclusive)
	upgraded := held && exclusive && rec.State == metadata.LockedRead

	acquired, err := m.locks.Acquire(ctx, rel, agent, exclusive, m.cfg.Workspace.LockTimeout())
	if err != nil || !acquired {
		return nil, false, err
	}
	if already {
		return func() {}, true, nil
	}
	if upgraded {
		return func() {
			if err := m.locks.Downgrade(rel, agent); err != nil {
				m.logger.WithAgent(agent).WithPath(rel).Error("failed to restore shared lock", "error", err)
			}
		}, true, nil
	}
	return func() {
		if err := m.locks.Release(rel, agent); err != nil {
			m.logger.WithAgent(agent).WithPath(rel).Error("failed to release lock", "error", err)
		}
	}, true, nil
}

// Read returns the content of path under a shared lock. It reports
// ok=false with a nil error when the lock could not be obtained in time.
func (m *Manager) Read(ctx context.Context, path, agent string) ([]byte, bool, error) {
	done, err := m.enter()
	if err != nil {
		return nil, false, err
	}
	defer done()

	rel, err := m.resolve(path, agent)
	if err != nil {
		return nil, false, err
	}
	// Runs after the lock is released.
	missing := false
	defer func() {
		if missing {
			m.forgetMissing(rel)
		}
	}()

	release, ok, err := m.hold(ctx, rel, agent, false)
	if err != nil || !ok {
		return nil, false, err
	}
	defer release()

	content, err := os.ReadFile(m.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			missing = true
			return nil, false, errors.NewNotFoundError("file", rel).WithCause(err)
		}
		return nil, false, errors.NewWorkspaceError("failed to read file", err).WithOp("read").WithPath(rel)
	}

	if _, err := m.store.Upsert(rel, func(*metadata.FileRecord) (metadata.Change, error) {
		return metadata.Change{
			Agent:   agent,
			Action:  audit.ActionRead,
			Details: map[string]string{"bytes": strconv.Itoa(len(content))},
		}, nil
	}); err != nil {
		m.logger.WithAgent(agent).WithPath(rel).Warn("failed to record read", "error", err)
	}
	return content, true, nil
}

// Write replaces the content of path under an exclusive lock, creating
// parent directories as needed. With makeBackup the previous content is
// first copied into the history directory. It reports false with a nil
// error when the lock could not be obtained in time.
//
// The expected checksum is registered before any bytes are written, so
// the change watcher recognizes the write as the holder's own.
func (m *Manager) Write(ctx context.Context, path string, content []byte, agent string, makeBackup bool) (bool, error) {
	done, err := m.enter()
	if err != nil {
		return false, err
	}
	defer done()

	rel, err := m.resolve(path, agent)
	if err != nil {
		return false, err
	}
	release, ok, err := m.hold(ctx, rel, agent, true)
	if err != nil || !ok {
		return false, err
	}
	defer release()

	log := m.logger.WithAgent(agent).WithPath(rel)
	sum := metadata.Checksum(content)

	if _, err := m.store.Upsert(rel, func(r *metadata.FileRecord) (metadata.Change, error) {
		return metadata.Change{}, r.ExpectWrite(agent, sum)
	}); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return false, errors.NewLockError("write refused", errors.ErrConflict).WithPath(rel).WithAgent(agent).WithSeverity(errors.SeverityWarning)
		}
		return false, errors.NewWorkspaceError("failed to register write", err).WithOp("write").WithPath(rel)
	}

	details := map[string]string{
		"bytes":    strconv.Itoa(len(content)),
		"checksum": sum,
	}
	if makeBackup {
		name, err := m.backup(rel)
		if err != nil {
			m.abandonWrite(rel, agent)
			return false, err
		}
		if name != "" {
			details["backup"] = name
		}
	}

	if err := writeFileAtomic(m.abs(rel), content); err != nil {
		m.abandonWrite(rel, agent)
		return false, errors.NewWorkspaceError("failed to write file", err).WithOp("write").WithPath(rel)
	}

	if _, err := m.store.Upsert(rel, func(r *metadata.FileRecord) (metadata.Change, error) {
		if err := r.RegisterWrite(agent, sum, m.now()); err != nil {
			return metadata.Change{}, err
		}
		return metadata.Change{Agent: agent, Action: audit.ActionWrote, Details: details}, nil
	}); err != nil {
		// The bytes are on disk; the record just could not follow.
		log.Error("failed to register completed write", "error", err)
		return true, nil
	}
	log.Debug("write completed", "bytes", len(content), "backup", details["backup"])
	return true, nil
}

// forgetMissing drops the record of a path that does not exist on disk
// and that nobody holds, so a lookup of a missing file leaves no trace in
// the file list.
func (m *Manager) forgetMissing(rel string) {
	m.store.Forget(rel, func(r metadata.FileRecord) bool {
		if !r.State.Unlocked() {
			return true
		}
		_, err := os.Stat(m.abs(rel))
		return !errors.Is(err, fs.ErrNotExist)
	})
}

func (m *Manager) abandonWrite(rel, agent string) {
	if _, err := m.store.Upsert(rel, func(r *metadata.FileRecord) (metadata.Change, error) {
		return metadata.Change{}, r.AbandonWrite(agent)
	}); err != nil {
		m.logger.WithAgent(agent).WithPath(rel).Warn("failed to abandon write", "error", err)
	}
}

// backup copies the current content of rel to
// history/<rel>.<timestamp>. It returns the backup's workspace-relative
// name, or "" when there was nothing to back up.
func (m *Manager) backup(rel string) (string, error) {
	src, err := os.Open(m.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", errors.NewWorkspaceError("failed to open file for backup", err).WithOp("backup").WithPath(rel)
	}
	defer src.Close()

	name := HistoryDir + "/" + rel + "." + m.now().UTC().Format(BackupLayout)
	dst := m.abs(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", errors.NewWorkspaceError("failed to create backup directory", err).WithOp("backup").WithPath(name)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", errors.NewWorkspaceError("failed to create backup", err).WithOp("backup").WithPath(name)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", errors.NewWorkspaceError("failed to copy backup", err).WithOp("backup").WithPath(name)
	}
	if err := out.Close(); err != nil {
		return "", errors.NewWorkspaceError("failed to close backup", err).WithOp("backup").WithPath(name)
	}
	return name, nil
}

// Backups lists the backup names for path, oldest first.
func (m *Manager) Backups(path string) ([]string, error) {
	rel, err := Canonicalize(m.root, path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(m.abs(HistoryDir + "/" + rel))
	pattern := filepath.Join(dir, globEscape(filepath.Base(rel))+".*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		r, err := filepath.Rel(m.root, match)
		if err != nil {
			continue
		}
		suffix := match[len(filepath.Join(dir, filepath.Base(rel)))+1:]
		if _, err := time.Parse(BackupLayout, suffix); err != nil {
			continue
		}
		names = append(names, filepath.ToSlash(r))
	}
	// The timestamp layout sorts lexically.
	return names, nil
}

// ParseBackup splits a backup name relative to the history directory,
// such as "shared/plan.md.20261019T101500.123456Z", into the original
// path and the time the backup was taken.
func ParseBackup(name string) (rel string, at time.Time, ok bool) {
	i := strings.LastIndexByte(name, '.')
	// The timestamp itself contains one dot.
	if i > 0 {
		i = strings.LastIndexByte(name[:i], '.')
	}
	if i <= 0 {
		return "", time.Time{}, false
	}
	at, err := time.Parse(BackupLayout, name[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:i], at, true
}

func globEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// writeFileAtomic replaces path with content through a temp file and a
// rename, so concurrent readers and the watcher see old or new content,
// never a torn write. An existing file keeps its permissions.
func writeFileAtomic(path string, content []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	perm := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tmpMarker+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
