package workspace

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/snapshot"
)

// Workspace directories created by Init.
const (
	SharedDir   = "shared"
	TasksDir    = "tasks"
	FindingsDir = "findings"
	LogsDir     = "logs"
	ContextDir  = "context"
	SandboxDir  = "sandbox"
	HistoryDir  = "history"
	LocksDir    = ".locks"
)

// SharedContextFile is the context document reported in agent views.
const SharedContextFile = ContextDir + "/shared_context.json"

// agentDirSuffix names each agent's private working directory.
const agentDirSuffix = "_workspace"

// Directories returns the layout Init creates, in creation order.
func Directories() []string {
	return []string{SharedDir, TasksDir, FindingsDir, LogsDir, ContextDir, SandboxDir, HistoryDir, LocksDir}
}

// sharedContextSeed is the initial shared context document.
var sharedContextSeed = map[string]any{
	"project_info":    map[string]any{},
	"ongoing_tasks":   []any{},
	"completed_tasks": []any{},
}

// Init creates the workspace layout under root. Existing directories and
// an existing shared context are left alone, so Init is safe to repeat.
func Init(root string) error {
	for _, dir := range Directories() {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return errors.NewWorkspaceError("failed to create directory", err).WithOp("init").WithPath(dir)
		}
	}

	ctxPath := filepath.Join(root, filepath.FromSlash(SharedContextFile))
	if _, err := os.Stat(ctxPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return errors.NewWorkspaceError("failed to stat shared context", err).WithOp("init").WithPath(SharedContextFile)
	}

	data, err := json.MarshalIndent(sharedContextSeed, "", "  ")
	if err != nil {
		return fmt.Errorf("encode shared context seed: %w", err)
	}
	if err := os.WriteFile(ctxPath, append(data, '\n'), 0644); err != nil {
		return errors.NewWorkspaceError("failed to write shared context", err).WithOp("init").WithPath(SharedContextFile)
	}
	return nil
}

var agentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateAgent checks that agent can name a holder and a directory.
func ValidateAgent(agent string) error {
	if !agentPattern.MatchString(agent) {
		return errors.NewValidationError("agent must be 1-64 letters, digits, '.', '_' or '-'").
			WithField("agent").WithValue(agent).WithCause(errors.ErrInvalidAgent)
	}
	return nil
}

// AgentDir returns the private working directory name for agent.
func AgentDir(agent string) string {
	return agent + agentDirSuffix
}

// Canonicalize turns a caller-supplied path into the slash-separated
// workspace-relative form used as the record key. Absolute paths must lie
// inside root. Paths that escape root, name root itself, or point at the
// workspace's bookkeeping files are rejected with
// errors.ErrPathOutsideWorkspace.
func Canonicalize(root, path string) (string, error) {
	if path == "" {
		return "", errors.NewValidationError("path cannot be empty").WithField("path")
	}

	rel := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(root, rel)
		if err != nil {
			return "", outside(path)
		}
		rel = r
	}
	if !filepath.IsLocal(rel) || rel == "." {
		return "", outside(path)
	}

	canonical := filepath.ToSlash(rel)
	if reserved(canonical) {
		return "", fmt.Errorf("%w: %s is reserved for workspace bookkeeping", errors.ErrPathOutsideWorkspace, path)
	}

	// A symlink inside the workspace must not lead out of it.
	if resolved, err := filepath.EvalSymlinks(filepath.Join(root, rel)); err == nil {
		base := root
		if r, err := filepath.EvalSymlinks(root); err == nil {
			base = r
		}
		r, err := filepath.Rel(base, resolved)
		if err != nil || !filepath.IsLocal(r) {
			return "", outside(path)
		}
	}
	return canonical, nil
}

// reserved reports whether canonical belongs to the workspace itself:
// lock files, the audit trail, backups and the snapshot. Agents never
// write there through the lock protocol.
func reserved(canonical string) bool {
	first, _, _ := strings.Cut(canonical, "/")
	switch first {
	case LocksDir, LogsDir, HistoryDir:
		return true
	}
	return strings.HasPrefix(first, snapshot.FileName)
}

func outside(path string) error {
	return fmt.Errorf("%w: %s", errors.ErrPathOutsideWorkspace, path)
}
