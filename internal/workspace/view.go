package workspace

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
)

// View is what one agent needs to orient itself in the workspace.
type View struct {
	Agent          string         `json:"agent"`
	WorkspaceRoot  string         `json:"workspace_root"`
	AgentDir       string         `json:"agent_dir"`
	SharedFiles    []string       `json:"shared_files"`
	LockedFiles    []string       `json:"locked_files"`
	RecentChanges  []audit.Event  `json:"recent_changes"`
	CurrentContext map[string]any `json:"current_context"`
}

// AgentView reports the files agent can take, the files it holds, its
// recent audit events and the shared context. The agent's private
// directory is created on first use.
func (m *Manager) AgentView(agent string) (View, error) {
	done, err := m.enter()
	if err != nil {
		return View{}, err
	}
	defer done()

	if err := ValidateAgent(agent); err != nil {
		return View{}, err
	}

	agentDir := filepath.Join(m.root, AgentDir(agent))
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return View{}, errors.NewWorkspaceError("failed to create agent directory", err).WithOp("view").WithPath(AgentDir(agent))
	}

	view := View{
		Agent:         agent,
		WorkspaceRoot: m.root,
		AgentDir:      agentDir,
		SharedFiles:   []string{},
		LockedFiles:   []string{},
	}
	for _, rec := range m.store.List() {
		switch {
		case rec.State.Unlocked():
			if _, err := os.Stat(m.abs(rec.Path)); err != nil {
				continue
			}
			view.SharedFiles = append(view.SharedFiles, rec.Path)
		case rec.HeldBy(agent):
			view.LockedFiles = append(view.LockedFiles, rec.Path)
		}
	}

	view.RecentChanges = m.audit.Recent(agent, m.cfg.Audit.RecentLimit)
	if view.RecentChanges == nil {
		view.RecentChanges = []audit.Event{}
	}
	view.CurrentContext = m.sharedContext()
	return view, nil
}

// sharedContext decodes the shared context document. A missing or
// unreadable document yields an empty map.
func (m *Manager) sharedContext() map[string]any {
	data, err := os.ReadFile(m.abs(SharedContextFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to read shared context", "error", err)
		}
		return map[string]any{}
	}
	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil || ctx == nil {
		m.logger.Warn("shared context is not a JSON object", "error", err)
		return map[string]any{}
	}
	return ctx
}
