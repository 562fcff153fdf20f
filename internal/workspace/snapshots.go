package workspace

import (
	"io/fs"
	"path/filepath"

	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/snapshot"
)

// SnapshotPath returns where the workspace snapshot is stored.
func (m *Manager) SnapshotPath() string {
	return filepath.Join(m.root, snapshot.FileName)
}

// SaveSnapshot prunes idle agents and persists the store.
func (m *Manager) SaveSnapshot() error {
	done, err := m.enter()
	if err != nil {
		return err
	}
	defer done()
	return m.saveSnapshot()
}

func (m *Manager) saveSnapshot() error {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	start := m.now()
	if pruned := m.store.PruneIdleAgents(m.cfg.Snapshot.AgentIdleTTL()); len(pruned) > 0 {
		m.logger.Info("pruned idle agents", "agents", pruned)
	}

	records := m.store.List()
	blob, err := snapshot.Encode(records, start,
		snapshot.WithAgents(m.store.Agents()),
		snapshot.WithHistoryRetained(m.cfg.Snapshot.HistoryRetained))
	if err != nil {
		return err
	}
	if err := snapshot.Save(m.SnapshotPath(), blob); err != nil {
		return err
	}

	elapsed := m.now().Sub(start)
	m.logger.Debug("snapshot saved", "files", len(records), "bytes", len(blob), "duration", elapsed)
	m.bus.Publish(event.NewSnapshotSavedEvent(len(records), len(blob), elapsed))
	return nil
}

// RestoreSnapshot replaces the store with the saved snapshot, dropping
// records whose files no longer exist. A missing snapshot is not an
// error. It runs during Open, before the watcher starts.
func (m *Manager) RestoreSnapshot() error {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	blob, err := snapshot.Load(m.SnapshotPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Info("no snapshot to restore")
			return nil
		}
		return err
	}
	state, err := snapshot.Decode(blob)
	if err != nil {
		return err
	}

	restored, dropped := snapshot.Restore(m.store, state, m.root)
	m.logger.Info("snapshot restored", "files", restored, "dropped", dropped, "taken_at", state.TakenAt)
	m.bus.Publish(event.NewSnapshotRestoredEvent(restored, dropped))
	return nil
}
