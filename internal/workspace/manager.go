// Package workspace is the facade agents use to share files safely.
//
// A Manager owns the metadata store, lock manager, audit log, change
// watcher and snapshot loop for one workspace root, and exposes the
// acquire / read / write / release protocol on top of them:
//
//	ok, err := ws.Write(ctx, "shared/plan.md", data, "agent-a", true)
//
// Read and Write take and release the lock themselves; callers that need
// several operations under one lock use Acquire and Release directly.
package workspace

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/conflict"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/filelock"
	"github.com/Iron-Ham/agentspace/internal/locking"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metadata"
	"github.com/Iron-Ham/agentspace/internal/metrics"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by every component.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBus publishes workspace events to bus instead of a private one.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithMetrics feeds workspace events into mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithClock overrides the time source used for records and snapshots.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager coordinates agent access to one workspace root.
type Manager struct {
	cfg     *config.Config
	root    string
	logger  *logging.Logger
	bus     *event.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	store   *metadata.Store
	audit   *audit.Log
	table   *filelock.Table
	locks   *locking.Manager
	watcher *conflict.Watcher

	// lifecycle is held shared by every operation and exclusively by
	// Close, so Close waits for in-flight calls.
	lifecycle sync.RWMutex
	closed    bool

	snapMu sync.Mutex
}

// Open prepares the workspace described by cfg: it creates the layout,
// restores the last snapshot and starts the change watcher. A snapshot
// that cannot be restored is logged and the workspace starts empty.
func Open(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, errors.NewWorkspaceError("failed to resolve workspace root", err).WithOp("open").WithPath(cfg.Workspace.Root)
	}
	if err := Init(root); err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	m := &Manager{
		cfg:    cfg,
		root:   root,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = event.NewBus(m.logger)
	}
	if m.metrics != nil {
		m.metrics.Attach(m.bus)
		m.metrics.TrackFiles(stateNames(), m.countStates)
	}
	fail := func(err error) (*Manager, error) {
		if m.metrics != nil {
			m.metrics.Detach()
		}
		if m.table != nil {
			_ = m.table.Close()
		}
		return nil, err
	}

	m.audit, err = audit.Open(filepath.Join(root, LogsDir),
		audit.WithQueryPartitions(cfg.Audit.QueryPartitions),
		audit.WithLogger(m.logger))
	if err != nil {
		return fail(errors.NewWorkspaceError("failed to open audit log", err).WithOp("open").WithPath(LogsDir))
	}

	m.store = metadata.NewStore(
		metadata.WithHistoryLimit(cfg.Workspace.HistoryLimit),
		metadata.WithSink(&auditSink{log: m.audit, bus: m.bus, logger: m.logger.WithComponent("audit")}),
		metadata.WithLogger(m.logger),
		metadata.WithClock(m.now),
	)

	m.table, err = filelock.NewTable(filepath.Join(root, LocksDir),
		filelock.WithPollInterval(cfg.Workspace.PollInterval()),
		filelock.WithLogger(m.logger))
	if err != nil {
		return fail(errors.NewWorkspaceError("failed to open lock table", err).WithOp("open").WithPath(LocksDir))
	}
	m.locks = locking.NewManager(root, m.store, m.table,
		locking.WithBus(m.bus),
		locking.WithLogger(m.logger),
		locking.WithClock(m.now))

	if err := m.RestoreSnapshot(); err != nil {
		m.logger.Error("snapshot restore failed, starting with empty state", "error", err)
	}

	if cfg.Watcher.Enabled {
		m.watcher, err = conflict.New(root, m.store,
			conflict.WithBus(m.bus),
			conflict.WithLogger(m.logger),
			conflict.WithDebounce(cfg.Watcher.Debounce()),
			conflict.WithIgnore(cfg.Watcher.Ignore...),
			conflict.WithClock(m.now))
		if err != nil {
			return fail(err)
		}
		if err := m.watcher.Start(); err != nil {
			m.watcher.Stop()
			return fail(err)
		}
	}

	m.logger.Info("workspace opened", "root", root, "files", m.store.Len(), "watcher", cfg.Watcher.Enabled)
	return m, nil
}

func stateNames() []string {
	states := metadata.States()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return names
}

func (m *Manager) countStates() map[string]int {
	counts := make(map[string]int)
	for _, rec := range m.store.List() {
		counts[rec.State.String()]++
	}
	return counts
}

// Run saves a snapshot every configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.Snapshot.Interval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.SaveSnapshot(); err != nil {
				if errors.Is(err, errors.ErrManagerClosed) {
					return nil
				}
				m.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// Close stops the watcher, releases every lock held through this
// Manager and writes a final snapshot. Later calls return nil.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if m.watcher != nil {
		m.watcher.Stop()
	}

	var errs []error
	if err := m.locks.ReleaseAll(); err != nil {
		errs = append(errs, err)
	}
	if err := m.saveSnapshot(); err != nil {
		errs = append(errs, err)
	}
	if err := m.table.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.metrics != nil {
		m.metrics.Detach()
	}
	m.logger.Info("workspace closed", "root", m.root)
	return errors.Join(errs...)
}

// enter marks the start of an operation. The returned func must be
// called when it ends.
func (m *Manager) enter() (func(), error) {
	m.lifecycle.RLock()
	if m.closed {
		m.lifecycle.RUnlock()
		return nil, errors.NewWorkspaceError("workspace is closed", errors.ErrManagerClosed).WithSeverity(errors.SeverityInfo)
	}
	return m.lifecycle.RUnlock, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Bus returns the event bus the workspace publishes to.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Audit returns the workspace audit log.
func (m *Manager) Audit() *audit.Log {
	return m.audit
}

// Config returns the configuration the workspace was opened with.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Files returns copies of every tracked record, sorted by path.
func (m *Manager) Files() []metadata.FileRecord {
	return m.store.List()
}

// File returns a copy of the record for path.
func (m *Manager) File(path string) (metadata.FileRecord, bool, error) {
	rel, err := Canonicalize(m.root, path)
	if err != nil {
		return metadata.FileRecord{}, false, err
	}
	rec, ok := m.store.Get(rel)
	return rec, ok, nil
}

// Agents returns copies of every known agent's activity.
func (m *Manager) Agents() []metadata.AgentActivity {
	return m.store.Agents()
}
