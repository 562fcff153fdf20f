// Package locking arbitrates access to workspace paths between agents.
//
// The Manager pairs a flock per path (package filelock), which excludes
// holders across processes, with the path's FileRecord in the metadata
// store, which carries the coordination state every agent sees. Lock
// contention is never an error: Acquire reports it as false.
package locking

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/filelock"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metadata"
)

// Contention reasons carried by event.LockContendedEvent.
const (
	ReasonHeld     = "held"
	ReasonTimeout  = "timeout"
	ReasonConflict = "conflict"
	ReasonRefused  = "refused"
	ReasonLost     = "lost"
)

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes lock events to bus.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used to measure waits.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager grants and releases path locks.
type Manager struct {
	root   string
	store  *metadata.Store
	table  *filelock.Table
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// NewManager creates a Manager for the workspace at root. Paths passed to
// the Manager must already be canonical workspace-relative paths.
func NewManager(root string, store *metadata.Store, table *filelock.Table, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		store:  store,
		table:  table,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("locking")
	return m
}

func modeOf(exclusive bool) filelock.Mode {
	if exclusive {
		return filelock.Exclusive
	}
	return filelock.Shared
}

// Acquire takes a shared or exclusive lock on path for agent, waiting up
// to timeout. A non-positive timeout makes a single attempt.
//
// It returns (false, nil) when the path stays contended, and
// (false, ErrConflict) when the path is in Conflict. Re-requesting a mode
// the agent already holds, or shared while holding exclusive, succeeds
// at once. The sole reader may upgrade to exclusive.
func (m *Manager) Acquire(ctx context.Context, path, agent string, exclusive bool, timeout time.Duration) (bool, error) {
	if agent == "" {
		return false, errors.NewLockError("agent is required", errors.ErrInvalidAgent).WithPath(path)
	}
	mode := modeOf(exclusive)
	log := m.logger.WithAgent(agent).WithPath(path)
	start := m.now()

	if rec, ok := m.store.Get(path); ok {
		switch {
		case rec.State == metadata.Conflict:
			m.contended(path, agent, mode, 0, ReasonConflict)
			return false, errors.NewLockError("acquire refused", errors.ErrConflict).WithPath(path).WithAgent(agent).WithSeverity(errors.SeverityWarning)
		case rec.State == metadata.LockedWrite && rec.LockedBy != agent:
			log.Warn("path is locked for writing", "holder", rec.LockedBy)
			m.contended(path, agent, mode, 0, ReasonHeld)
			return false, nil
		}
	}

	prev, hadHold := m.table.Holds(path, agent)

	waitCtx, cancel := context.WithTimeout(ctx, max(timeout, 0))
	defer cancel()

	ok, err := m.table.Acquire(waitCtx, path, agent, mode)
	if errors.Is(err, filelock.ErrLockLost) {
		m.dropLostReadHold(path, agent)
		m.contended(path, agent, mode, m.now().Sub(start), ReasonLost)
		return false, nil
	}
	if err != nil {
		return false, errors.NewLockError("flock failed", err).WithPath(path).WithAgent(agent)
	}
	if !ok {
		log.Warn("lock wait timed out", "mode", mode.String(), "timeout", timeout)
		m.contended(path, agent, mode, m.now().Sub(start), ReasonTimeout)
		return false, nil
	}

	baseline, haveBaseline := "", false
	if exclusive && !(hadHold && prev.Mode == filelock.Exclusive) {
		baseline, haveBaseline = m.baseline(path)
	}

	fresh := false
	_, err = m.store.Upsert(path, func(r *metadata.FileRecord) (metadata.Change, error) {
		already := r.HeldBy(agent) && (r.State == metadata.LockedWrite || !exclusive)
		var terr error
		if exclusive {
			terr = r.AcquireWrite(agent)
		} else {
			terr = r.AcquireRead(agent)
		}
		if terr != nil {
			return metadata.Change{}, terr
		}
		if haveBaseline && !already {
			r.Checksum = baseline
		}
		if already {
			return metadata.Change{}, nil
		}
		fresh = true
		return metadata.Change{
			Agent:   agent,
			Action:  audit.ActionAcquired,
			Details: map[string]string{"mode": mode.String()},
		}, nil
	})
	if err != nil {
		m.undoFlock(path, agent, prev, hadHold)
		switch {
		case errors.Is(err, errors.ErrConflict):
			m.contended(path, agent, mode, m.now().Sub(start), ReasonConflict)
			return false, errors.NewLockError("acquire refused", errors.ErrConflict).WithPath(path).WithAgent(agent).WithSeverity(errors.SeverityWarning)
		case errors.Is(err, errors.ErrIllegalTransition):
			log.Warn("acquire refused by recorded state", "error", err)
			m.contended(path, agent, mode, m.now().Sub(start), ReasonRefused)
			return false, nil
		default:
			return false, errors.NewLockError("record acquire", err).WithPath(path).WithAgent(agent)
		}
	}

	m.store.TouchAgent(agent, path, true)
	if fresh {
		waited := m.now().Sub(start)
		log.Debug("lock acquired", "mode", mode.String(), "waited", waited)
		m.publish(event.NewLockAcquiredEvent(path, agent, exclusive, waited))
	}
	return true, nil
}

// baseline checksums the current content so a later foreign change is
// recognizable. A missing or unreadable file yields no baseline change.
func (m *Manager) baseline(path string) (string, bool) {
	sum, err := metadata.ChecksumFile(filepath.Join(m.root, filepath.FromSlash(path)))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to checksum on acquire", "path", path, "error", err)
			return "", false
		}
		return "", true
	}
	return sum, true
}

func (m *Manager) undoFlock(path, agent string, prev filelock.Handle, hadHold bool) {
	var err error
	switch {
	case !hadHold:
		_, err = m.table.Release(path, agent)
	case prev.Mode == filelock.Shared:
		err = m.table.Downgrade(path, agent)
	}
	if err != nil && !errors.Is(err, filelock.ErrNotHeld) {
		m.logger.Warn("failed to undo flock", "path", path, "agent", agent, "error", err)
	}
}

func (m *Manager) dropLostReadHold(path, agent string) {
	_, err := m.store.Upsert(path, func(r *metadata.FileRecord) (metadata.Change, error) {
		if !r.HeldBy(agent) {
			return metadata.Change{}, nil
		}
		if err := r.Release(agent); err != nil {
			return metadata.Change{}, err
		}
		return metadata.Change{Agent: agent, Action: audit.ActionReleased, Details: map[string]string{"reason": ReasonLost}}, nil
	})
	if err != nil {
		m.logger.Warn("failed to drop lost read hold", "path", path, "agent", agent, "error", err)
	}
	m.store.TouchAgent(agent, path, false)
}

// Release drops agent's lock on path. Releasing a path the agent does not
// hold is logged and ignored.
func (m *Manager) Release(path, agent string) error {
	log := m.logger.WithAgent(agent).WithPath(path)

	handle, tableHeld := m.table.Holds(path, agent)
	rec, ok := m.store.Get(path)
	storeHeld := ok && rec.HeldBy(agent)
	if !tableHeld && !storeHeld {
		log.Warn("release by non-holder ignored")
		return nil
	}

	var errs []error
	if storeHeld {
		m.verifyContent(path, agent)
		_, err := m.store.Upsert(path, func(r *metadata.FileRecord) (metadata.Change, error) {
			if err := r.Release(agent); err != nil {
				return metadata.Change{}, err
			}
			return metadata.Change{Agent: agent, Action: audit.ActionReleased}, nil
		})
		if err != nil && !errors.Is(err, errors.ErrNotHolder) {
			errs = append(errs, err)
		}
	}

	if tableHeld {
		if _, err := m.table.Release(path, agent); err != nil && !errors.Is(err, filelock.ErrNotHeld) {
			errs = append(errs, err)
		}
	}
	m.store.TouchAgent(agent, path, false)

	var held time.Duration
	if tableHeld {
		held = m.now().Sub(handle.Since)
	}
	m.publish(event.NewLockReleasedEvent(path, agent, held))

	if err := errors.Join(errs...); err != nil {
		return errors.NewLockError("release failed", err).WithPath(path).WithAgent(agent)
	}
	return nil
}

// Downgrade turns agent's exclusive lock on path back into a shared one
// without letting another writer in between. A path that went into
// Conflict stays there; only the flock is downgraded.
func (m *Manager) Downgrade(path, agent string) error {
	handle, held := m.table.Holds(path, agent)
	if !held || handle.Mode != filelock.Exclusive {
		return errors.NewLockError("downgrade refused", errors.ErrNotHolder).WithPath(path).WithAgent(agent)
	}

	m.verifyContent(path, agent)
	_, err := m.store.Upsert(path, func(r *metadata.FileRecord) (metadata.Change, error) {
		if r.State == metadata.Conflict {
			return metadata.Change{}, nil
		}
		if err := r.DowngradeWrite(agent); err != nil {
			return metadata.Change{}, err
		}
		return metadata.Change{
			Agent:   agent,
			Action:  audit.ActionReleased,
			Details: map[string]string{"mode": filelock.Exclusive.String(), "kept": filelock.Shared.String()},
		}, nil
	})
	if err != nil {
		return errors.NewLockError("record downgrade", err).WithPath(path).WithAgent(agent)
	}
	if err := m.table.Downgrade(path, agent); err != nil {
		// The shared hold is gone too; the agent may acquire again.
		return errors.NewLockError("flock downgrade failed", err).WithPath(path).WithAgent(agent).WithRetryable(errors.Is(err, filelock.ErrLockLost))
	}
	m.logger.WithAgent(agent).WithPath(path).Debug("lock downgraded")
	return nil
}

// verifyContent flags Conflict when a write-locked path holds content the
// holder did not write. The watcher usually gets there first, but an edit
// still inside its debounce window would otherwise be missed once the
// holder lets go.
func (m *Manager) verifyContent(path, agent string) {
	if rec, ok := m.store.Get(path); !ok || rec.State != metadata.LockedWrite || rec.LockedBy != agent {
		return
	}

	abs := filepath.Join(m.root, filepath.FromSlash(path))
	var expected, observed string
	conflicted := false
	_, err := m.store.Upsert(path, func(r *metadata.FileRecord) (metadata.Change, error) {
		if r.State != metadata.LockedWrite || r.LockedBy != agent {
			return metadata.Change{}, nil
		}
		// Missing or unreadable content is left to the watcher, which
		// does not treat removals as conflicts either.
		sum, err := metadata.ChecksumFile(abs)
		if err != nil || !r.Foreign(sum) {
			return metadata.Change{}, nil
		}
		expected, observed = r.Checksum, sum
		r.ObserveChange(sum, m.now())
		conflicted = true
		return metadata.Change{
			Action: audit.ActionConflict,
			Details: map[string]string{
				"holder":   agent,
				"expected": expected,
				"observed": observed,
			},
		}, nil
	})
	if err != nil {
		m.logger.Error("failed to verify content", "path", path, "agent", agent, "error", err)
		return
	}
	if conflicted {
		m.logger.Warn("conflict detected on release", "path", path, "holder", agent,
			"expected", expected, "observed", observed)
		m.publish(event.NewConflictDetectedEvent(path, agent, expected, observed))
	}
}

// HeldBy returns the flocks agent currently holds through this Manager.
func (m *Manager) HeldBy(agent string) []filelock.Handle {
	return m.table.HeldBy(agent)
}

// ReleaseAll releases every lock held through this Manager.
func (m *Manager) ReleaseAll() error {
	var errs []error
	for _, h := range m.table.All() {
		if err := m.Release(h.Path, h.Agent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) contended(path, agent string, mode filelock.Mode, waited time.Duration, reason string) {
	m.publish(event.NewLockContendedEvent(path, agent, mode == filelock.Exclusive, waited, reason))
}

func (m *Manager) publish(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
