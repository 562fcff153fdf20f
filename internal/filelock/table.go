package filelock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/agentspace/internal/logging"
)

// lockSuffix is appended to every escaped lock file name.
const lockSuffix = ".lock"

type holdKey struct {
	path  string
	agent string
}

type hold struct {
	handle Handle
	mutex  *Mutex
}

// Table tracks the flocks held by each agent on each workspace path.
// It is safe for concurrent use.
type Table struct {
	dir      string
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	holds map[holdKey]*hold
}

// NewTable creates a Table whose lock files live in dir. The directory is
// created if needed.
func NewTable(dir string, opts ...Option) (*Table, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	t := &Table{
		dir:      dir,
		interval: DefaultPollInterval,
		logger:   logging.NopLogger(),
		now:      time.Now,
		holds:    make(map[holdKey]*hold),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("filelock")
	return t, nil
}

// LockFilePath returns the lock file used for a canonical workspace path.
func (t *Table) LockFilePath(path string) string {
	return filepath.Join(t.dir, url.PathEscape(path)+lockSuffix)
}

// Acquire takes the lock on path for agent, waiting until ctx is done.
// It reports false with a nil error when ctx expires first.
//
// Requesting a mode already covered by the agent's current hold succeeds
// immediately. Requesting Exclusive while holding Shared converts the
// existing flock.
func (t *Table) Acquire(ctx context.Context, path, agent string, mode Mode) (bool, error) {
	if _, err := flockOp(mode); err != nil {
		return false, err
	}
	key := holdKey{path: path, agent: agent}

	t.mu.Lock()
	existing := t.holds[key]
	if existing != nil && existing.handle.Mode.Covers(mode) {
		t.mu.Unlock()
		return true, nil
	}
	mutex := NewMutex(t.LockFilePath(path))
	if existing != nil {
		mutex = existing.mutex
	}
	t.mu.Unlock()

	err := mutex.Lock(ctx, mode, t.interval)
	switch {
	case errors.Is(err, ErrLockLost):
		t.mu.Lock()
		if t.holds[key] == existing {
			delete(t.holds, key)
		}
		t.mu.Unlock()
		t.logger.Warn("shared lock lost during upgrade", "path", path, "agent", agent)
		return false, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return false, nil
	case err != nil:
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing != nil && t.holds[key] == existing {
		existing.handle.Mode = mode
		return true, nil
	}
	if raced := t.holds[key]; raced != nil {
		// A concurrent call for the same agent won; keep its flock.
		_ = mutex.Unlock()
		if raced.handle.Mode.Covers(mode) {
			return true, nil
		}
		return false, nil
	}
	t.holds[key] = &hold{
		handle: Handle{Path: path, Agent: agent, Mode: mode, Since: t.now()},
		mutex:  mutex,
	}
	return true, nil
}

// Downgrade converts an exclusive hold back to shared without blocking.
func (t *Table) Downgrade(path, agent string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.holds[holdKey{path: path, agent: agent}]
	if h == nil {
		return ErrNotHeld
	}
	if h.handle.Mode == Shared {
		return nil
	}
	ok, err := h.mutex.TryLock(Shared)
	if err != nil {
		return err
	}
	if !ok {
		delete(t.holds, holdKey{path: path, agent: agent})
		return ErrLockLost
	}
	h.handle.Mode = Shared
	return nil
}

// Release drops the agent's lock on path and returns the released handle.
func (t *Table) Release(path, agent string) (Handle, error) {
	key := holdKey{path: path, agent: agent}

	t.mu.Lock()
	h := t.holds[key]
	if h == nil {
		t.mu.Unlock()
		return Handle{}, ErrNotHeld
	}
	delete(t.holds, key)
	t.mu.Unlock()

	if err := h.mutex.Unlock(); err != nil {
		return h.handle, err
	}
	return h.handle, nil
}

// Holds returns the agent's handle on path, if any.
func (t *Table) Holds(path, agent string) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.holds[holdKey{path: path, agent: agent}]
	if h == nil {
		return Handle{}, false
	}
	return h.handle, true
}

// HeldBy returns every handle held by agent, sorted by path.
func (t *Table) HeldBy(agent string) []Handle {
	t.mu.Lock()
	var handles []Handle
	for key, h := range t.holds {
		if key.agent == agent {
			handles = append(handles, h.handle)
		}
	}
	t.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Path < handles[j].Path })
	return handles
}

// All returns every held handle, sorted by path then agent.
func (t *Table) All() []Handle {
	t.mu.Lock()
	handles := make([]Handle, 0, len(t.holds))
	for _, h := range t.holds {
		handles = append(handles, h.handle)
	}
	t.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		if handles[i].Path != handles[j].Path {
			return handles[i].Path < handles[j].Path
		}
		return handles[i].Agent < handles[j].Agent
	})
	return handles
}

// ReleaseAll drops every lock held by agent and returns the released paths.
func (t *Table) ReleaseAll(agent string) []string {
	var paths []string
	for _, h := range t.HeldBy(agent) {
		if _, err := t.Release(h.Path, agent); err != nil && !errors.Is(err, ErrNotHeld) {
			t.logger.Warn("failed to release lock", "path", h.Path, "agent", agent, "error", err)
		}
		paths = append(paths, h.Path)
	}
	return paths
}

// Close releases every held lock.
func (t *Table) Close() error {
	t.mu.Lock()
	holds := t.holds
	t.holds = make(map[holdKey]*hold)
	t.mu.Unlock()

	var errs []error
	for _, h := range holds {
		if err := h.mutex.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.handle.Path, err))
		}
	}
	return errors.Join(errs...)
}
