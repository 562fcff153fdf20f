package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Mutex is a flock held through a single open file description.
// A zero Mode means the Mutex holds nothing and has no open file.
type Mutex struct {
	path string

	mu   sync.Mutex
	file *os.File
	mode Mode
}

// NewMutex returns an unlocked Mutex for the lock file at path. The file
// is created on first use.
func NewMutex(path string) *Mutex {
	return &Mutex{path: path}
}

// Path returns the lock file path.
func (m *Mutex) Path() string {
	return m.path
}

// Mode returns the currently held mode.
func (m *Mutex) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// TryLock attempts to take or convert the lock without blocking.
func (m *Mutex) TryLock(mode Mode) (bool, error) {
	if _, err := flockOp(mode); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == mode {
		return true, nil
	}

	if m.file == nil {
		return m.tryFresh(mode)
	}
	return m.tryConvert(mode)
}

func (m *Mutex) tryFresh(mode Mode) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	ok, err := TryLockFile(f, mode)
	if err != nil || !ok {
		_ = f.Close()
		return false, err
	}

	m.file = f
	m.mode = mode
	return true, nil
}

func (m *Mutex) tryConvert(mode Mode) (bool, error) {
	ok, err := TryLockFile(m.file, mode)
	if err == nil && ok {
		m.mode = mode
		return true, nil
	}

	// The kernel dropped the old lock before failing; take it back.
	restored, rerr := TryLockFile(m.file, m.mode)
	if rerr != nil || !restored {
		_ = m.file.Close()
		m.file = nil
		m.mode = Unlocked
		if err != nil {
			return false, err
		}
		return false, ErrLockLost
	}
	return false, err
}

// Lock takes or converts the lock, retrying every interval until ctx is
// done. A final attempt is made at the deadline. The returned error wraps
// ctx.Err() when the lock could not be obtained in time.
func (m *Mutex) Lock(ctx context.Context, mode Mode, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow()

	for {
		ok, err := m.TryLock(mode)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("acquire %s lock: %w", mode, ctx.Err())
		}
		if err := limiter.Wait(ctx); err != nil {
			// Wait refuses early when the next token falls past the
			// deadline; sleep out the remainder and try once more.
			<-ctx.Done()
			if ok, err := m.TryLock(mode); err != nil || ok {
				return err
			}
			return fmt.Errorf("acquire %s lock: %w", mode, ctx.Err())
		}
	}
}

// Unlock drops the lock and closes the lock file. Unlocking an unlocked
// Mutex is a no-op.
func (m *Mutex) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}

	err := UnlockFile(m.file)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	m.file = nil
	m.mode = Unlocked
	return err
}
