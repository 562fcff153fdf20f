// Package conflict watches the workspace for content changes that bypass
// the write path.
//
// Every Write or Create under the workspace root is debounced, hashed and
// applied to the path's FileRecord. Content that changes under a write
// lock without matching the holder's baseline or in-flight write moves
// the record to Conflict. Paths with no record are adopted as Available.
package conflict

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metadata"
)

// Defaults for a Watcher.
const (
	DefaultDebounce  = 50 * time.Millisecond
	DefaultQueueSize = 1024

	// maxDelayFactor bounds how long a steady stream of events can keep
	// resetting the debounce timer, as a multiple of the debounce.
	maxDelayFactor = 10
)

// internalIgnores are the workspace's own bookkeeping files.
var internalIgnores = []string{
	".locks",
	".locks/**",
	"logs/**",
	"history/**",
	".workspace_state*",
	".git",
	".git/**",
	"**.agentspace-tmp-*",
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBus publishes conflict events to bus.
func WithBus(bus *event.Bus) Option {
	return func(w *Watcher) {
		w.bus = bus
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long the watcher waits for a burst of events on
// a path to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithIgnore adds glob patterns, matched against slash-separated
// workspace-relative paths, whose changes are never tracked.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.patterns = append(w.patterns, patterns...)
	}
}

// WithQueueSize sets the capacity of the work queue between the event
// loop and the worker.
func WithQueueSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithClock overrides the time source for observed modification times.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// Watcher feeds filesystem changes into the metadata store.
type Watcher struct {
	root      string
	store     *metadata.Store
	bus       *event.Bus
	logger    *logging.Logger
	now       func() time.Time
	debounce  time.Duration
	queueSize int
	patterns  []string
	ignore    []glob.Glob

	fsw   *fsnotify.Watcher
	queue chan string

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Watcher for the workspace at root. It does not watch
// anything until Start is called.
func New(root string, store *metadata.Store, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		root:      root,
		store:     store,
		logger:    logging.NopLogger(),
		now:       time.Now,
		debounce:  DefaultDebounce,
		queueSize: DefaultQueueSize,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("watcher")

	for _, p := range append(slices.Clone(internalIgnores), w.patterns...) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.NewValidationError("invalid ignore pattern").
				WithField("watcher.ignore").WithValue(p).WithCause(err)
		}
		w.ignore = append(w.ignore, g)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewWorkspaceError("failed to create filesystem watcher", err).WithOp("watch")
	}
	w.fsw = fsw
	w.queue = make(chan string, w.queueSize)
	return w, nil
}

// Start subscribes to the workspace tree and begins processing events.
// Calling Start more than once has no further effect.
func (w *Watcher) Start() error {
	var err error
	w.startOnce.Do(func() {
		if err = w.fsw.Add(w.root); err != nil {
			err = errors.NewWorkspaceError("failed to watch workspace root", err).
				WithOp("watch").WithPath(w.root)
			return
		}
		w.watchDirRecursive(w.root, false)

		w.wg.Add(2)
		go w.watchLoop()
		go w.worker()
		w.logger.Info("watcher started", "root", w.root, "debounce", w.debounce.String())
	})
	return err
}

// Stop stops watching and waits for in-flight work to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
		w.wg.Wait()
		w.logger.Info("watcher stopped")
	})
}

// Ignored reports whether changes to the workspace-relative path rel are
// never tracked.
func (w *Watcher) Ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range w.ignore {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func (w *Watcher) ignoredDir(rel string) bool {
	return w.Ignored(rel) || w.Ignored(rel+"/")
}

// watchDirRecursive adds dir and every directory below it to the
// watcher. With enqueueFiles set, files already present are queued too;
// they may have been written before the directory was watched.
func (w *Watcher) watchDirRecursive(dir string, enqueueFiles bool) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := w.rel(path)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if rel != "." && w.ignoredDir(rel) {
				return filepath.SkipDir
			}
			if path != w.root {
				if err := w.fsw.Add(path); err != nil {
					w.logger.Warn("failed to watch directory", "path", rel, "error", err)
				}
			}
			return nil
		}

		if enqueueFiles && !w.Ignored(rel) {
			w.enqueue(rel)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// watchLoop collects filesystem events and hands settled paths to the
// worker.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Debounce events; editors and atomic renames produce several per save.
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	pending := make(map[string]struct{})
	var firstPending time.Time

	for {
		select {
		case <-w.stopCh:
			debounceTimer.Stop()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rel, err := w.rel(ev.Name)
			if err != nil || rel == "." {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !w.ignoredDir(rel) {
						if err := w.fsw.Add(ev.Name); err != nil {
							w.logger.Warn("failed to watch directory", "path", rel, "error", err)
						}
						w.watchDirRecursive(ev.Name, true)
					}
					continue
				}
			}
			if w.Ignored(rel) {
				continue
			}

			now := time.Now()
			if len(pending) == 0 {
				firstPending = now
			}
			pending[rel] = struct{}{}
			if now.Sub(firstPending) < maxDelayFactor*w.debounce {
				debounceTimer.Reset(w.debounce)
			}

		case <-debounceTimer.C:
			for rel := range pending {
				if !w.enqueue(rel) {
					return
				}
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// An overflowed kernel queue loses events; keep going with the
			// ones that still arrive.
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// enqueue blocks until the worker has room for rel or the watcher stops.
func (w *Watcher) enqueue(rel string) bool {
	select {
	case w.queue <- rel:
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *Watcher) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case rel := <-w.queue:
			w.handle(rel)
		}
	}
}

// handle applies the current content of rel to its record.
func (w *Watcher) handle(rel string) {
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		// Gone again before we got to it.
		return
	}
	sum, err := metadata.ChecksumFile(abs)
	if err != nil {
		w.logger.Debug("skipping unreadable file", "path", rel, "error", err)
		return
	}

	var (
		conflicted bool
		holder     string
		expected   string
	)
	at := w.now()
	_, err = w.store.Upsert(rel, func(r *metadata.FileRecord) (metadata.Change, error) {
		if r.IsNew() {
			r.ObserveChange(sum, at)
			return metadata.Change{
				Action:  audit.ActionCreated,
				Details: map[string]string{"checksum": sum, "size": strconv.FormatInt(info.Size(), 10)},
			}, nil
		}
		holder, expected = r.LockedBy, r.Checksum
		if !r.ObserveChange(sum, at) {
			return metadata.Change{}, nil
		}
		conflicted = true
		return metadata.Change{
			Action: audit.ActionConflict,
			Details: map[string]string{
				"holder":   holder,
				"expected": expected,
				"observed": sum,
			},
		}, nil
	})
	if err != nil {
		w.logger.Error("failed to apply change", "path", rel, "error", err)
		return
	}

	if conflicted {
		w.logger.Warn("conflict detected", "path", rel, "holder", holder,
			"expected", expected, "observed", sum)
		if w.bus != nil {
			w.bus.Publish(event.NewConflictDetectedEvent(rel, holder, expected, sum))
		}
	}
}
