package metadata

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/logging"
)

// DefaultHistoryLimit caps each record's in-memory history.
const DefaultHistoryLimit = 50

// Change describes the audit event a mutation should produce. A zero
// Change means "audit only if the state changed".
type Change struct {
	Agent   string
	Action  audit.Action
	Details map[string]string
}

// Sink receives every committed event while the per-path lock is still
// held, so events for one path arrive in commit order. A Sink must not
// call back into the Store.
type Sink interface {
	Commit(e audit.Event, before, after FileRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e audit.Event, before, after FileRecord)

// Commit calls f.
func (f SinkFunc) Commit(e audit.Event, before, after FileRecord) { f(e, before, after) }

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets the per-record history cap.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithSink sets the receiver of committed events.
func WithSink(sink Sink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type entry struct {
	mu  sync.Mutex
	rec *FileRecord // nil until the first successful Upsert
}

// Store owns every FileRecord and AgentActivity. The map lock only guards
// lookup; each path has its own critical section, so different paths
// mutate in parallel.
type Store struct {
	historyLimit int
	sink         Sink
	logger       *logging.Logger
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	activity activity
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		historyLimit: DefaultHistoryLimit,
		logger:       logging.NopLogger(),
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("store")
	s.activity.agents = make(map[string]*AgentActivity)
	s.activity.now = s.now
	return s
}

func (s *Store) lookup(path string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[path]
}

func (s *Store) lookupOrCreate(path string) *entry {
	if e := s.lookup(path); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[path]
	if e == nil {
		e = &entry{}
		s.entries[path] = e
	}
	return e
}

// Get returns a copy of the record for path.
func (s *Store) Get(path string) (FileRecord, bool) {
	e := s.lookup(path)
	if e == nil {
		return FileRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return FileRecord{}, false
	}
	return e.rec.Clone(), true
}

// List returns copies of every record sorted by path.
func (s *Store) List() []FileRecord {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	records := make([]FileRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.rec != nil {
			records = append(records, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records
}

// Len returns the number of tracked paths.
func (s *Store) Len() int {
	return len(s.List())
}

// Upsert is the only way to mutate a record. The record is created as
// Available if absent, then fn mutates a copy under the path's critical
// section. Nothing is committed if fn fails or leaves the record
// inconsistent.
//
// When the state changed, or fn returned a Change with an Action, an
// audit event is appended to the record history and handed to the sink
// before the critical section ends.
func (s *Store) Upsert(path string, fn func(*FileRecord) (Change, error)) (FileRecord, error) {
	if path == "" {
		return FileRecord{}, errors.NewValidationError("path cannot be empty").WithField("path")
	}

	e := s.lookupOrCreate(path)
	e.mu.Lock()
	defer e.mu.Unlock()

	var before FileRecord
	if e.rec != nil {
		before = e.rec.Clone()
	} else {
		before = FileRecord{Path: path, State: Available}
	}

	working := before.Clone()
	working.created = e.rec == nil
	change, err := fn(&working)
	if err != nil {
		return before, err
	}
	working.Path = path
	working.created = false
	if err := working.Validate(); err != nil {
		return before, err
	}

	if change.Action == "" && working.State != before.State {
		change.Action = impliedAction(working.State)
		s.logger.Debug("state change without explicit action",
			"path", path, "from", before.State.String(), "to", working.State.String())
	}

	if change.Action == "" {
		e.rec = &working
		return working.Clone(), nil
	}

	if !change.Action.Valid() {
		return before, fmt.Errorf("upsert %s: unknown audit action %q", path, change.Action)
	}

	ev := audit.NewEvent(s.now(), change.Agent, change.Action, path, change.Details)
	working.appendHistory(ev, s.historyLimit)
	e.rec = &working

	if s.sink != nil {
		s.sink.Commit(ev, before, working.Clone())
	}
	return working.Clone(), nil
}

// Forget drops the record for path when keep reports false for it, under
// the path's critical section. It reports whether a record was dropped.
// No audit event is produced.
func (s *Store) Forget(path string, keep func(FileRecord) bool) bool {
	e := s.lookup(path)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil || keep(e.rec.Clone()) {
		return false
	}
	e.rec = nil
	return true
}

func impliedAction(to State) audit.Action {
	switch to {
	case LockedRead, LockedWrite:
		return audit.ActionAcquired
	case Conflict:
		return audit.ActionConflict
	default:
		return audit.ActionReleased
	}
}

// Replace swaps the whole record set, used once by snapshot restore
// before any other component touches the store. Invalid records are
// skipped and reported.
func (s *Store) Replace(records []FileRecord) (skipped []string) {
	entries := make(map[string]*entry, len(records))
	for _, rec := range records {
		rec := rec.Clone()
		rec.created = false
		if rec.Path == "" {
			skipped = append(skipped, rec.Path)
			continue
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("dropping invalid record", "path", rec.Path, "error", err)
			skipped = append(skipped, rec.Path)
			continue
		}
		rec.TruncateHistory(s.historyLimit)
		entries[rec.Path] = &entry{rec: &rec}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return skipped
}
