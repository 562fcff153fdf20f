package event

import "time"

// Event types published on the bus.
const (
	TypeFileStateChanged = "file.state_changed"
	TypeConflictDetected = "file.conflict"
	TypeLockAcquired     = "lock.acquired"
	TypeLockContended    = "lock.contended"
	TypeLockReleased     = "lock.released"
	TypeSnapshotSaved    = "snapshot.saved"
	TypeSnapshotRestored = "snapshot.restored"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// File Events
// -----------------------------------------------------------------------------

// FileStateChangedEvent is emitted after the store commits a state
// transition for a path. States are the lower-case state names.
type FileStateChangedEvent struct {
	baseEvent
	Path   string
	Agent  string // Empty for changes observed by the watcher
	Action string // Audit action that caused the change
	From   string
	To     string
}

// NewFileStateChangedEvent creates a FileStateChangedEvent.
func NewFileStateChangedEvent(path, agent, action, from, to string) FileStateChangedEvent {
	return FileStateChangedEvent{
		baseEvent: newBaseEvent(TypeFileStateChanged),
		Path:      path,
		Agent:     agent,
		Action:    action,
		From:      from,
		To:        to,
	}
}

// ConflictDetectedEvent is emitted when content changes under a write
// lock without matching the holder's registered write.
type ConflictDetectedEvent struct {
	baseEvent
	Path     string
	Holder   string
	Expected string // Checksum registered by the holder
	Observed string // Checksum found on disk
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(path, holder, expected, observed string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent: newBaseEvent(TypeConflictDetected),
		Path:      path,
		Holder:    holder,
		Expected:  expected,
		Observed:  observed,
	}
}

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockAcquiredEvent is emitted when an agent obtains a lock.
type LockAcquiredEvent struct {
	baseEvent
	Path      string
	Agent     string
	Exclusive bool
	Waited    time.Duration
}

// NewLockAcquiredEvent creates a LockAcquiredEvent.
func NewLockAcquiredEvent(path, agent string, exclusive bool, waited time.Duration) LockAcquiredEvent {
	return LockAcquiredEvent{
		baseEvent: newBaseEvent(TypeLockAcquired),
		Path:      path,
		Agent:     agent,
		Exclusive: exclusive,
		Waited:    waited,
	}
}

// LockContendedEvent is emitted when an acquire gives up without the lock.
type LockContendedEvent struct {
	baseEvent
	Path      string
	Agent     string
	Exclusive bool
	Waited    time.Duration
	Reason    string // "held", "timeout", "conflict" or "refused"
}

// NewLockContendedEvent creates a LockContendedEvent.
func NewLockContendedEvent(path, agent string, exclusive bool, waited time.Duration, reason string) LockContendedEvent {
	return LockContendedEvent{
		baseEvent: newBaseEvent(TypeLockContended),
		Path:      path,
		Agent:     agent,
		Exclusive: exclusive,
		Waited:    waited,
		Reason:    reason,
	}
}

// LockReleasedEvent is emitted when a holder releases a lock.
type LockReleasedEvent struct {
	baseEvent
	Path  string
	Agent string
	Held  time.Duration
}

// NewLockReleasedEvent creates a LockReleasedEvent.
func NewLockReleasedEvent(path, agent string, held time.Duration) LockReleasedEvent {
	return LockReleasedEvent{
		baseEvent: newBaseEvent(TypeLockReleased),
		Path:      path,
		Agent:     agent,
		Held:      held,
	}
}

// -----------------------------------------------------------------------------
// Snapshot Events
// -----------------------------------------------------------------------------

// SnapshotSavedEvent is emitted after a snapshot is written to disk.
type SnapshotSavedEvent struct {
	baseEvent
	Files    int
	Bytes    int
	Duration time.Duration
}

// NewSnapshotSavedEvent creates a SnapshotSavedEvent.
func NewSnapshotSavedEvent(files, bytes int, duration time.Duration) SnapshotSavedEvent {
	return SnapshotSavedEvent{
		baseEvent: newBaseEvent(TypeSnapshotSaved),
		Files:     files,
		Bytes:     bytes,
		Duration:  duration,
	}
}

// SnapshotRestoredEvent is emitted once at startup after restore.
type SnapshotRestoredEvent struct {
	baseEvent
	Restored int
	Dropped  int
}

// NewSnapshotRestoredEvent creates a SnapshotRestoredEvent.
func NewSnapshotRestoredEvent(restored, dropped int) SnapshotRestoredEvent {
	return SnapshotRestoredEvent{
		baseEvent: newBaseEvent(TypeSnapshotRestored),
		Restored:  restored,
		Dropped:   dropped,
	}
}
