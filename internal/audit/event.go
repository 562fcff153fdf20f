// Package audit records who touched which workspace path and when.
//
// Events are appended as JSON lines to day partitions named
// events_YYYYMMDD.jsonl (UTC) inside the workspace logs directory.
// Nothing in this package ever deletes a partition; retention belongs to
// external housekeeping.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names what an agent (or the watcher) did to a path.
type Action string

const (
	ActionAcquired Action = "acquired"
	ActionReleased Action = "released"
	ActionRead     Action = "read"
	ActionWrote    Action = "wrote"
	ActionCreated  Action = "created"
	ActionConflict Action = "conflict"
)

// Actions returns every valid action.
func Actions() []Action {
	return []Action{ActionAcquired, ActionReleased, ActionRead, ActionWrote, ActionCreated, ActionConflict}
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAcquired, ActionReleased, ActionRead, ActionWrote, ActionCreated, ActionConflict:
		return true
	}
	return false
}

// Event is an immutable audit record. Details holds small string
// annotations such as the lock mode or bytes written.
type Event struct {
	ID        string            `json:"id" cbor:"1,keyasint"`
	Timestamp time.Time         `json:"timestamp" cbor:"2,keyasint"`
	Agent     string            `json:"agent" cbor:"3,keyasint"`
	Action    Action            `json:"action" cbor:"4,keyasint"`
	Path      string            `json:"path" cbor:"5,keyasint"`
	Details   map[string]string `json:"details,omitempty" cbor:"6,keyasint,omitempty"`
}

// NewEvent builds an Event with a fresh ID. Details is copied.
func NewEvent(at time.Time, agent string, action Action, path string, details map[string]string) Event {
	e := Event{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		Agent:     agent,
		Action:    action,
		Path:      path,
	}
	if len(details) > 0 {
		e.Details = make(map[string]string, len(details))
		for k, v := range details {
			e.Details[k] = v
		}
	}
	return e
}

// Validate checks that the event can be appended.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("audit event has no id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("audit event %s has no timestamp", e.ID)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("audit event %s has unknown action %q", e.ID, e.Action)
	}
	if e.Path == "" {
		return fmt.Errorf("audit event %s has no path", e.ID)
	}
	return nil
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}
