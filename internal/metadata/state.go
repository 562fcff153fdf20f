package metadata

import "fmt"

// State is the coordination state of a tracked path. The zero value is
// not a valid state.
type State uint8

const (
	// Available means no agent holds the path.
	Available State = iota + 1
	// LockedRead means one or more agents hold shared locks.
	LockedRead
	// LockedWrite means exactly one agent holds the exclusive lock.
	LockedWrite
	// Modified means a mediated write completed; it acquires like Available.
	Modified
	// Conflict means content changed under a write lock without the
	// holder writing it. Nothing moves a path out of Conflict.
	Conflict
)

var stateNames = map[State]string{
	Available:   "available",
	LockedRead:  "locked_read",
	LockedWrite: "locked_write",
	Modified:    "modified",
	Conflict:    "conflict",
}

// States returns every valid state in declaration order.
func States() []State {
	return []State{Available, LockedRead, LockedWrite, Modified, Conflict}
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the five states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Locked reports whether some agent currently holds the path.
func (s State) Locked() bool {
	return s == LockedRead || s == LockedWrite
}

// Unlocked reports whether the path can be acquired by anyone.
func (s State) Unlocked() bool {
	return s == Available || s == Modified
}

// ParseState converts a state name back into a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown file state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid file state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
