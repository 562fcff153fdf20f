package metadata

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
)

// FileRecord is the coordination metadata for one workspace path.
// Records handed out by the Store are copies.
type FileRecord struct {
	// Path is the canonical workspace-relative path, slash separated.
	Path  string
	State State
	// LockedBy is the writer, or the earliest remaining reader.
	LockedBy string
	// Readers lists shared holders in acquisition order.
	Readers      []string
	LastModified time.Time
	// Checksum is the BLAKE3 hex digest of the expected content. While
	// LockedWrite it is the holder's baseline or registered write.
	Checksum string
	// ExpectedChecksum is the digest of a mediated write in flight. The
	// watcher accepts it alongside Checksum until the write registers.
	ExpectedChecksum string
	// WriteRegistered is set once the current writer registers a write,
	// so release lands in Modified instead of Available.
	WriteRegistered bool
	// History holds the most recent events, oldest first.
	History []audit.Event

	created bool
}

// IsNew reports whether this Upsert is creating the record.
func (r *FileRecord) IsNew() bool {
	return r.created
}

// Clone returns a deep copy of r.
func (r FileRecord) Clone() FileRecord {
	r.Readers = slices.Clone(r.Readers)
	if r.History != nil {
		history := make([]audit.Event, len(r.History))
		for i, e := range r.History {
			history[i] = e.Clone()
		}
		r.History = history
	}
	return r
}

// HeldBy reports whether agent holds the path in any mode.
func (r *FileRecord) HeldBy(agent string) bool {
	switch r.State {
	case LockedWrite:
		return r.LockedBy == agent
	case LockedRead:
		return slices.Contains(r.Readers, agent)
	case Conflict:
		return r.LockedBy == agent || slices.Contains(r.Readers, agent)
	}
	return false
}

// Validate checks the record's internal consistency.
func (r *FileRecord) Validate() error {
	if !r.State.Valid() {
		return fmt.Errorf("%w: %s has invalid state %d", errors.ErrIllegalTransition, r.Path, uint8(r.State))
	}
	switch r.State {
	case Available, Modified:
		if r.LockedBy != "" || len(r.Readers) > 0 {
			return fmt.Errorf("%w: %s is %s but held by %q", errors.ErrIllegalTransition, r.Path, r.State, r.LockedBy)
		}
	case LockedWrite:
		if r.LockedBy == "" || len(r.Readers) > 0 {
			return fmt.Errorf("%w: %s is locked_write without a single writer", errors.ErrIllegalTransition, r.Path)
		}
	case LockedRead:
		if len(r.Readers) == 0 || r.LockedBy != r.Readers[0] {
			return fmt.Errorf("%w: %s is locked_read with inconsistent readers", errors.ErrIllegalTransition, r.Path)
		}
	}
	return nil
}

func (r *FileRecord) illegal(op, agent string) error {
	err := fmt.Errorf("%w: %s by %q on %s path %s", errors.ErrIllegalTransition, op, agent, r.State, r.Path)
	if r.State == Conflict {
		return errors.Join(err, errors.ErrConflict)
	}
	return err
}

// AcquireWrite moves the record to LockedWrite for agent. The holder
// asking again is a no-op; the sole reader upgrades.
func (r *FileRecord) AcquireWrite(agent string) error {
	switch r.State {
	case Available, Modified:
	case LockedRead:
		if len(r.Readers) != 1 || r.Readers[0] != agent {
			return r.illegal("acquire write", agent)
		}
	case LockedWrite:
		if r.LockedBy == agent {
			return nil
		}
		return r.illegal("acquire write", agent)
	default:
		return r.illegal("acquire write", agent)
	}

	r.State = LockedWrite
	r.LockedBy = agent
	r.Readers = nil
	r.WriteRegistered = false
	r.ExpectedChecksum = ""
	return nil
}

// AcquireRead adds agent as a shared holder. Asking for shared while
// holding exclusive is a no-op.
func (r *FileRecord) AcquireRead(agent string) error {
	switch r.State {
	case Available, Modified:
		r.State = LockedRead
		r.LockedBy = agent
		r.Readers = []string{agent}
		return nil
	case LockedRead:
		if !slices.Contains(r.Readers, agent) {
			r.Readers = append(r.Readers, agent)
		}
		return nil
	case LockedWrite:
		if r.LockedBy == agent {
			return nil
		}
	}
	return r.illegal("acquire read", agent)
}

// Release drops agent's hold. A writer who registered a write leaves the
// record Modified; otherwise the last holder leaves it Available. A
// Conflict record keeps its state and only forgets the holder.
func (r *FileRecord) Release(agent string) error {
	if !r.HeldBy(agent) {
		return fmt.Errorf("%w: %q on %s", errors.ErrNotHolder, agent, r.Path)
	}

	switch r.State {
	case LockedWrite:
		r.State = Available
		if r.WriteRegistered {
			r.State = Modified
		}
		r.LockedBy = ""
		r.WriteRegistered = false
		r.ExpectedChecksum = ""
	case LockedRead:
		r.Readers = slices.DeleteFunc(r.Readers, func(a string) bool { return a == agent })
		if len(r.Readers) == 0 {
			r.State = Available
			r.LockedBy = ""
			r.Readers = nil
		} else {
			r.LockedBy = r.Readers[0]
		}
	case Conflict:
		r.LockedBy = ""
		r.Readers = nil
		r.WriteRegistered = false
		r.ExpectedChecksum = ""
	}
	return nil
}

// DowngradeWrite turns agent's exclusive hold back into a shared one, with
// agent as the only reader.
func (r *FileRecord) DowngradeWrite(agent string) error {
	if r.State != LockedWrite || r.LockedBy != agent {
		return r.illegal("downgrade", agent)
	}
	r.State = LockedRead
	r.Readers = []string{agent}
	r.WriteRegistered = false
	r.ExpectedChecksum = ""
	return nil
}

// Foreign reports whether checksum is content the write-lock holder is
// not known to have produced: neither the baseline nor its in-flight
// write. It is always false outside LockedWrite.
func (r *FileRecord) Foreign(checksum string) bool {
	return r.State == LockedWrite && checksum != r.Checksum && checksum != r.ExpectedChecksum
}

// ExpectWrite records the checksum the holder is about to write, before
// any bytes hit the disk, so the watcher recognizes the holder's own
// write while it is in flight.
func (r *FileRecord) ExpectWrite(agent, checksum string) error {
	if r.State != LockedWrite || r.LockedBy != agent {
		return r.illegal("expect write", agent)
	}
	r.ExpectedChecksum = checksum
	return nil
}

// AbandonWrite forgets an in-flight write that failed. On a Conflict
// record it only clears the expectation.
func (r *FileRecord) AbandonWrite(agent string) error {
	if r.LockedBy != agent || (r.State != LockedWrite && r.State != Conflict) {
		return r.illegal("abandon write", agent)
	}
	r.ExpectedChecksum = ""
	return nil
}

// RegisterWrite records a completed mediated write by the holder. On a
// Conflict record the content fields are updated but the state stays.
func (r *FileRecord) RegisterWrite(agent, checksum string, at time.Time) error {
	switch {
	case r.State == LockedWrite && r.LockedBy == agent:
		r.WriteRegistered = true
	case r.State == Conflict && r.LockedBy == agent:
	default:
		return r.illegal("register write", agent)
	}
	r.Checksum = checksum
	r.ExpectedChecksum = ""
	r.LastModified = at
	return nil
}

// ObserveChange applies a content change seen by the watcher. It reports
// whether the change put the record into Conflict: content under a write
// lock that matches neither the baseline nor the holder's in-flight write.
func (r *FileRecord) ObserveChange(checksum string, at time.Time) bool {
	r.LastModified = at
	switch r.State {
	case LockedWrite:
		switch checksum {
		case r.Checksum:
		case r.ExpectedChecksum:
			r.Checksum = checksum
		default:
			r.State = Conflict
			return true
		}
	case Conflict:
	default:
		r.Checksum = checksum
	}
	return false
}

func (r *FileRecord) appendHistory(e audit.Event, limit int) {
	r.History = append(r.History, e)
	if limit > 0 && len(r.History) > limit {
		r.History = slices.Clone(r.History[len(r.History)-limit:])
	}
}

// TruncateHistory keeps only the newest n history entries.
func (r *FileRecord) TruncateHistory(n int) {
	if n < 0 {
		n = 0
	}
	if len(r.History) > n {
		r.History = slices.Clone(r.History[len(r.History)-n:])
	}
}
