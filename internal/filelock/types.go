package filelock

import (
	"errors"
	"time"

	"github.com/Iron-Ham/agentspace/internal/logging"
)

// Sentinel errors returned by lock operations.
var (
	// ErrNotHeld is returned when releasing a lock the agent does not hold.
	ErrNotHeld = errors.New("lock not held by agent")

	// ErrLockLost is returned when a failed shared-to-exclusive conversion
	// could not restore the original shared lock.
	ErrLockLost = errors.New("shared lock lost during failed upgrade")

	// ErrInvalidMode is returned for a Mode other than Shared or Exclusive.
	ErrInvalidMode = errors.New("invalid lock mode")
)

// Mode is the flock mode of a held lock.
type Mode int

const (
	// Unlocked is the zero Mode.
	Unlocked Mode = iota
	// Shared allows any number of concurrent shared holders.
	Shared
	// Exclusive excludes every other holder.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Unlocked:
		return "unlocked"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "invalid"
	}
}

// Covers reports whether holding m satisfies a request for want.
// Exclusive covers Shared.
func (m Mode) Covers(want Mode) bool {
	return m == want || (m == Exclusive && want == Shared)
}

// Handle describes a lock held in a Table.
type Handle struct {
	Path  string
	Agent string
	Mode  Mode
	Since time.Time
}

// DefaultPollInterval is the retry interval used while waiting on a
// contended lock when no interval is configured.
const DefaultPollInterval = 100 * time.Millisecond

// Option configures a Table.
type Option func(*Table)

// WithPollInterval sets how often a blocked Acquire retries the flock.
func WithPollInterval(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the time source used for Handle.Since.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}
