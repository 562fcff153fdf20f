package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/agentspace/internal/filelock"
	"github.com/Iron-Ham/agentspace/internal/logging"
)

const (
	partitionPrefix = "events_"
	partitionSuffix = ".jsonl"
	partitionLayout = "20060102"

	// DefaultQueryPartitions is how many day partitions Query scans.
	DefaultQueryPartitions = 3

	maxLineSize = 1 << 20
)

// PartitionName returns the partition file name for the UTC day of t.
func PartitionName(t time.Time) string {
	return partitionPrefix + t.UTC().Format(partitionLayout) + partitionSuffix
}

// PartitionDay parses the UTC day out of a partition file name.
func PartitionDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, partitionPrefix) || !strings.HasSuffix(name, partitionSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(partitionLayout, strings.TrimSuffix(strings.TrimPrefix(name, partitionPrefix), partitionSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Option configures a Log.
type Option func(*Log)

// WithQueryPartitions sets how many of the newest partitions Query scans.
func WithQueryPartitions(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.partitions = n
		}
	}
}

// WithLogger sets the logger used for skipped lines and I/O problems.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Log is the append-only audit log. The in-process mutex orders appends
// from this process; an exclusive flock on the partition orders them
// against other processes sharing the workspace.
type Log struct {
	dir        string
	partitions int
	logger     *logging.Logger

	mu sync.Mutex
}

// Open returns a Log writing partitions into dir, creating it if needed.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	l := &Log{
		dir:        dir,
		partitions: DefaultQueryPartitions,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("audit")
	return l, nil
}

// Dir returns the directory holding the partitions.
func (l *Log) Dir() string {
	return l.dir
}

// Append writes e as one JSON line to the partition for its UTC day.
func (l *Log) Append(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, PartitionName(e.Timestamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit partition: %w", err)
	}
	defer f.Close()

	if err := filelock.LockFile(f, filelock.Exclusive); err != nil {
		return fmt.Errorf("lock audit partition: %w", err)
	}
	defer func() { _ = filelock.UnlockFile(f) }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Partitions returns the partition file names in dir, newest first.
// Files that merely resemble partitions are ignored.
func (l *Log) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit partitions: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := PartitionDay(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	slices.Reverse(names)
	return names, nil
}

// Query yields events for agent (all agents when empty) newest first,
// scanning only the newest configured partitions and stopping after
// limit events (no limit when limit <= 0). Each partition is read only
// when the iteration reaches it. Corrupt lines are logged and skipped.
func (l *Log) Query(agent string, limit int) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		names, err := l.Partitions()
		if err != nil {
			l.logger.Error("audit query failed", "error", err)
			return
		}
		if len(names) > l.partitions {
			names = names[:l.partitions]
		}

		emitted := 0
		for _, name := range names {
			events, err := l.readPartition(name)
			if err != nil {
				l.logger.Error("failed to read audit partition", "partition", name, "error", err)
				continue
			}
			for i := len(events) - 1; i >= 0; i-- {
				if agent != "" && events[i].Agent != agent {
					continue
				}
				if !yield(events[i]) {
					return
				}
				emitted++
				if limit > 0 && emitted >= limit {
					return
				}
			}
		}
	}
}

// Recent collects Query(agent, limit) into a slice.
func (l *Log) Recent(agent string, limit int) []Event {
	return slices.Collect(l.Query(agent, limit))
}

func (l *Log) readPartition(name string) ([]Event, error) {
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := filelock.LockFile(f, filelock.Shared); err != nil {
		return nil, err
	}
	defer func() { _ = filelock.UnlockFile(f) }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("skipping corrupt audit line", "partition", name, "line", lineNo, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		// Keep what was readable; a torn final line should not hide the rest.
		l.logger.Warn("audit partition truncated", "partition", name, "error", err)
	}
	return events, nil
}
