// Package filelock provides cross-process advisory locks on workspace paths
// built on flock(2).
//
// Every canonical workspace path maps to one lock file under the
// workspace's .locks directory. The file name is the path-escaped relative
// path, so "a/b.md" and "b.md" never share a lock.
//
// # Architecture
//
// A [Mutex] owns one open file description of a lock file and holds either
// a shared or an exclusive flock on it. Because flock locks belong to the
// open file description, two Mutex values in the same process exclude each
// other exactly like two processes do.
//
// A [Table] tracks which agent holds which path, keyed by (path, agent).
// Re-acquiring a mode the agent already holds is a no-op, and a sole
// shared holder may convert to exclusive.
//
// # Basic Usage
//
//	table, err := filelock.NewTable(filepath.Join(root, ".locks"),
//	    filelock.WithPollInterval(100*time.Millisecond))
//
//	ok, err := table.Acquire(ctx, "tasks/t1.md", "claude", filelock.Exclusive)
//	if ok {
//	    defer table.Release("tasks/t1.md", "claude")
//	}
//
// # Limitations
//
// flock conversion between shared and exclusive is not atomic on Linux:
// the kernel drops the old lock before taking the new one. A failed
// upgrade tries to re-take the shared lock and reports [ErrLockLost] if
// another process got in first.
//
// Locks held by a process that exits are released by the kernel.
package filelock
