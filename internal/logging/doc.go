// Package logging provides structured logging for agentspace.
//
// [Logger] wraps log/slog with a JSON handler and persistent attributes.
// The coordination engine tags entries with the component that emitted
// them and, where relevant, the agent and workspace path involved:
//
//	logger, err := logging.NewLoggerWithRotation(logDir, logging.LevelInfo, logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	lockLog := logger.WithComponent("locking").WithAgent("claude")
//	lockLog.Warn("release by non-holder ignored", "path", "tasks/t1.md")
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"release by non-holder ignored","component":"locking","agent":"claude","path":"tasks/t1.md"}
//
// [RotatingWriter] rotates the log file by size and optionally compresses
// rotated backups with zstd. Both types are safe for concurrent use.
// [LogBackups] lists the rotated files, which the cleanup command prunes
// beyond a retention limit.
//
// Logging is diagnostic only. The per-path record of who touched what
// lives in the audit log, not here.
package logging
