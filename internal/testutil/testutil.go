// Package testutil provides testing utilities for agentspace tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/agentspace/internal/config"
)

// Config returns a configuration rooted in a fresh temporary directory,
// tuned for fast tests: short lock waits, no watcher and no periodic
// snapshots.
func Config(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Workspace.LockTimeoutMs = 200
	cfg.Workspace.PollIntervalMs = 10
	cfg.Snapshot.IntervalSeconds = 0
	cfg.Watcher.Enabled = false
	cfg.Watcher.DebounceMs = 20
	return cfg
}

// WriteFile writes content to the slash-separated path rel under root,
// creating parent directories. It bypasses any coordination, like an
// external editor would.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", rel, err)
	}
}

// ReadFile returns the content of the slash-separated path rel under root.
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("failed to read file %s: %v", rel, err)
	}
	return string(data)
}

// Eventually polls cond every 10ms until it returns true or timeout
// elapses, failing the test with msg in the latter case.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}
