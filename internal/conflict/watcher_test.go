package conflict

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/filelock"
	"github.com/Iron-Ham/agentspace/internal/locking"
	"github.com/Iron-Ham/agentspace/internal/metadata"
	"github.com/Iron-Ham/agentspace/internal/testutil"
)

const testDebounce = 20 * time.Millisecond

func startWatcher(t *testing.T, root string, store *metadata.Store, opts ...Option) *Watcher {
	t.Helper()
	opts = append([]Option{WithDebounce(testDebounce)}, opts...)
	w, err := New(root, store, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

// waitFor polls the store until cond holds for path.
func waitFor(t *testing.T, store *metadata.Store, path string, cond func(metadata.FileRecord) bool) metadata.FileRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := store.Get(path); ok && cond(rec) {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := store.Get(path)
	t.Fatalf("condition not met for %s, record = %+v", path, rec)
	return rec
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), metadata.NewStore())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Calling Stop() multiple times should not panic
	w.Stop()
	w.Stop()
}

func TestWatcher_StartMissingRoot(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing"), metadata.NewStore())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err == nil {
		t.Fatal("Start() on a missing root should fail")
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(t.TempDir(), metadata.NewStore(), WithIgnore("[unclosed"))
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New() error = %v, want invalid input", err)
	}
}

func TestWatcher_Ignored(t *testing.T) {
	w, err := New(t.TempDir(), metadata.NewStore(), WithIgnore("*.swp", "scratch/**"))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	tests := []struct {
		path string
		want bool
	}{
		{".locks/notes.md.lock", true},
		{"logs/events_20261019.jsonl", true},
		{"history/notes.md.20261019T100000.000000Z", true},
		{".workspace_state", true},
		{".workspace_state.tmp-123", true},
		{".git/HEAD", true},
		{"shared/.notes.md.agentspace-tmp-42", true},
		{"notes.swp", true},
		{"scratch/a/b.txt", true},
		{"notes.md", false},
		{"shared/notes.swp.md", false},
		{"tasks/t1.md", false},
		{"logsbook.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := w.Ignored(tt.path); got != tt.want {
				t.Errorf("Ignored(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWatcher_AdoptsUntrackedFile(t *testing.T) {
	root := t.TempDir()
	store := metadata.NewStore()
	startWatcher(t, root, store)

	testutil.WriteFile(t, root, "notes.md", "hello")

	rec := waitFor(t, store, "notes.md", func(r metadata.FileRecord) bool {
		return r.Checksum == metadata.Checksum([]byte("hello"))
	})
	if rec.State != metadata.Available {
		t.Errorf("State = %s, want available", rec.State)
	}
	if len(rec.History) == 0 || rec.History[0].Action != audit.ActionCreated {
		t.Errorf("History = %+v, want a created event first", rec.History)
	}
}

func TestWatcher_TracksNewDirectories(t *testing.T) {
	root := t.TempDir()
	store := metadata.NewStore()
	startWatcher(t, root, store)

	testutil.WriteFile(t, root, "findings/deep/report.md", "r1")

	waitFor(t, store, "findings/deep/report.md", func(r metadata.FileRecord) bool {
		return r.Checksum == metadata.Checksum([]byte("r1"))
	})

	// The nested directory is now watched directly.
	testutil.WriteFile(t, root, "findings/deep/report.md", "r2")
	waitFor(t, store, "findings/deep/report.md", func(r metadata.FileRecord) bool {
		return r.Checksum == metadata.Checksum([]byte("r2"))
	})
}

func TestWatcher_SkipsInternalFiles(t *testing.T) {
	root := t.TempDir()
	store := metadata.NewStore()
	startWatcher(t, root, store)

	testutil.WriteFile(t, root, ".locks/x.lock", "")
	testutil.WriteFile(t, root, "history/x.20261019T100000.000000Z", "old")
	testutil.WriteFile(t, root, "visible.md", "v")

	waitFor(t, store, "visible.md", func(metadata.FileRecord) bool { return true })
	for _, rec := range store.List() {
		if rec.Path != "visible.md" {
			t.Errorf("unexpected record for %s", rec.Path)
		}
	}
}

func newLockManager(t *testing.T, root string, store *metadata.Store) *locking.Manager {
	t.Helper()
	table, err := filelock.NewTable(filepath.Join(root, ".locks"), filelock.WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	t.Cleanup(func() { _ = table.Close() })
	return locking.NewManager(root, store, table)
}

func TestWatcher_ExternalModificationConflicts(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "notes.md", "original")

	store := metadata.NewStore()
	bus := event.NewBus(nil)
	conflicts := make(chan event.ConflictDetectedEvent, 1)
	bus.Subscribe(event.TypeConflictDetected, func(e event.Event) {
		conflicts <- e.(event.ConflictDetectedEvent)
	})
	startWatcher(t, root, store, WithBus(bus))
	manager := newLockManager(t, root, store)

	ok, err := manager.Acquire(context.Background(), "notes.md", "A", true, time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	// Someone edits the file without going through the write path.
	testutil.WriteFile(t, root, "notes.md", "tampered")

	rec := waitFor(t, store, "notes.md", func(r metadata.FileRecord) bool {
		return r.State == metadata.Conflict
	})
	last := rec.History[len(rec.History)-1]
	if last.Action != audit.ActionConflict || last.Details["holder"] != "A" {
		t.Errorf("last event = %+v, want conflict held by A", last)
	}
	if last.Details["observed"] != metadata.Checksum([]byte("tampered")) {
		t.Errorf("observed = %q", last.Details["observed"])
	}

	select {
	case e := <-conflicts:
		if e.Path != "notes.md" || e.Holder != "A" || e.Expected != metadata.Checksum([]byte("original")) {
			t.Errorf("conflict event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no conflict event published")
	}

	// Conflict outlives the holder.
	if err := manager.Release("notes.md", "A"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if rec, _ := store.Get("notes.md"); rec.State != metadata.Conflict {
		t.Errorf("State after release = %s, want conflict", rec.State)
	}
	ok, err = manager.Acquire(context.Background(), "notes.md", "B", true, 50*time.Millisecond)
	if ok || !errors.Is(err, errors.ErrConflict) {
		t.Errorf("Acquire() on conflicted path = %v, %v", ok, err)
	}
}

func TestWatcher_HolderWriteInFlight(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "plan.md", "v1")

	store := metadata.NewStore()
	startWatcher(t, root, store)
	manager := newLockManager(t, root, store)

	ok, err := manager.Acquire(context.Background(), "plan.md", "A", true, time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	sum := metadata.Checksum([]byte("v2"))
	if _, err := store.Upsert("plan.md", func(r *metadata.FileRecord) (metadata.Change, error) {
		return metadata.Change{}, r.ExpectWrite("A", sum)
	}); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, root, "plan.md", "v2")

	rec := waitFor(t, store, "plan.md", func(r metadata.FileRecord) bool { return r.Checksum == sum })
	if rec.State != metadata.LockedWrite {
		t.Errorf("State = %s, want locked_write", rec.State)
	}
}
