package metadata

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Commit(e audit.Event, before, after FileRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) snapshot() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func acquireWrite(agent string) func(*FileRecord) (Change, error) {
	return func(r *FileRecord) (Change, error) {
		if err := r.AcquireWrite(agent); err != nil {
			return Change{}, err
		}
		return Change{Agent: agent, Action: audit.ActionAcquired, Details: map[string]string{"mode": "exclusive"}}, nil
	}
}

func release(agent string) func(*FileRecord) (Change, error) {
	return func(r *FileRecord) (Change, error) {
		if err := r.Release(agent); err != nil {
			return Change{}, err
		}
		return Change{Agent: agent, Action: audit.ActionReleased}, nil
	}
}

func TestStore_UpsertCreatesAndAudits(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink))

	rec, err := store.Upsert("tasks/t1.md", acquireWrite("A"))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if rec.State != LockedWrite || rec.LockedBy != "A" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.History) != 1 || rec.History[0].Action != audit.ActionAcquired {
		t.Errorf("history = %+v", rec.History)
	}

	events := sink.snapshot()
	if len(events) != 1 || events[0].Path != "tasks/t1.md" || events[0].Agent != "A" {
		t.Fatalf("sink events = %+v", events)
	}
	if events[0].Details["mode"] != "exclusive" {
		t.Errorf("details = %v", events[0].Details)
	}
}

func TestStore_UpsertRollsBackOnError(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink))

	if _, err := store.Upsert("x.md", release("A")); !errors.Is(err, errors.ErrNotHolder) {
		t.Fatalf("Upsert() error = %v, want ErrNotHolder", err)
	}
	if _, ok := store.Get("x.md"); ok {
		t.Error("failed create must not leave a record behind")
	}

	_, _ = store.Upsert("x.md", acquireWrite("A"))
	_, err := store.Upsert("x.md", func(r *FileRecord) (Change, error) {
		r.State = 0
		return Change{}, nil
	})
	if !errors.Is(err, errors.ErrIllegalTransition) {
		t.Errorf("invalid state should be rejected, got %v", err)
	}
	rec, _ := store.Get("x.md")
	if rec.State != LockedWrite {
		t.Errorf("state after rejected upsert = %s", rec.State)
	}
	if len(sink.snapshot()) != 1 {
		t.Errorf("rejected upserts must not emit events")
	}
}

func TestStore_ImpliedAction(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink))

	_, _ = store.Upsert("x.md", acquireWrite("A"))
	_, err := store.Upsert("x.md", func(r *FileRecord) (Change, error) {
		r.ObserveChange("foreign", time.Now())
		return Change{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	events := sink.snapshot()
	if len(events) != 2 || events[1].Action != audit.ActionConflict {
		t.Errorf("events = %+v", events)
	}

	// No state change and no explicit action: nothing audited.
	_, _ = store.Upsert("x.md", func(r *FileRecord) (Change, error) { return Change{}, nil })
	if len(sink.snapshot()) != 2 {
		t.Error("no-op upsert should not be audited")
	}
}

func TestStore_GetReturnsCopies(t *testing.T) {
	store := NewStore()
	_, _ = store.Upsert("x.md", func(r *FileRecord) (Change, error) {
		_ = r.AcquireRead("A")
		return Change{Agent: "A", Action: audit.ActionAcquired}, nil
	})

	rec, _ := store.Get("x.md")
	rec.Readers[0] = "mallory"
	rec.History[0].Agent = "mallory"

	again, _ := store.Get("x.md")
	if again.Readers[0] != "A" || again.History[0].Agent != "A" {
		t.Error("mutating a returned record changed the store")
	}
}

func TestStore_HistoryLimit(t *testing.T) {
	store := NewStore(WithHistoryLimit(4))
	for range 5 {
		_, _ = store.Upsert("x.md", acquireWrite("A"))
		_, _ = store.Upsert("x.md", release("A"))
	}
	rec, _ := store.Get("x.md")
	if len(rec.History) != 4 {
		t.Errorf("history length = %d, want 4", len(rec.History))
	}
	if rec.History[3].Action != audit.ActionReleased {
		t.Error("newest entry should be last")
	}
}

func TestStore_ConcurrentUpsertSinglePath(t *testing.T) {
	sink := &recordingSink{}
	store := NewStore(WithSink(sink), WithHistoryLimit(1000))

	var wg sync.WaitGroup
	for w := range 10 {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			for range 50 {
				rec, err := store.Upsert("hot.md", acquireWrite(agent))
				if err != nil {
					continue
				}
				if rec.LockedBy != agent {
					t.Errorf("acquire by %s returned holder %q", agent, rec.LockedBy)
				}
				if _, err := store.Upsert("hot.md", release(agent)); err != nil {
					t.Errorf("release by %s: %v", agent, err)
				}
			}
		}(fmt.Sprintf("agent-%d", w))
	}
	wg.Wait()

	rec, _ := store.Get("hot.md")
	if rec.State != Available {
		t.Errorf("final state = %s, want available", rec.State)
	}
	events := sink.snapshot()
	if len(events)%2 != 0 {
		t.Errorf("acquire/release events unpaired: %d", len(events))
	}
	// Sink order must match history order for a single path.
	for i, e := range rec.History {
		if events[i].ID != e.ID {
			t.Fatalf("history and sink order diverge at %d", i)
		}
	}
}

func TestStore_StatesAlwaysValid(t *testing.T) {
	store := NewStore()
	agents := []string{"A", "B", "C"}
	paths := []string{"a.md", "b.md"}
	rng := rand.New(rand.NewPCG(1, 2))

	for range 2000 {
		path := paths[rng.IntN(len(paths))]
		agent := agents[rng.IntN(len(agents))]
		var fn func(*FileRecord) (Change, error)
		switch rng.IntN(5) {
		case 0:
			fn = acquireWrite(agent)
		case 1:
			fn = func(r *FileRecord) (Change, error) { return Change{}, r.AcquireRead(agent) }
		case 2:
			fn = release(agent)
		case 3:
			fn = func(r *FileRecord) (Change, error) {
				return Change{}, r.RegisterWrite(agent, fmt.Sprint(rng.IntN(3)), time.Now())
			}
		case 4:
			fn = func(r *FileRecord) (Change, error) {
				r.ObserveChange(fmt.Sprint(rng.IntN(3)), time.Now())
				return Change{}, nil
			}
		}
		_, _ = store.Upsert(path, fn)

		for _, rec := range store.List() {
			if !rec.State.Valid() {
				t.Fatalf("%s reached invalid state %d", rec.Path, rec.State)
			}
			if err := rec.Validate(); err != nil {
				t.Fatalf("inconsistent record: %v", err)
			}
		}
	}
}

func TestStore_ListAndReplace(t *testing.T) {
	store := NewStore(WithHistoryLimit(3))
	_, _ = store.Upsert("b.md", acquireWrite("A"))
	_, _ = store.Upsert("a.md", acquireWrite("B"))

	list := store.List()
	if len(list) != 2 || list[0].Path != "a.md" {
		t.Fatalf("List() = %+v", list)
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d", store.Len())
	}

	history := make([]audit.Event, 6)
	for i := range history {
		history[i] = audit.Event{ID: fmt.Sprint(i)}
	}
	skipped := store.Replace([]FileRecord{
		{Path: "c.md", State: Modified, History: history},
		{Path: "bad.md", State: LockedWrite},
		{Path: "zero.md"},
	})
	if len(skipped) != 2 {
		t.Errorf("skipped = %v, want 2 invalid records", skipped)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() after Replace = %d", store.Len())
	}
	rec, _ := store.Get("c.md")
	if len(rec.History) != 3 || rec.History[0].ID != "3" {
		t.Errorf("restored history = %+v", rec.History)
	}
}

func TestStore_Forget(t *testing.T) {
	store := NewStore()
	_, _ = store.Upsert("a.md", func(*FileRecord) (Change, error) { return Change{}, nil })
	_, _ = store.Upsert("b.md", acquireWrite("A"))

	unlocked := func(r FileRecord) bool { return !r.State.Unlocked() }
	if !store.Forget("a.md", unlocked) {
		t.Error("Forget() should drop an available record")
	}
	if _, ok := store.Get("a.md"); ok {
		t.Error("forgotten record is still visible")
	}
	if store.Forget("b.md", unlocked) {
		t.Error("Forget() should keep a record the predicate keeps")
	}
	if store.Forget("never.md", unlocked) {
		t.Error("Forget() of an unknown path reported a drop")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}

	// The path can be tracked again afterwards.
	rec, err := store.Upsert("a.md", acquireWrite("B"))
	if err != nil || rec.State != LockedWrite {
		t.Errorf("Upsert() after Forget = %+v, %v", rec, err)
	}
}

func TestStore_AgentActivity(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewStore(WithClock(clock))

	store.TouchAgent("A", "b.md", true)
	store.TouchAgent("A", "a.md", true)
	store.TouchAgent("A", "a.md", true)
	store.TouchAgent("B", "x.md", true)
	store.TouchAgent("B", "x.md", false)

	a, ok := store.Agent("A")
	if !ok || len(a.CurrentFiles) != 2 || a.CurrentFiles[0] != "a.md" {
		t.Fatalf("Agent(A) = %+v", a)
	}
	if agents := store.Agents(); len(agents) != 2 || agents[0].Agent != "A" {
		t.Errorf("Agents() = %+v", agents)
	}

	now = now.Add(2 * time.Hour)
	pruned := store.PruneIdleAgents(time.Hour)
	if len(pruned) != 1 || pruned[0] != "B" {
		t.Errorf("PruneIdleAgents() = %v, want [B]", pruned)
	}
	if _, ok := store.Agent("A"); !ok {
		t.Error("agents holding files are never pruned")
	}
	if store.PruneIdleAgents(0) != nil {
		t.Error("zero ttl should prune nothing")
	}

	store.ReplaceAgents([]AgentActivity{{Agent: "C", CurrentFiles: []string{"z", "y", "z"}}})
	c, ok := store.Agent("C")
	if !ok || len(c.CurrentFiles) != 2 || c.CurrentFiles[0] != "y" {
		t.Errorf("ReplaceAgents() produced %+v", c)
	}
}

func TestChecksumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	sum, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile() error = %v", err)
	}
	if sum != Checksum([]byte("content")) {
		t.Error("ChecksumFile and Checksum disagree")
	}
	if _, err := ChecksumFile(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v", err)
	}
}
