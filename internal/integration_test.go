// Package internal contains integration tests that verify the workspace
// packages work together: the HTTP surface over the coordinator, the
// change watcher feeding conflicts back to agents, and state surviving
// a restart.
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/metadata"
	"github.com/Iron-Ham/agentspace/internal/metrics"
	"github.com/Iron-Ham/agentspace/internal/server"
	"github.com/Iron-Ham/agentspace/internal/testutil"
	"github.com/Iron-Ham/agentspace/internal/workspace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type client struct {
	t    *testing.T
	base string
}

func (c client) post(path string, body any) (int, map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		c.t.Fatal(err)
	}
	resp, err := http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		c.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (c client) get(path string) (int, []byte) {
	c.t.Helper()
	resp, err := http.Get(c.base + path)
	if err != nil {
		c.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	return resp.StatusCode, body
}

func startServer(t *testing.T, ws *workspace.Manager, opts ...server.Option) client {
	t.Helper()
	ts := httptest.NewServer(server.New(ws, opts...).Handler())
	t.Cleanup(ts.Close)
	return client{t: t, base: ts.URL}
}

// TestTwoAgentsOverHTTP runs the basic handoff through the HTTP API: one
// agent holds a file, the other is turned away until it is released.
func TestTwoAgentsOverHTTP(t *testing.T) {
	cfg := testutil.Config(t)
	ws, err := workspace.Open(cfg)
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	defer ws.Close()
	c := startServer(t, ws)

	if status, _ := c.post("/v1/acquire", map[string]any{"path": "shared/plan.md", "agent": "planner", "exclusive": true}); status != http.StatusOK {
		t.Fatalf("planner acquire = %d", status)
	}
	if status, body := c.post("/v1/write", map[string]any{"path": "shared/plan.md", "agent": "coder", "content": "mine"}); status != http.StatusLocked {
		t.Errorf("coder write while held = %d %v, want 423", status, body)
	}
	if status, _ := c.post("/v1/write", map[string]any{"path": "shared/plan.md", "agent": "planner", "content": "1. build it"}); status != http.StatusOK {
		t.Fatalf("planner write = %d", status)
	}
	if status, _ := c.post("/v1/release", map[string]any{"path": "shared/plan.md", "agent": "planner"}); status != http.StatusOK {
		t.Fatalf("planner release = %d", status)
	}

	status, body := c.get("/v1/read?path=shared/plan.md&agent=coder")
	if status != http.StatusOK || string(body) != "1. build it" {
		t.Errorf("coder read = %d %q", status, body)
	}
	if got := testutil.ReadFile(t, ws.Root(), "shared/plan.md"); got != "1. build it" {
		t.Errorf("file on disk = %q", got)
	}

	status, body = c.get("/v1/agents/coder/view")
	if status != http.StatusOK {
		t.Fatalf("coder view = %d", status)
	}
	var view workspace.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	if view.AgentDir == "" || len(view.LockedFiles) != 0 || len(view.SharedFiles) != 1 {
		t.Errorf("view = %+v", view)
	}
}

// TestExternalEditSurfacesAsConflict edits a held file behind the lock
// protocol and checks the conflict is visible to every agent.
func TestExternalEditSurfacesAsConflict(t *testing.T) {
	cfg := testutil.Config(t)
	cfg.Watcher.Enabled = true
	testutil.WriteFile(t, cfg.Workspace.Root, "tasks/t1.md", "todo")

	bus := event.NewBus(nil)
	conflicts := make(chan event.ConflictDetectedEvent, 1)
	bus.Subscribe(event.TypeConflictDetected, func(e event.Event) {
		select {
		case conflicts <- e.(event.ConflictDetectedEvent):
		default:
		}
	})

	mt := metrics.New()
	ws, err := workspace.Open(cfg, workspace.WithBus(bus), workspace.WithMetrics(mt))
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	defer ws.Close()
	c := startServer(t, ws, server.WithMetrics(mt))

	if status, _ := c.post("/v1/acquire", map[string]any{"path": "tasks/t1.md", "agent": "coder", "exclusive": true}); status != http.StatusOK {
		t.Fatalf("acquire = %d", status)
	}

	testutil.WriteFile(t, ws.Root(), "tasks/t1.md", "edited by hand")

	select {
	case e := <-conflicts:
		if e.Path != "tasks/t1.md" || e.Holder != "coder" {
			t.Errorf("conflict event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no conflict detected")
	}

	_, body := c.get("/v1/files?state=conflict")
	var files []map[string]any
	if err := json.Unmarshal(body, &files); err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0]["path"] != "tasks/t1.md" {
		t.Errorf("conflicted files = %v", files)
	}

	if status, _ := c.post("/v1/write", map[string]any{"path": "tasks/t1.md", "agent": "reviewer", "content": "x"}); status != http.StatusConflict {
		t.Errorf("write to a conflicted path = %d, want 409", status)
	}

	_, body = c.get("/metrics")
	if !bytes.Contains(body, []byte("agentspace_file_conflicts_total 1")) {
		t.Error("conflict not counted in metrics")
	}
}

// TestStateSurvivesRestart closes a workspace and reopens it from the
// snapshot written on close.
func TestStateSurvivesRestart(t *testing.T) {
	cfg := testutil.Config(t)
	ctx := context.Background()

	ws, err := workspace.Open(cfg)
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	if ok, err := ws.Write(ctx, "findings/report.md", []byte("42"), "researcher", true); err != nil || !ok {
		t.Fatalf("Write() = %v, %v", ok, err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	bus := event.NewBus(nil)
	var restored []event.SnapshotRestoredEvent
	bus.Subscribe(event.TypeSnapshotRestored, func(e event.Event) {
		restored = append(restored, e.(event.SnapshotRestoredEvent))
	})
	ws, err = workspace.Open(cfg, workspace.WithBus(bus))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer ws.Close()

	if len(restored) != 1 || restored[0].Restored != 1 {
		t.Errorf("restore events = %+v", restored)
	}
	rec, ok, err := ws.File("findings/report.md")
	if err != nil || !ok {
		t.Fatalf("File() = %v, %v", ok, err)
	}
	if rec.State != metadata.Modified || rec.Checksum != metadata.Checksum([]byte("42")) {
		t.Errorf("restored record = %+v", rec)
	}
	if len(rec.History) == 0 {
		t.Error("restored record lost its history")
	}
}

// TestEventBusWildcardSubscription checks that a SubscribeAll handler sees
// every event a mediated write produces, the way the metrics collector
// consumes them.
func TestEventBusWildcardSubscription(t *testing.T) {
	bus := event.NewBus(nil)
	var mu sync.Mutex
	var types []string
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		types = append(types, e.EventType())
		mu.Unlock()
	})

	ws, err := workspace.Open(testutil.Config(t), workspace.WithBus(bus))
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	defer ws.Close()

	if ok, err := ws.Write(context.Background(), "notes.md", []byte("hi"), "A", false); err != nil || !ok {
		t.Fatalf("Write() = %v, %v", ok, err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []string{event.TypeLockAcquired, event.TypeFileStateChanged, event.TypeLockReleased} {
		if !slices.Contains(types, want) {
			t.Errorf("events %v missing %s", types, want)
		}
	}
}

// TestConcurrentAgents has several agents append to one shared file
// through the coordinator; no update may be lost.
func TestConcurrentAgents(t *testing.T) {
	ws, err := workspace.Open(testutil.Config(t))
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	defer ws.Close()
	ctx := context.Background()

	const agents, rounds = 4, 5
	var wg sync.WaitGroup
	for i := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			for range rounds {
				for {
					ok, err := ws.Acquire(ctx, "shared/log.md", agent, true, time.Second)
					if err != nil {
						t.Errorf("Acquire() error = %v", err)
						return
					}
					if ok {
						break
					}
					time.Sleep(time.Millisecond)
				}
				content, _, err := ws.Read(ctx, "shared/log.md", agent)
				if err != nil && !errors.Is(err, &errors.NotFoundError{}) {
					t.Errorf("Read() error = %v", err)
				}
				if _, err := ws.Write(ctx, "shared/log.md", append(content, agent[0]), agent, false); err != nil {
					t.Errorf("Write() error = %v", err)
				}
				if err := ws.Release("shared/log.md", agent); err != nil {
					t.Errorf("Release() error = %v", err)
				}
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if got := len(testutil.ReadFile(t, ws.Root(), "shared/log.md")); got != agents*rounds {
		t.Errorf("file has %d entries, want %d", got, agents*rounds)
	}
}
