// Package metrics exposes lock, conflict and snapshot activity as
// Prometheus metrics.
//
// Metrics are fed from the event bus, so no coordination component
// depends on Prometheus. Each Metrics value owns its own registry;
// several workspaces in one process (or one test binary) never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/agentspace/internal/event"
)

const namespace = "agentspace"

// waitBuckets cover lock waits from instant grants to multi-second
// timeouts.
var waitBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the collectors for one workspace.
type Metrics struct {
	registry *prometheus.Registry

	// LocksAcquired counts granted locks. Labels: mode (shared, exclusive)
	LocksAcquired *prometheus.CounterVec

	// LocksContended counts acquires that gave up.
	// Labels: mode, reason (held, timeout, conflict, refused, lost)
	LocksContended *prometheus.CounterVec

	// LockWaitSeconds measures time spent waiting in Acquire.
	// Labels: mode, outcome (acquired, contended)
	LockWaitSeconds *prometheus.HistogramVec

	// LockHeldSeconds measures how long locks were held before release.
	LockHeldSeconds prometheus.Histogram

	// Conflicts counts paths that entered the conflict state.
	Conflicts prometheus.Counter

	// Transitions counts committed state changes. Labels: action, to
	Transitions *prometheus.CounterVec

	// SnapshotsSaved counts snapshots written.
	SnapshotsSaved prometheus.Counter

	// SnapshotDurationSeconds measures encode plus save time.
	SnapshotDurationSeconds prometheus.Histogram

	// SnapshotBytes is the size of the latest snapshot.
	SnapshotBytes prometheus.Gauge

	// SnapshotFiles is the record count of the latest snapshot.
	SnapshotFiles prometheus.Gauge

	// RestoredFiles counts records restored or dropped at startup.
	// Labels: result (restored, dropped)
	RestoredFiles *prometheus.GaugeVec

	bus   *event.Bus
	subID string
}

// New creates Metrics with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LocksAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of locks granted by mode",
		}, []string{"mode"}),
		LocksContended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contended_total",
			Help:      "Total number of acquires that did not obtain the lock, by mode and reason",
		}, []string{"mode", "reason"}),
		LockWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent inside acquire, by mode and outcome",
			Buckets:   waitBuckets,
		}, []string{"mode", "outcome"}),
		LockHeldSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "held_seconds",
			Help:      "Time locks were held before release",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "conflicts_total",
			Help:      "Total number of paths that entered the conflict state",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "transitions_total",
			Help:      "Committed file state changes by audit action and resulting state",
		}, []string{"action", "to"}),
		SnapshotsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "saved_total",
			Help:      "Total number of snapshots written",
		}),
		SnapshotDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Time to encode and persist a snapshot",
			Buckets:   prometheus.DefBuckets,
		}),
		SnapshotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "bytes",
			Help:      "Size of the most recent snapshot",
		}),
		SnapshotFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "files",
			Help:      "Records in the most recent snapshot",
		}),
		RestoredFiles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "restored_files",
			Help:      "Records restored or dropped at startup",
		}, []string{"result"}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackFiles registers a gauge reporting the number of tracked files in
// each state, computed by count at scrape time.
func (m *Metrics) TrackFiles(states []string, count func() map[string]int) {
	for _, state := range states {
		state := state
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "file",
			Name:        "tracked",
			Help:        "Tracked files by coordination state",
			ConstLabels: prometheus.Labels{"state": state},
		}, func() float64 {
			return float64(count()[state])
		}))
	}
}

// Attach subscribes to every event on bus. Calling Attach again moves
// the subscription to the new bus.
func (m *Metrics) Attach(bus *event.Bus) {
	m.Detach()
	m.bus = bus
	m.subID = bus.SubscribeAll(m.Observe)
}

// Detach removes the bus subscription, if any.
func (m *Metrics) Detach() {
	if m.bus != nil {
		m.bus.Unsubscribe(m.subID)
		m.bus = nil
		m.subID = ""
	}
}

// Observe records a single event.
func (m *Metrics) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.LockAcquiredEvent:
		m.LocksAcquired.WithLabelValues(modeLabel(ev.Exclusive)).Inc()
		m.LockWaitSeconds.WithLabelValues(modeLabel(ev.Exclusive), "acquired").Observe(ev.Waited.Seconds())
	case event.LockContendedEvent:
		m.LocksContended.WithLabelValues(modeLabel(ev.Exclusive), ev.Reason).Inc()
		m.LockWaitSeconds.WithLabelValues(modeLabel(ev.Exclusive), "contended").Observe(ev.Waited.Seconds())
	case event.LockReleasedEvent:
		m.LockHeldSeconds.Observe(ev.Held.Seconds())
	case event.ConflictDetectedEvent:
		m.Conflicts.Inc()
	case event.FileStateChangedEvent:
		m.Transitions.WithLabelValues(ev.Action, ev.To).Inc()
	case event.SnapshotSavedEvent:
		m.SnapshotsSaved.Inc()
		m.SnapshotDurationSeconds.Observe(ev.Duration.Seconds())
		m.SnapshotBytes.Set(float64(ev.Bytes))
		m.SnapshotFiles.Set(float64(ev.Files))
	case event.SnapshotRestoredEvent:
		m.RestoredFiles.WithLabelValues("restored").Set(float64(ev.Restored))
		m.RestoredFiles.WithLabelValues("dropped").Set(float64(ev.Dropped))
	}
}

func modeLabel(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}
