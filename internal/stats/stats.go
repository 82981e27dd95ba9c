// ============================================================================
// taskengine Stats Collector
// ============================================================================
//
// Package: internal/stats
// Purpose: Lock-free lifecycle counters plus Prometheus export
//
// Task-lifecycle counters plus derived rates: average execution time and
// success rate are computed at snapshot time rather than stored directly,
// so they always reflect the full history without incremental drift.
// ============================================================================

package stats

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerState tracks one worker's busy/idle time for utilization reporting.
type WorkerState struct {
	mu          sync.Mutex
	busyNanos   int64
	lastSwitch  time.Time
	busy        bool
}

// Collector accumulates engine-wide counters and exposes them both as a
// plain Snapshot and as Prometheus metrics.
type Collector struct {
	submitted uint64
	completed uint64
	failed    uint64
	cancelled uint64

	latencyMu    sync.Mutex
	latencySumNs int64
	latencyCount uint64

	workersMu sync.Mutex
	workers   []*WorkerState

	startedAt time.Time

	promSubmitted prometheus.Counter
	promCompleted prometheus.Counter
	promFailed    prometheus.Counter
	promCancelled prometheus.Counter
	promLatency   prometheus.Histogram
	promQueued    prometheus.Gauge
	promRunning   prometheus.Gauge
}

// New creates a Collector and registers its Prometheus metrics against reg.
// Passing prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// lets multiple engines coexist in one process without a MustRegister panic.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		startedAt: time.Now(),
		promSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskengine_tasks_submitted_total",
			Help: "Total number of tasks submitted to the engine",
		}),
		promCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskengine_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		promFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskengine_tasks_failed_total",
			Help: "Total number of tasks that finished with an error",
		}),
		promCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskengine_tasks_cancelled_total",
			Help: "Total number of tasks cancelled before completion",
		}),
		promLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskengine_task_duration_seconds",
			Help:    "Task execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		promQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskengine_tasks_queued",
			Help: "Current number of tasks waiting for a worker",
		}),
		promRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskengine_tasks_running",
			Help: "Current number of tasks executing on a worker",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.promSubmitted, c.promCompleted, c.promFailed,
			c.promCancelled, c.promLatency, c.promQueued, c.promRunning)
	}
	return c
}

// Handler returns an http.Handler serving this collector's registry in the
// Prometheus exposition format, leaving the caller to own the listener.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordSubmitted increments the submitted counter.
func (c *Collector) RecordSubmitted() {
	atomic.AddUint64(&c.submitted, 1)
	c.promSubmitted.Inc()
}

// RecordCompleted increments the completed counter and records latency.
func (c *Collector) RecordCompleted(latency time.Duration) {
	atomic.AddUint64(&c.completed, 1)
	c.latencyMu.Lock()
	c.latencySumNs += latency.Nanoseconds()
	c.latencyCount++
	c.latencyMu.Unlock()
	c.promCompleted.Inc()
	c.promLatency.Observe(latency.Seconds())
}

// RecordFailed increments the failed counter and records latency.
func (c *Collector) RecordFailed(latency time.Duration) {
	atomic.AddUint64(&c.failed, 1)
	c.latencyMu.Lock()
	c.latencySumNs += latency.Nanoseconds()
	c.latencyCount++
	c.latencyMu.Unlock()
	c.promFailed.Inc()
	c.promLatency.Observe(latency.Seconds())
}

// RecordCancelled increments the cancelled counter.
func (c *Collector) RecordCancelled() {
	atomic.AddUint64(&c.cancelled, 1)
	c.promCancelled.Inc()
}

// SetQueueDepth updates the queued/running gauges.
func (c *Collector) SetQueueDepth(queued, running int) {
	c.promQueued.Set(float64(queued))
	c.promRunning.Set(float64(running))
}

// RegisterWorker allocates utilization tracking for one more worker and
// returns its handle. Called by internal/workerpool when it grows.
func (c *Collector) RegisterWorker() *WorkerState {
	ws := &WorkerState{lastSwitch: time.Now()}
	c.workersMu.Lock()
	c.workers = append(c.workers, ws)
	c.workersMu.Unlock()
	return ws
}

// Forget removes all tracked workers outright, for a full pool teardown.
func (c *Collector) Forget() {
	c.workersMu.Lock()
	c.workers = nil
	c.workersMu.Unlock()
}

// RemoveWorker drops a single worker's utilization tracking, used when the
// pool shrinks by a partial count so the surviving workers' entries stay
// in Snapshot's WorkerUtilization and the removed ones stop being
// reported at all, rather than lingering with a stale frozen value.
func (c *Collector) RemoveWorker(ws *WorkerState) {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()
	for i, w := range c.workers {
		if w == ws {
			c.workers = append(c.workers[:i], c.workers[i+1:]...)
			return
		}
	}
}

// SetBusy records a worker transitioning between idle and busy, folding the
// elapsed time in the previous state into its busy-time accumulator.
func (ws *WorkerState) SetBusy(busy bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	now := time.Now()
	if ws.busy {
		ws.busyNanos += now.Sub(ws.lastSwitch).Nanoseconds()
	}
	ws.busy = busy
	ws.lastSwitch = now
}

func (ws *WorkerState) utilization(since time.Time) float64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	busy := ws.busyNanos
	if ws.busy {
		busy += time.Since(ws.lastSwitch).Nanoseconds()
	}
	wall := time.Since(since).Nanoseconds()
	if wall <= 0 {
		return 0
	}
	return float64(busy) / float64(wall)
}

// Snapshot is the plain-struct view of all counters, suitable for JSON
// encoding or direct inspection without a Prometheus scrape.
type Snapshot struct {
	Submitted         uint64
	Completed         uint64
	Failed            uint64
	Cancelled         uint64
	AverageExecMs     float64
	SuccessRate       float64
	WorkerUtilization []float64
}

// Snapshot derives the current Snapshot under a short-lived lock;
// AverageExecMs and SuccessRate are computed once at read time rather
// than maintained incrementally.
func (c *Collector) Snapshot() Snapshot {
	submitted := atomic.LoadUint64(&c.submitted)
	completed := atomic.LoadUint64(&c.completed)
	failed := atomic.LoadUint64(&c.failed)
	cancelled := atomic.LoadUint64(&c.cancelled)

	c.latencyMu.Lock()
	sumNs, count := c.latencySumNs, c.latencyCount
	c.latencyMu.Unlock()

	var avgMs float64
	if count > 0 {
		avgMs = float64(sumNs) / float64(count) / float64(time.Millisecond)
	}

	var successRate float64
	if finished := completed + failed; finished > 0 {
		successRate = float64(completed) / float64(finished)
	}

	c.workersMu.Lock()
	util := make([]float64, len(c.workers))
	for i, ws := range c.workers {
		util[i] = ws.utilization(c.startedAt)
	}
	c.workersMu.Unlock()

	return Snapshot{
		Submitted:         submitted,
		Completed:         completed,
		Failed:            failed,
		Cancelled:         cancelled,
		AverageExecMs:     avgMs,
		SuccessRate:       successRate,
		WorkerUtilization: util,
	}
}
