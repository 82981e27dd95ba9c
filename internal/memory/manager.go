// ============================================================================
// taskengine Memory Manager
// ============================================================================
//
// Package: internal/memory
// Purpose: Own the micro-job object pool and the task registry's weak-ref
//          table, gate new work behind a memory ceiling, and periodically
//          reclaim finished entries
//
// The cleanup loop is one ticker-driven goroutine, stopped via a
// stopCh/WaitGroup pair rather than a context.
// ============================================================================

package memory

import (
	"sync"
	"time"

	"taskengine/internal/logger"
	"taskengine/internal/microjob"
	"taskengine/internal/objectpool"
	"taskengine/internal/task"
	"taskengine/pkg/types"
)

// Config controls ceiling gating and cleanup cadence.
type Config struct {
	// LimitBytes is the soft ceiling on system memory this manager will
	// tolerate committing new work under. Zero disables gating.
	LimitBytes uint64
	// LimitPercent, if nonzero, is an alternative ceiling expressed as a
	// fraction (0-100) of total system memory; it is resolved to a byte
	// ceiling on every Stats/CanAllocate call, against the total memory the
	// probe reports at that moment.
	LimitPercent float64
	// HysteresisPoints is the gap (in percentage points) between the
	// point at which allocation is refused and the point at which it
	// resumes, preventing refuse/allow flapping at the boundary.
	HysteresisPoints float64
	// CleanupInterval is how often the registry sweep runs. Defaults to
	// 5 seconds.
	CleanupInterval time.Duration
	// PoolMax bounds the micro-job object pool; zero is unbounded.
	PoolMax int
}

func (c Config) withDefaults() Config {
	if c.HysteresisPoints <= 0 {
		c.HysteresisPoints = 5
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5000 * time.Millisecond
	}
	return c
}

// Manager owns the micro-job pool and the task registry's lifecycle,
// and answers whether new work may be admitted.
type Manager struct {
	cfg      Config
	probe    systemProbe
	pool     *objectpool.Pool[microjob.MicroJob]
	registry *task.Registry

	mu       sync.Mutex
	refusing bool // current side of the hysteresis band

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager. registry is the task table whose finished entries
// get swept on each cleanup tick.
func New(cfg Config, registry *task.Registry) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		probe:    detectProbe(),
		registry: registry,
		stopCh:   make(chan struct{}),
	}
	m.pool = objectpool.New(cfg.PoolMax,
		func() *microjob.MicroJob { return &microjob.MicroJob{} },
		func(j *microjob.MicroJob) { j.Reset() },
	)
	return m
}

// Pool returns the micro-job object pool this manager owns.
func (m *Manager) Pool() *objectpool.Pool[microjob.MicroJob] { return m.pool }

// RegisterTask creates a task record for id, serialized under the
// manager's own lock alongside the cleanup sweep so registration and
// eviction never interleave with each other in ways that could register
// and immediately sweep the same id.
func (m *Manager) RegisterTask(id types.TaskID) *task.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Register(id)
}

// MarkForCleanup flags id as eligible for reclamation once it finishes,
// without requiring an awaiter to observe its result first — the
// mark_for_cleanup operation, for completions delivered by callback
// (a CompletionSink, a batch progress callback) that no later Await call
// will ever follow up on.
func (m *Manager) MarkForCleanup(id types.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.MarkForCleanup(id)
}

// UnregisterTask drops id's record immediately, regardless of its state —
// the explicit unregister_task escape hatch from the record-lifetime
// invariant.
func (m *Manager) UnregisterTask(id types.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.Unregister(id)
}

// SetLimitPercent replaces the configured percentage ceiling, taking effect
// on the next Stats/CanAllocate call. It is a no-op on a manager configured
// with an explicit absolute LimitBytes, since that always takes priority in
// resolveLimitLocked — an adaptive retune narrows the percentage knob, it does
// not override an operator-set absolute ceiling.
func (m *Manager) SetLimitPercent(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.LimitBytes > 0 {
		return
	}
	m.cfg.LimitPercent = pct
}

// SetPoolMax adjusts the micro-job pool's upper bound live, the pool-sizing
// half of the adaptive configurator's {pool_initial, pool_max} proposal
// (pool_initial has no live counterpart: objectpool.Pool allocates lazily on
// first Acquire rather than pre-warming a fixed number of objects, so there
// is nothing to "set" for it at runtime beyond the max ceiling).
func (m *Manager) SetPoolMax(max int) {
	m.pool.SetMax(max)
}

// Start launches the periodic cleanup ticker.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupLoop()
}

// Stop halts the cleanup ticker and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	log := logger.With("component", "memory")

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			gen := m.registry.AdvanceGeneration()
			removed := 0
			if gen > 1 {
				removed = m.registry.SweepFinishedBefore(gen - 1)
			}
			m.mu.Unlock()
			if removed > 0 {
				log.Debug("swept finished task records", "removed", removed, "generation", gen)
			}
		}
	}
}

// Stats is the point-in-time memory picture read by CanAllocate and
// exposed through the facade's snapshot.
type Stats struct {
	AvailableBytes uint64
	TotalBytes     uint64
	LimitBytes     uint64
	UsedPercent    float64
}

// Stats reads the current system memory picture through the configured
// probe, without applying hysteresis.
func (m *Manager) Stats() Stats {
	available, total, err := m.probe.probe()
	if err != nil {
		logger.With("component", "memory").Warn("memory probe failed", "error", err)
		return Stats{}
	}
	m.mu.Lock()
	limit := m.resolveLimitLocked(total)
	m.mu.Unlock()
	var usedPercent float64
	if total > 0 {
		usedPercent = 100 * (1 - float64(available)/float64(total))
	}
	return Stats{AvailableBytes: available, TotalBytes: total, LimitBytes: limit, UsedPercent: usedPercent}
}

// resolveLimitLocked reads cfg's limit fields; callers must hold m.mu, since
// SetLimitPercent mutates LimitPercent concurrently with Stats/CanAllocate.
func (m *Manager) resolveLimitLocked(total uint64) uint64 {
	if m.cfg.LimitBytes > 0 {
		return m.cfg.LimitBytes
	}
	if m.cfg.LimitPercent > 0 && total > 0 {
		return uint64(float64(total) * m.cfg.LimitPercent / 100)
	}
	return 0
}

// CanAllocate reports whether the manager currently permits new work to be
// admitted, applying a hysteresis band around the configured ceiling so
// the decision does not flap for workloads sitting right at the boundary.
func (m *Manager) CanAllocate() bool {
	stats := m.Stats()
	if stats.LimitBytes == 0 || stats.TotalBytes == 0 {
		return true
	}

	limitPercent := 100 * float64(stats.LimitBytes) / float64(stats.TotalBytes)

	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := limitPercent
	if m.refusing {
		threshold = limitPercent - m.cfg.HysteresisPoints
		if threshold < 0 {
			threshold = 0
		}
	}

	if stats.UsedPercent >= threshold {
		m.refusing = true
		return false
	}
	m.refusing = false
	return true
}
