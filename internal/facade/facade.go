// ============================================================================
// taskengine Public Facade
// ============================================================================
//
// Package: internal/facade
// Purpose: The engine's single coordinating entry point — configure, run,
//          run_all, batch, shutdown
//
// The engine's coordinator-of-everything shape and lifecycle state
// machine, with no persistence or recovery machinery: crash recovery and
// distributed execution are out of scope, so submission goes straight to
// internal/workerpool, in-process.
// ============================================================================

package facade

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskengine/internal/adaptive"
	"taskengine/internal/logger"
	"taskengine/internal/memory"
	"taskengine/internal/microjob"
	"taskengine/internal/stats"
	"taskengine/internal/task"
	"taskengine/internal/workerpool"
	"taskengine/pkg/types"
)

// Lifecycle is the engine's coarse-grained state.
type Lifecycle string

const (
	LazyInit     Lifecycle = "lazy_init"
	Running      Lifecycle = "running"
	ShuttingDown Lifecycle = "shutting_down"
	Terminated   Lifecycle = "terminated"
)

// Options configures an Engine at construction or via Configure. The zero
// value is a sane default: workers sized to the host, no memory ceiling.
type Options struct {
	WorkerCount      int
	WorkloadProfile  adaptive.Profile
	MemoryLimitBytes uint64
	MemoryLimitText  string // parsed with internal/memory.ParseSize if set
	CleanupInterval  time.Duration
	PoolMax          int
	DefaultTimeout   time.Duration

	// BackpressurePolicy is one of "reject" (default), "buffer", or
	// "drop-oldest", applied once the pending queue reaches
	// BackpressureBufferSize.
	BackpressurePolicy     string
	BackpressureBufferSize int

	// Sink, if set, receives every Run/RunWithTimeout completion on the
	// engine's completion-dispatcher goroutine instead of requiring the
	// caller to poll AwaitOne. Nil means no external host loop: callers use
	// AwaitOne directly.
	Sink CompletionSink
}

// Engine is the engine's explicitly-constructed coordinator. There is no
// hidden package-level singleton: callers that want one use Default()
// below, but New is the primary API.
type Engine struct {
	mu        sync.Mutex
	lifecycle Lifecycle

	opts Options

	registry *task.Registry
	memMgr   *memory.Manager
	statsC   *stats.Collector
	pool     *workerpool.Pool
	adapt    *adaptive.Configurator
}

// New constructs an Engine in the lazy_init state; it does no work until
// the first Run/Configure call.
func New(opts Options) *Engine {
	return &Engine{lifecycle: LazyInit, opts: opts}
}

var (
	defaultMu  sync.Mutex
	defaultEng *Engine
)

// Default returns a process-wide lazily-constructed Engine with default
// Options, for callers that don't need an explicit instance. It is a thin
// convenience wrapper, not a required entry point.
func Default() *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEng == nil {
		defaultEng = New(Options{})
	}
	return defaultEng
}

// Configure applies opts, performing first-time initialization if the
// engine is still lazy_init, or resizing the live worker pool if it is
// already running. It does not compute or apply an adaptive proposal, even
// when opts.WorkloadProfile is set; only Optimize does that.
func (e *Engine) Configure(opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lifecycle == Terminated || e.lifecycle == ShuttingDown {
		return types.NewError(types.ErrInvalidInput, "engine is shutting down or terminated", nil)
	}

	if opts.MemoryLimitText != "" {
		parsed, err := memory.ParseSize(opts.MemoryLimitText)
		if err != nil {
			return types.NewError(types.ErrInvalidInput, "invalid memory limit", err)
		}
		opts.MemoryLimitBytes = parsed
	}
	e.opts = opts

	if e.lifecycle == LazyInit {
		e.registry = task.NewRegistry()
		e.statsC = stats.New(prometheus.NewRegistry())
		e.memMgr = memory.New(memory.Config{
			LimitBytes:      opts.MemoryLimitBytes,
			CleanupInterval: opts.CleanupInterval,
			PoolMax:         opts.PoolMax,
		}, e.registry)
		e.memMgr.Start()

		e.pool = workerpool.New(opts.WorkerCount, workerpool.Config{
			BackpressurePolicy: opts.BackpressurePolicy,
			BufferSize:         opts.BackpressureBufferSize,
		}, e.registry, e.memMgr, e.statsC)
		e.adapt = adaptive.New(adaptive.ProbeSystem(e.memMgr.Stats().TotalBytes))
		e.lifecycle = Running
		logger.With("component", "facade").Info("engine started", "workers", e.pool.WorkerCount())
		return nil
	}

	if opts.WorkerCount > 0 {
		e.pool.SetWorkerCount(opts.WorkerCount)
	}
	return nil
}

func (e *Engine) ensureRunning() error {
	e.mu.Lock()
	lifecycle := e.lifecycle
	e.mu.Unlock()
	switch lifecycle {
	case Running:
		return nil
	case LazyInit:
		return e.Configure(e.opts)
	default:
		return types.NewError(types.ErrInvalidInput, "engine is not accepting work", nil)
	}
}

// Optimize feeds the engine's current snapshot into the adaptive
// configurator and applies the resulting proposal immediately: worker
// count and poll interval to the live pool, memory limit percent and pool
// max to the memory manager, and the default timeout to the options read by
// the next Run/RunAll/Batch call.
func (e *Engine) Optimize() adaptive.Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle != Running {
		return adaptive.Proposal{}
	}

	snap := e.pool.Snapshot()
	memStats := e.memMgr.Stats()
	e.adapt.Observe(adaptive.Snapshot{
		CPUPercent:       snap.SuccessRate * 100, // proxy: no direct CPU sampler in this engine
		MemPercent:       memStats.UsedPercent,
		ThroughputPerSec: float64(snap.CompletedTasks),
		AvgExecMs:        snap.AverageExecMs,
	})

	proposal := e.adapt.Propose(e.opts.WorkloadProfile)
	e.pool.SetWorkerCount(proposal.WorkerCount)
	e.pool.SetPollInterval(time.Duration(proposal.PollIntervalMs) * time.Millisecond)
	e.memMgr.SetLimitPercent(proposal.MemoryLimitPercent)
	e.memMgr.SetPoolMax(proposal.PoolMax)
	if proposal.DefaultTimeoutMs > 0 {
		e.opts.DefaultTimeout = time.Duration(proposal.DefaultTimeoutMs) * time.Millisecond
	}
	logger.With("component", "facade").Info("adaptive retune applied",
		"profile", proposal.Profile, "workers", proposal.WorkerCount,
		"batch_size", proposal.BatchSize, "poll_interval_ms", proposal.PollIntervalMs,
		"memory_limit_percent", proposal.MemoryLimitPercent, "pool_max", proposal.PoolMax,
		"default_timeout_ms", proposal.DefaultTimeoutMs)
	return proposal
}

// RunFunc adapts a plain closure to microjob.Runnable for Run/RunAll/Batch.
type RunFunc = microjob.RunFunc

// CompletionSink is the capability a cooperative host event loop (a
// terminal UI's render loop, a gRPC streaming handler driving client
// updates) implements to receive completions on its own turn instead of
// the engine's completion-dispatcher goroutine. Run/RunWithTimeout call
// Deliver once per finished task when Options.Sink is set; callers with
// no host loop of their own use AwaitOne instead and never need one.
type CompletionSink interface {
	Deliver(id types.TaskID, outcome types.Outcome)
}

// Run submits one runnable and returns its task id immediately; the
// caller later uses AwaitOne to retrieve the outcome.
func (e *Engine) Run(fn microjob.Runnable) (types.TaskID, error) {
	if err := e.ensureRunning(); err != nil {
		return 0, err
	}
	var onComplete func(types.TaskID, types.Outcome)
	if e.opts.Sink != nil {
		onComplete = func(id types.TaskID, o types.Outcome) { e.opts.Sink.Deliver(id, o) }
	}
	return e.pool.Submit(fn, e.opts.DefaultTimeout, 0, onComplete)
}

// RunWithTimeout submits one runnable with an explicit advisory timeout.
func (e *Engine) RunWithTimeout(fn microjob.Runnable, timeout time.Duration) (types.TaskID, error) {
	if err := e.ensureRunning(); err != nil {
		return 0, err
	}
	var onComplete func(types.TaskID, types.Outcome)
	if e.opts.Sink != nil {
		onComplete = func(id types.TaskID, o types.Outcome) { e.opts.Sink.Deliver(id, o) }
	}
	return e.pool.Submit(fn, timeout, 0, onComplete)
}

// RunAllResult is RunAll's per-task outcome once every task has finished.
type RunAllResult struct {
	Outcomes      []types.Outcome
	FirstFailedAt int // -1 if none failed
	FailureReason string
}

// RunAll submits every runnable (all-or-nothing) and blocks until all
// finish, reporting the index and reason of the first failure if any.
func (e *Engine) RunAll(fns []microjob.Runnable) (RunAllResult, error) {
	if err := e.ensureRunning(); err != nil {
		return RunAllResult{}, err
	}
	ids, err := e.pool.SubmitAll(fns, e.opts.DefaultTimeout, 0)
	if err != nil {
		return RunAllResult{}, err
	}
	outcomes, err := e.pool.AwaitAll(ids, 0)
	if err != nil {
		return RunAllResult{}, err
	}

	result := RunAllResult{Outcomes: outcomes, FirstFailedAt: -1}
	for i, o := range outcomes {
		if !o.IsSuccess() {
			result.FirstFailedAt = i
			if o.Err() != nil {
				result.FailureReason = o.Err().Message
			}
			break
		}
	}
	return result, nil
}

// NamedTask is one entry in a Batch submission.
type NamedTask struct {
	Name string
	Fn   microjob.Runnable
}

// Batch submits named tasks and invokes progress after each one finishes,
// on the goroutine draining completions (the engine's analogue of "the
// event-loop thread" a real host shim would dispatch callbacks on).
// Completed is strictly increasing across calls for one batch.
func (e *Engine) Batch(tasks []NamedTask, progress func(types.ProgressEvent)) ([]types.BatchEntry, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}

	total := len(tasks)
	entries := make([]types.BatchEntry, total)
	var mu sync.Mutex
	completed := 0
	doneCh := make(chan struct{}, total)

	for i, t := range tasks {
		i, t := i, t
		assigned, err := e.pool.Submit(t.Fn, e.opts.DefaultTimeout, 0, func(id types.TaskID, o types.Outcome) {
			mu.Lock()
			completed++
			entries[i] = types.BatchEntry{Name: t.Name, ID: id, Outcome: o}
			event := types.ProgressEvent{Completed: completed, Total: total, Last: entries[i]}
			mu.Unlock()
			if progress != nil {
				progress(event)
			}
			doneCh <- struct{}{}
		})
		if err != nil {
			return nil, err
		}
		entries[i] = types.BatchEntry{Name: t.Name, ID: assigned}
	}

	for i := 0; i < total; i++ {
		<-doneCh
	}
	return entries, nil
}

// AwaitOne blocks for a task's outcome.
func (e *Engine) AwaitOne(taskID types.TaskID, timeout time.Duration) (types.Outcome, error) {
	return e.pool.AwaitOne(taskID, timeout)
}

// Cancel cancels a task; cancelling an already-finished task is a no-op
// that returns false.
func (e *Engine) Cancel(taskID types.TaskID) bool {
	return e.pool.Cancel(taskID)
}

// Snapshot returns the engine's externally observable state.
func (e *Engine) Snapshot() types.EngineSnapshot {
	return e.pool.Snapshot()
}

// Lifecycle reports the engine's current lifecycle state.
func (e *Engine) Lifecycle() Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle
}

// Shutdown awaits in-flight work, then releases the worker pool and memory
// manager's background goroutines. It is idempotent.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.lifecycle != Running {
		e.mu.Unlock()
		return nil
	}
	e.lifecycle = ShuttingDown
	pool := e.pool
	memMgr := e.memMgr
	e.mu.Unlock()

	pool.Shutdown()
	memMgr.Stop()

	e.mu.Lock()
	e.lifecycle = Terminated
	e.mu.Unlock()

	logger.With("component", "facade").Info("engine shut down")
	return nil
}
