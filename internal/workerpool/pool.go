// ============================================================================
// taskengine Worker Pool
// ============================================================================
//
// Package: internal/workerpool
// Purpose: Goroutine pool that executes micro-jobs and publishes their
//          outcomes back onto task records
//
// One channel hands micro-jobs to workers, a single dispatcher goroutine
// serializes completions back into task records so a caller observes
// them in a well-defined order, and the micro-job is returned to its
// object pool only after that transfer completes.
// ============================================================================

package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"taskengine/internal/logger"
	"taskengine/internal/memory"
	"taskengine/internal/microjob"
	"taskengine/internal/stats"
	"taskengine/internal/task"
	"taskengine/pkg/types"
)

// Backpressure strategies governing Submit once the pending queue reaches
// its configured capacity.
const (
	BackpressureReject     = "reject"
	BackpressureBuffer     = "buffer"
	BackpressureDropOldest = "drop-oldest"
)

// Config controls the pending-queue capacity and the policy applied once
// it fills.
type Config struct {
	// BackpressurePolicy is one of BackpressureReject (default),
	// BackpressureBuffer, or BackpressureDropOldest.
	BackpressurePolicy string
	// BufferSize bounds the pending (not yet dispatched) queue. Defaults
	// to 1000.
	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.BackpressurePolicy == "" {
		c.BackpressurePolicy = BackpressureReject
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

// Pool owns a fixed or adaptively-resized set of worker goroutines pulling
// micro-jobs off one shared channel.
type Pool struct {
	mu      sync.Mutex
	workers map[int]*worker
	nextWID int

	cfg Config

	taskCh       chan *microjob.MicroJob
	completionCh chan *microjob.MicroJob

	registry *task.Registry
	memMgr   *memory.Manager
	statsC   *stats.Collector

	inFlight   map[types.TaskID]*microjob.MicroJob
	queueDepth int

	wg           sync.WaitGroup // worker goroutines only
	dispatchDone chan struct{}  // closed once dispatchCompletions returns
	closed       chan struct{}  // closed by Shutdown; taskCh itself is never closed
	stopped      bool

	pollOverride time.Duration // 0 means fall back to pollInterval()'s core-scaled default
}

type worker struct {
	id     int
	stopCh chan struct{}
	state  *stats.WorkerState
}

// New creates a Pool with the given initial worker count, wired to the
// shared registry, memory manager, and stats collector the facade owns.
func New(workerCount int, cfg Config, registry *task.Registry, memMgr *memory.Manager, statsC *stats.Collector) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:          cfg,
		workers:      make(map[int]*worker),
		taskCh:       make(chan *microjob.MicroJob, cfg.BufferSize),
		completionCh: make(chan *microjob.MicroJob, 1024),
		registry:     registry,
		memMgr:       memMgr,
		statsC:       statsC,
		inFlight:     make(map[types.TaskID]*microjob.MicroJob),
		dispatchDone: make(chan struct{}),
		closed:       make(chan struct{}),
	}
	go p.dispatchCompletions()
	p.SetWorkerCount(workerCount)
	return p
}

// SetWorkerCount resizes the pool without aborting in-flight work: new
// workers join the same task channel immediately, and workers removed by a
// shrink finish their current micro-job (if any) before exiting, since
// closing a worker's stopCh only takes effect between jobs.
func (p *Pool) SetWorkerCount(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	current := len(p.workers)
	switch {
	case n > current:
		for i := 0; i < n-current; i++ {
			p.startWorkerLocked()
		}
	case n < current:
		toStop := current - n
		for id, w := range p.workers {
			if toStop == 0 {
				break
			}
			close(w.stopCh)
			delete(p.workers, id)
			p.statsC.RemoveWorker(w.state)
			toStop--
		}
	}
}

// SetPollInterval overrides AwaitAll's polling cadence, the adaptive
// configurator's poll_interval_ms knob. d <= 0 reverts to the core-scaled
// default from pollInterval().
func (p *Pool) SetPollInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollOverride = d
}

func (p *Pool) awaitPollInterval() time.Duration {
	p.mu.Lock()
	d := p.pollOverride
	p.mu.Unlock()
	if d > 0 {
		return d
	}
	return pollInterval()
}

func (p *Pool) startWorkerLocked() {
	id := p.nextWID
	p.nextWID++
	w := &worker{id: id, stopCh: make(chan struct{}), state: p.statsC.RegisterWorker()}
	p.workers[id] = w
	p.wg.Add(1)
	go p.runWorker(w)
}

// WorkerCount reports how many workers are currently active.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-p.closed:
			return
		case job := <-p.taskCh:
			p.execute(w, job)
		}
	}
}

func (p *Pool) execute(w *worker, job *microjob.MicroJob) {
	w.state.SetBusy(true)
	defer w.state.SetBusy(false)

	job.SetState(microjob.InFlight)
	job.StartedAt = time.Now().UnixNano()
	if job.Cancelled() {
		// Cancelled while still pending: the closure is never run.
		job.CompletedAt = time.Now().UnixNano()
		job.SetState(microjob.Delivering)
		job.SetPendingOutcome(types.Failure(types.NewError(types.ErrCancelled, "task cancelled", nil)))
		p.completionCh <- job
		return
	}
	if rec, ok := p.registry.Get(job.ID); ok {
		rec.MarkRunning()
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		// Advisory only: the context is cancelled at the deadline, but a
		// closure that ignores ctx keeps running. The record is still
		// marked failed/timeout and its result discarded.
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
	}

	type execResult struct {
		value any
		err   error
	}
	resultCh := make(chan execResult, 1)
	go func() {
		value, err := job.Closure.Execute(ctx)
		resultCh <- execResult{value, err}
	}()

	var res execResult
	if job.Timeout > 0 {
		select {
		case res = <-resultCh:
		case <-ctx.Done():
			res = execResult{nil, types.NewError(types.ErrTimeout, "task timed out", ctx.Err())}
		}
	} else {
		res = <-resultCh
	}
	if cancel != nil {
		cancel()
	}

	job.CompletedAt = time.Now().UnixNano()
	job.SetState(microjob.Delivering)

	var outcome types.Outcome
	switch {
	case job.Cancelled():
		outcome = types.Failure(types.NewError(types.ErrCancelled, "task cancelled", nil))
	case res.err != nil:
		outcome = types.Failure(toEngineError(res.err))
	default:
		outcome = types.Success(res.value)
	}
	job.SetPendingOutcome(outcome)

	p.completionCh <- job
}

func toEngineError(err error) *types.EngineError {
	if ee, ok := err.(*types.EngineError); ok {
		return ee
	}
	return types.NewError(types.ErrUserError, err.Error(), err)
}

// dispatchCompletions is the single goroutine that transfers a finished
// micro-job's outcome into its task record, so a caller observes
// completions in a well-defined order, then records stats and returns
// the micro-job to its pool.
func (p *Pool) dispatchCompletions() {
	defer close(p.dispatchDone)
	log := logger.With("component", "workerpool")
	for job := range p.completionCh {
		rec, ok := p.registry.Get(job.ID)
		if !ok {
			log.Warn("completion for unknown task", "id", job.ID)
			p.releaseJob(job)
			continue
		}

		outcome := job.PendingOutcome()
		if outcome.IsSuccess() {
			rec.SetResult(outcome.Value())
		} else {
			rec.SetError(outcome.Err())
		}

		duration := job.Duration()
		switch {
		case outcome.IsSuccess():
			p.statsC.RecordCompleted(duration)
		case outcome.Err() != nil && outcome.Err().Kind == types.ErrCancelled:
			p.statsC.RecordCancelled()
		default:
			p.statsC.RecordFailed(duration)
		}

		if job.OnComplete != nil {
			job.OnComplete(job.ID, outcome)
			// A callback-delivered completion (CompletionSink, batch
			// progress) has no later AwaitOne/ResultOf call coming, so mark
			// it for cleanup now rather than leaving it unobserved forever.
			p.memMgr.MarkForCleanup(job.ID)
		}

		p.releaseJob(job)
	}
}

func (p *Pool) releaseJob(job *microjob.MicroJob) {
	p.mu.Lock()
	delete(p.inFlight, job.ID)
	p.mu.Unlock()
	job.SetState(microjob.Free)
	p.memMgr.Pool().Release(job)
}

// Submit enqueues one runnable, registering a task record for it and
// returning its id immediately. onComplete, if non-nil, is invoked by the
// completion dispatcher once the task's outcome has been published to its
// record — used by batch submission to drive progress callbacks.
func (p *Pool) Submit(runnable microjob.Runnable, timeout time.Duration, priority int, onComplete func(types.TaskID, types.Outcome)) (types.TaskID, error) {
	select {
	case <-p.closed:
		return 0, types.NewError(types.ErrInvalidInput, "worker pool is shut down", nil)
	default:
	}

	if !p.memMgr.CanAllocate() {
		return 0, types.NewError(types.ErrResourceExhausted, "memory ceiling reached", nil)
	}

	job, ok := p.memMgr.Pool().Acquire()
	if !ok {
		return 0, types.NewError(types.ErrResourceExhausted, "micro-job pool exhausted", nil)
	}

	id := p.registry.NextID()
	p.memMgr.RegisterTask(id)

	job.ID = id
	job.Closure = runnable
	job.Priority = priority
	job.Timeout = timeout
	job.SetState(microjob.Free)
	job.EnqueuedAt = time.Now().UnixNano()
	job.OnComplete = onComplete

	p.statsC.RecordSubmitted()

	p.mu.Lock()
	p.queueDepth++
	p.inFlight[id] = job
	p.mu.Unlock()

	if err := p.enqueue(job); err != nil {
		p.mu.Lock()
		p.queueDepth--
		delete(p.inFlight, id)
		p.mu.Unlock()
		job.SetState(microjob.Free)
		p.memMgr.Pool().Release(job)
		p.memMgr.UnregisterTask(id)
		return 0, err
	}

	p.mu.Lock()
	p.queueDepth--
	p.mu.Unlock()

	return id, nil
}

// enqueue places job on taskCh, applying the configured backpressure
// policy once the channel is at capacity. drop-oldest pops the single
// longest-waiting pending job itself (channel receive is FIFO, so the
// front of taskCh is exactly "oldest buffered") and marks it cancelled
// before admitting the new one; reject and buffer never touch anything
// already queued.
func (p *Pool) enqueue(job *microjob.MicroJob) error {
	select {
	case p.taskCh <- job:
		return nil
	case <-p.closed:
		return types.NewError(types.ErrInvalidInput, "worker pool is shut down", nil)
	default:
	}

	switch p.cfg.BackpressurePolicy {
	case BackpressureDropOldest:
		select {
		case oldest := <-p.taskCh:
			p.evictPending(oldest)
		default:
		}
		select {
		case p.taskCh <- job:
			return nil
		case <-p.closed:
			return types.NewError(types.ErrInvalidInput, "worker pool is shut down", nil)
		default:
			return types.NewError(types.ErrResourceExhausted, "pending queue full", nil)
		}
	case BackpressureBuffer:
		select {
		case p.taskCh <- job:
			return nil
		case <-p.closed:
			return types.NewError(types.ErrInvalidInput, "worker pool is shut down", nil)
		}
	default: // BackpressureReject
		return types.NewError(types.ErrResourceExhausted, "pending queue full, backpressure: reject", nil)
	}
}

// evictPending discards a pending micro-job that was never dispatched to a
// worker, publishing a cancelled outcome to its record the same way a
// normal completion would.
func (p *Pool) evictPending(job *microjob.MicroJob) {
	p.evictPendingWithReason(job, "evicted by backpressure: drop-oldest")
}

func (p *Pool) evictPendingWithReason(job *microjob.MicroJob, reason string) {
	job.SetState(microjob.Delivering)
	job.SetPendingOutcome(types.Failure(types.NewError(types.ErrCancelled, reason, nil)))
	p.completionCh <- job
}

// SubmitAll enqueues every runnable, or none of them. A capacity pre-check
// (memory ceiling plus object-pool headroom for the whole batch) rejects
// the batch up front in the common case; if an individual Submit still
// fails mid-loop (a concurrent submitter raced the same capacity), every
// task already admitted in this batch is cancelled and unregistered before
// returning, so a caller never observes a partially-run batch.
func (p *Pool) SubmitAll(runnables []microjob.Runnable, timeout time.Duration, priority int) ([]types.TaskID, error) {
	if !p.memMgr.CanAllocate() {
		return nil, types.NewError(types.ErrResourceExhausted, "memory ceiling reached", nil)
	}
	if remaining, unbounded := p.memMgr.Pool().Remaining(); !unbounded && remaining < len(runnables) {
		return nil, types.NewError(types.ErrResourceExhausted, "micro-job pool has insufficient headroom for the whole batch", nil)
	}

	ids := make([]types.TaskID, 0, len(runnables))
	for _, r := range runnables {
		id, err := p.Submit(r, timeout, priority, nil)
		if err != nil {
			for _, admitted := range ids {
				p.Cancel(admitted)
				p.memMgr.UnregisterTask(admitted)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel cancels a task's record. If it is still Free/pending dispatch the
// micro-job itself is flagged cancelled too; a task already picked up by a
// worker keeps running (advisory only), but its record still transitions
// to cancelled so callers stop waiting on a discarded result.
func (p *Pool) Cancel(id types.TaskID) bool {
	rec, ok := p.registry.Get(id)
	if !ok {
		return false
	}
	// Hold p.mu across the lookup and the Cancel call itself: releaseJob
	// also takes p.mu to delete the inFlight entry before handing the
	// micro-job back to the pool, so holding it here prevents that job
	// from being released, reset, and reacquired for an unrelated task
	// between the lookup and the call.
	p.mu.Lock()
	job := p.inFlight[id]
	if job != nil {
		job.Cancel()
	}
	p.mu.Unlock()
	return rec.Cancel()
}

// AwaitOne blocks until id finishes or timeout elapses.
func (p *Pool) AwaitOne(id types.TaskID, timeout time.Duration) (types.Outcome, error) {
	rec, ok := p.registry.Get(id)
	if !ok {
		return types.Outcome{}, types.NewError(types.ErrNotFound, fmt.Sprintf("unknown task %d", id), nil)
	}
	outcome, finished := rec.Await(timeout)
	if !finished {
		return types.Outcome{}, types.NewError(types.ErrTimeout, "await timed out", nil)
	}
	return outcome, nil
}

// AwaitAll blocks until every id finishes or the deadline elapses, polling
// at an interval scaled to the number of logical cores (1ms on small
// machines, up to 5ms on large ones) so the cooperative caller isn't woken
// needlessly often.
func (p *Pool) AwaitAll(ids []types.TaskID, timeout time.Duration) ([]types.Outcome, error) {
	interval := p.awaitPollInterval()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	out := make([]types.Outcome, len(ids))
	remaining := make([]bool, len(ids))
	for i := range remaining {
		remaining[i] = true
	}

	for {
		allDone := true
		for i, id := range ids {
			if !remaining[i] {
				continue
			}
			rec, ok := p.registry.Get(id)
			if !ok {
				return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("unknown task %d", id), nil)
			}
			if rec.IsFinished() {
				snap := rec.Snapshot()
				out[i] = *snap.Outcome
				rec.MarkObserved()
				remaining[i] = false
			} else {
				allDone = false
			}
		}
		if allDone {
			return out, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return out, types.NewError(types.ErrTimeout, "await_all timed out", nil)
		}
		time.Sleep(interval)
	}
}

func pollInterval() time.Duration {
	cores := runtime.NumCPU()
	switch {
	case cores <= 2:
		return time.Millisecond
	case cores <= 8:
		return 2 * time.Millisecond
	default:
		return 5 * time.Millisecond
	}
}

// ResultOf returns a finished task's success value.
func (p *Pool) ResultOf(id types.TaskID) (any, bool) {
	rec, ok := p.registry.Get(id)
	if !ok {
		return nil, false
	}
	snap := rec.Snapshot()
	if snap.Outcome == nil || !snap.Outcome.IsSuccess() {
		return nil, false
	}
	rec.MarkObserved()
	return snap.Outcome.Value(), true
}

// ErrorOf returns a finished task's failure error.
func (p *Pool) ErrorOf(id types.TaskID) (*types.EngineError, bool) {
	rec, ok := p.registry.Get(id)
	if !ok {
		return nil, false
	}
	snap := rec.Snapshot()
	if snap.Outcome == nil || snap.Outcome.IsSuccess() {
		return nil, false
	}
	rec.MarkObserved()
	return snap.Outcome.Err(), true
}

// HasError reports whether id finished with a failure outcome.
func (p *Pool) HasError(id types.TaskID) bool {
	_, ok := p.ErrorOf(id)
	return ok
}

// IsFinished reports whether id has reached a terminal state.
func (p *Pool) IsFinished(id types.TaskID) bool {
	rec, ok := p.registry.Get(id)
	return ok && rec.IsFinished()
}

// Snapshot returns the engine-wide view combining worker counts, stats,
// and memory-pool occupancy.
func (p *Pool) Snapshot() types.EngineSnapshot {
	s := p.statsC.Snapshot()
	poolStats := p.memMgr.Pool().Stats()
	memStats := p.memMgr.Stats()

	p.mu.Lock()
	workerCount := len(p.workers)
	queued := p.queueDepth
	p.mu.Unlock()

	return types.EngineSnapshot{
		WorkerCount:       workerCount,
		QueuedTasks:       queued,
		RunningTasks:      poolStats.InUse,
		CompletedTasks:    s.Completed,
		FailedTasks:       s.Failed,
		CancelledTasks:    s.Cancelled,
		AverageExecMs:     s.AverageExecMs,
		SuccessRate:       s.SuccessRate,
		WorkerUtilization: s.WorkerUtilization,
		MemoryLimitBytes:  memStats.LimitBytes,
		MemoryUsedBytes:   memStats.TotalBytes - memStats.AvailableBytes,
		ObjectPoolTotal:   poolStats.Total,
		ObjectPoolFree:    poolStats.Free,
		ObjectPoolInUse:   poolStats.InUse,
	}
}

// Shutdown stops accepting new work, lets already-dispatched workers
// finish, and returns once every goroutine has exited.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.closed)
	for _, w := range p.workers {
		close(w.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait() // every worker has stopped submitting to completionCh

	// A worker's select over {stopCh, closed, taskCh} can pick closed/stopCh
	// even while a job is already sitting in taskCh, so jobs that were
	// enqueued but never claimed by a worker can still be buffered here.
	// Drain and evict them so their task records reach a terminal state
	// instead of leaving an AwaitOne(id, 0) caller blocked forever.
	for {
		select {
		case job := <-p.taskCh:
			p.evictPendingWithReason(job, "worker pool shut down before dispatch")
		default:
			close(p.completionCh)
			<-p.dispatchDone
			return
		}
	}
}
