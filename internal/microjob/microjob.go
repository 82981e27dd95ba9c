// ============================================================================
// taskengine Micro-Job Control Block
// ============================================================================
//
// Package: internal/microjob
// Purpose: Per-submission control block recycled through an object pool
//
// Merges a paired task/result struct into one mutable, poolable struct,
// and adds a State field so a micro-job can never be observed
// simultaneously on the pool's free-list, in a worker's hands, and
// mid-delivery.
// ============================================================================

package microjob

import (
	"context"
	"sync"
	"time"

	"taskengine/pkg/types"
)

// State is where a micro-job currently sits relative to the worker pool.
type State int

const (
	// Free means the micro-job is idle on the object pool's free-list.
	Free State = iota
	// InFlight means a worker owns it and is running Closure.
	InFlight
	// Delivering means a worker finished and the dispatcher is
	// transferring the outcome into the task record.
	Delivering
)

// Complexity is a coarse size classification of a micro-job's observed
// duration, as reported by EstimatedComplexity.
type Complexity int

const (
	Trivial Complexity = iota
	Simple
	Moderate
	Complex
	Heavy
)

// Runnable is the opaque unit of work the engine executes. A plain Go
// closure satisfies it via RunFunc; an external host loop may implement it
// directly to wrap some other callable.
type Runnable interface {
	Execute(ctx context.Context) (any, error)
}

// RunFunc adapts a func to Runnable.
type RunFunc func(ctx context.Context) (any, error)

// Execute calls f.
func (f RunFunc) Execute(ctx context.Context) (any, error) { return f(ctx) }

// MicroJob is the recyclable control block submitted to the worker pool.
// Cancel/Cancelled and the State transitions it guards are the only fields
// touched from more than one goroutine (a caller cancelling versus the
// worker executing), so they sit behind mu; everything else is only ever
// touched by the worker currently holding the micro-job.
type MicroJob struct {
	ID       types.TaskID
	Closure  Runnable
	Priority int
	Timeout  time.Duration

	mu        sync.Mutex
	state     State
	cancelled bool

	EnqueuedAt  int64
	StartedAt   int64
	CompletedAt int64

	// pendingOutcome is stashed by the worker that ran Closure and
	// consumed by the completion dispatcher, which is the only place
	// that writes it into the task record.
	pendingOutcome types.Outcome

	// OnComplete, if set, is invoked by the completion dispatcher after
	// the outcome has been published to the task record — used by batch
	// submission to drive progress callbacks. It receives the task id
	// directly, rather than leaving the caller to capture it from a
	// variable assigned after Submit returns, since a fast-finishing job
	// can race the dispatcher against that assignment.
	OnComplete func(id types.TaskID, outcome types.Outcome)
}

// PendingOutcome returns the outcome stashed by the worker, for the
// completion dispatcher's use.
func (m *MicroJob) PendingOutcome() types.Outcome { return m.pendingOutcome }

// SetPendingOutcome stashes the outcome a worker produced.
func (m *MicroJob) SetPendingOutcome(o types.Outcome) { m.pendingOutcome = o }

// State reports where the micro-job currently sits relative to the pool.
func (m *MicroJob) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState transitions the micro-job to s.
func (m *MicroJob) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Reset clears a MicroJob's fields for reuse by the object pool. It never
// allocates, keeping the hot path free of per-task garbage.
func (m *MicroJob) Reset() {
	m.ID = 0
	m.Closure = nil
	m.Priority = 0
	m.Timeout = 0
	m.EnqueuedAt = 0
	m.StartedAt = 0
	m.CompletedAt = 0
	m.pendingOutcome = types.Outcome{}
	m.OnComplete = nil

	m.mu.Lock()
	m.state = Free
	m.cancelled = false
	m.mu.Unlock()
}

// Cancel marks the micro-job cancelled. It only takes effect while the
// micro-job is still Free/pending dispatch — once a worker has claimed it
// (InFlight), cancellation is advisory only and does not preempt it.
func (m *MicroJob) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == InFlight || m.state == Delivering {
		m.cancelled = true
		return false
	}
	m.cancelled = true
	return true
}

// Cancelled reports whether Cancel has been called on this micro-job.
func (m *MicroJob) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Duration returns how long the micro-job ran, or zero if it hasn't
// completed yet.
func (m *MicroJob) Duration() time.Duration {
	if m.StartedAt == 0 || m.CompletedAt == 0 {
		return 0
	}
	return time.Duration(m.CompletedAt - m.StartedAt)
}

// EstimatedComplexity classifies the micro-job from its observed duration,
// using the same fixed thresholds for every task regardless of workload
// profile.
func (m *MicroJob) EstimatedComplexity() Complexity {
	d := m.Duration()
	switch {
	case d <= 0:
		return Simple
	case d < time.Millisecond:
		return Trivial
	case d < 10*time.Millisecond:
		return Simple
	case d < 100*time.Millisecond:
		return Moderate
	case d < time.Second:
		return Complex
	default:
		return Heavy
	}
}

// IsBatchingFriendly reports whether this micro-job is cheap enough that
// grouping several together into one dispatch round trip is worthwhile.
func (m *MicroJob) IsBatchingFriendly() bool {
	c := m.EstimatedComplexity()
	return c == Trivial || c == Simple
}
