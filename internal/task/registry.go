package task

import (
	"sync"
	"sync/atomic"

	"taskengine/pkg/types"
)

// entry pairs a Record with the generation it was registered under. The
// memory manager's cleanup tick compares generations rather than relying
// on a garbage-collector-level weak pointer, which Go does not expose.
// markedForCleanup is the explicit escape hatch for a record no awaiter
// will ever call Await on (e.g. a Sink-delivered or Batch-progress
// completion) — it lets the sweep reclaim the record once finished without
// requiring MarkObserved to have been called.
type entry struct {
	record           *Record
	generation       uint64
	markedForCleanup bool
}

// Registry is the id-indexed table of in-flight and recently finished task
// records.
type Registry struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[types.TaskID]*entry
	gen     uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.TaskID]*entry)}
}

// NextID allocates a fresh, monotonically increasing TaskID.
func (r *Registry) NextID() types.TaskID {
	return types.TaskID(atomic.AddInt64(&r.nextID, 1))
}

// Register creates and stores a new Record for id at the current
// generation, returning it.
func (r *Registry) Register(id types.TaskID) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := New(id)
	r.entries[id] = &entry{record: rec, generation: r.gen}
	return rec
}

// Get returns the Record for id, if it is still registered.
func (r *Registry) Get(id types.TaskID) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// Unregister removes id from the table outright, regardless of whether it
// has finished or been observed. This is the explicit unregister_task
// operation: a caller that will never await id again uses it to drop the
// record immediately instead of waiting on the cleanup sweep.
func (r *Registry) Unregister(id types.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// MarkForCleanup flags id as eligible for the cleanup sweep once it
// finishes, without requiring an awaiter to observe its result first. This
// is mark_for_cleanup: used when a completion is delivered through a
// callback (a CompletionSink, a batch progress callback) and no later
// AwaitOne/ResultOf call will ever happen.
func (r *Registry) MarkForCleanup(id types.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.markedForCleanup = true
	}
}

// AdvanceGeneration bumps the registry's generation counter. Called once
// per memory-manager cleanup tick.
func (r *Registry) AdvanceGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	return r.gen
}

// SweepFinishedBefore removes every record whose generation is older than
// cutoff, AND has reached a terminal state, AND either an awaiter has
// observed its outcome or it was explicitly marked for cleanup. A finished
// but unobserved, unmarked record survives no matter how old its
// generation — the record-lifetime invariant is that it lives until both
// conditions hold, not until it merely ages out. Returns how many were
// removed.
func (r *Registry) SweepFinishedBefore(cutoff uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if e.generation >= cutoff {
			continue
		}
		if !e.record.IsFinished() {
			continue
		}
		if !e.record.Observed() && !e.markedForCleanup {
			continue
		}
		delete(r.entries, id)
		removed++
	}
	return removed
}

// Len reports how many records are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
