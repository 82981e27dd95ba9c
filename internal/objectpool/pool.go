// Package objectpool implements a generic, bounded LIFO pool of reusable
// control blocks, specialized over *microjob.MicroJob (and, in tests,
// simpler structs) instead of being tied to one concrete type.
package objectpool

import "sync"

// Pool is a bounded LIFO free-list of *T. New allocates a fresh *T when the
// free-list is empty and total is below max; Reset clears a *T's fields
// before it is handed back out.
type Pool[T any] struct {
	mu    sync.Mutex
	free  []*T
	max   int
	total int
	inUse int

	New   func() *T
	Reset func(*T)
}

// New constructs a Pool with the given upper bound on total objects ever
// allocated. max <= 0 means unbounded.
func New[T any](max int, newFn func() *T, resetFn func(*T)) *Pool[T] {
	return &Pool[T]{
		max:   max,
		New:   newFn,
		Reset: resetFn,
	}
}

// Acquire returns a *T from the free-list, allocating a new one if the
// free-list is empty and the pool has not hit its ceiling. ok is false only
// when the pool is at max and nothing is free.
func (p *Pool[T]) Acquire() (value *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		return v, true
	}

	if p.max > 0 && p.total >= p.max {
		return nil, false
	}

	v := p.New()
	p.total++
	p.inUse++
	return v, true
}

// Release resets v and returns it to the free-list for reuse.
func (p *Pool[T]) Release(v *T) {
	if v == nil {
		return
	}
	if p.Reset != nil {
		p.Reset(v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	p.free = append(p.free, v)
}

// SetMax adjusts the pool's upper bound on total objects ever allocated.
// It takes effect on the next Acquire past the current total: lowering max
// below total does not evict anything already allocated, it only stops
// further growth until total drops back under the new ceiling (which never
// happens on its own, since Release returns objects to the free-list rather
// than discarding them). max <= 0 means unbounded.
func (p *Pool[T]) SetMax(max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max = max
}

// Counts is a point-in-time view of pool occupancy.
type Counts struct {
	Total int
	Free  int
	InUse int
}

// Stats reports total/free/in-use counts under the pool's lock.
func (p *Pool[T]) Stats() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Counts{Total: p.total, Free: len(p.free), InUse: p.inUse}
}

// Remaining reports how many more Acquires could succeed right now without
// anything being Released first. unbounded is true when max <= 0, in which
// case n is meaningless.
func (p *Pool[T]) Remaining() (n int, unbounded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max <= 0 {
		return 0, true
	}
	return len(p.free) + (p.max - p.total), false
}
