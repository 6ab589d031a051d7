// Package slotpool implements the process-wide chunk-execution semaphore
// (C5): a single counting semaphore of capacity N_global, qualified into
// fixed-slot reservations (blocking, bounding worst-case per-task
// concurrency) and borrow-slot acquisitions (opportunistic, try-acquire
// only, refused while any fixed waiter is queued). Every release wakes all
// fixed waiters and whichever re-takes the lock first wins, so the order in
// which queued fixed waiters are served is not defined. A borrow lease
// already held is kept until its holder releases it; it is not reclaimed
// when a fixed reservation is waiting.
//
// Waiters are woken by closing a shared generation channel on every
// release, generalizing the teacher's workerCond/runningDownloads
// bookkeeping (one global counter guarded by a condition variable) into
// two lease classes while still supporting context cancellation, which
// sync.Cond cannot do natively.
package slotpool

import (
	"context"
	"sync"
)

// Class distinguishes a fixed reservation from an opportunistic borrow.
type Class int

const (
	Fixed Class = iota
	Borrow
)

// Lease is a transient capability: proof its holder may run one outstanding
// chunk. Release is idempotent; calling it more than once is a no-op, so it
// is always safe from a defer regardless of the outcome that triggered it.
type Lease struct {
	pool  *Pool
	class Class
	once  sync.Once
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.class)
	})
}

// Pool is a process-wide semaphore with capacity N_global.
type Pool struct {
	mu        sync.Mutex
	capacity  int
	inUse     int
	borrowed  int
	waitFixed int
	wake      chan struct{}
}

// New creates a Pool with the given global capacity.
func New(capacity int) *Pool {
	return &Pool{capacity: capacity, wake: make(chan struct{})}
}

// SetCapacity adjusts N_global at runtime and wakes any waiters so they can
// re-check whether room opened up.
func (p *Pool) SetCapacity(capacity int) {
	p.mu.Lock()
	p.capacity = capacity
	old := p.wake
	p.wake = make(chan struct{})
	p.mu.Unlock()
	close(old)
}

// AcquireFixed blocks until a fixed slot is available or ctx is done.
func (p *Pool) AcquireFixed(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	p.waitFixed++
	defer func() {
		p.mu.Lock()
		p.waitFixed--
		p.mu.Unlock()
	}()

	for {
		if p.inUse < p.capacity {
			p.inUse++
			p.mu.Unlock()
			return &Lease{pool: p, class: Fixed}, nil
		}
		ch := p.wake
		p.mu.Unlock()

		select {
		case <-ch:
			p.mu.Lock()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquireBorrow attempts a non-blocking opportunistic slot. Returns
// (nil, false) immediately if the pool has no spare capacity or if a fixed
// waiter is already queued, giving fixed reservations eager priority.
func (p *Pool) TryAcquireBorrow() (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitFixed > 0 {
		return nil, false
	}
	if p.inUse >= p.capacity {
		return nil, false
	}
	p.inUse++
	p.borrowed++
	return &Lease{pool: p, class: Borrow}, true
}

func (p *Pool) release(class Class) {
	p.mu.Lock()
	p.inUse--
	if class == Borrow {
		p.borrowed--
	}
	old := p.wake
	p.wake = make(chan struct{})
	p.mu.Unlock()
	close(old)
}

// InUse reports current total occupancy, for metrics/tests.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Capacity reports N_global.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}
