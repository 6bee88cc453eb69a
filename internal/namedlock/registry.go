// Package namedlock implements the gateway's in-process, priority-ordered
// mutual exclusion used to serialize order operations that touch the same
// account or the same (account, orderType) pair. It is not a distributed
// lock: the gateway core is the sole writer against the broker connection,
// so there is exactly one process that ever needs these locks.
package namedlock

import (
	"container/heap"
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

type lockState struct {
	holder     string
	generation uint64
	lockTimer  *time.Timer
	waiters    waiterHeap
}

// Registry holds every named lock's state. The zero value is not usable;
// construct with New.
type Registry struct {
	cfg Config

	mu         sync.Mutex
	locks      map[string]*lockState
	queueCount int
	seq        uint64

	events chan Event
}

// New creates a Registry. events may be nil; when non-nil it receives
// best-effort observability events and must be drained by the caller.
func New(cfg Config, events chan Event) *Registry {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultConfig().QueueTimeout
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	return &Registry{
		cfg:    cfg,
		locks:  make(map[string]*lockState),
		events: events,
	}
}

func (r *Registry) emit(kind EventKind, name, holder string) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- Event{Kind: kind, Name: name, Holder: holder, At: time.Now()}:
	default:
	}
}

// Acquire grants name to holder immediately if free, otherwise queues the
// request ordered by priority then arrival. It blocks until granted,
// rejected (ErrQueueFull, ErrQueueTimeout, ErrReset), or ctx is done.
func (r *Registry) Acquire(ctx context.Context, name, holder string, priority Priority) (AcquireResult, error) {
	enqueuedAt := time.Now()

	r.mu.Lock()
	st := r.getOrCreate(name)
	if st.holder == "" {
		st.holder = holder
		st.generation++
		r.armLockTimeout(name, st, st.generation)
		r.mu.Unlock()
		r.emit(EventLockAcquired, name, holder)
		return AcquireResult{WaitTime: 0, QueuePosition: 0}, nil
	}

	if r.queueCount >= r.cfg.MaxQueueSize {
		r.mu.Unlock()
		return AcquireResult{}, ErrQueueFull
	}

	r.seq++
	w := &waiter{holder: holder, priority: priority, seq: r.seq, result: make(chan error, 1)}
	heap.Push(&st.waiters, w)
	r.queueCount++
	position := rankOf(st.waiters, w)
	queueTimeout := r.cfg.QueueTimeout
	r.mu.Unlock()

	timer := time.AfterFunc(queueTimeout, func() { r.timeoutWaiter(name, w) })
	w.timer = &timerHandle{stop: timer.Stop}

	select {
	case err := <-w.result:
		timer.Stop()
		if err != nil {
			return AcquireResult{}, err
		}
		r.emit(EventLockAcquired, name, holder)
		return AcquireResult{WaitTime: time.Since(enqueuedAt), QueuePosition: position}, nil
	case <-ctx.Done():
		timer.Stop()
		if err := r.cancelWaiter(name, w); err != nil {
			return AcquireResult{}, err
		}
		return AcquireResult{}, ctx.Err()
	}
}

// cancelWaiter removes w from its queue. If w was already granted the lock
// by a concurrent Release racing this cancellation, the lock is released on
// holder's behalf since the caller is no longer waiting for it.
func (r *Registry) cancelWaiter(name string, w *waiter) error {
	r.mu.Lock()
	st, ok := r.locks[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if w.index >= 0 {
		heap.Remove(&st.waiters, w.index)
		r.queueCount--
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	<-w.result
	return r.Release(name, w.holder)
}

func (r *Registry) timeoutWaiter(name string, w *waiter) {
	r.mu.Lock()
	st, ok := r.locks[name]
	if !ok || w.index < 0 {
		r.mu.Unlock()
		return
	}
	heap.Remove(&st.waiters, w.index)
	r.queueCount--
	r.mu.Unlock()

	select {
	case w.result <- ErrQueueTimeout:
	default:
	}
}

// Release hands name back. A release by a holder that does not currently
// hold the lock is logged and ignored rather than treated as an error: the
// caller may simply have lost a force-release race.
func (r *Registry) Release(name, holder string) error {
	r.mu.Lock()
	st, ok := r.locks[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if st.holder != holder {
		r.mu.Unlock()
		log.Printf("namedlock: release of %q by %q ignored, held by %q", name, holder, st.holder)
		return nil
	}
	r.stopLockTimer(st)
	st.holder = ""
	r.grantNext(name, st)
	r.mu.Unlock()
	r.emit(EventLockReleased, name, holder)
	return nil
}

// grantNext must be called with r.mu held. It pops the next waiter, if any,
// and hands it the lock.
func (r *Registry) grantNext(name string, st *lockState) {
	if st.waiters.Len() == 0 {
		return
	}
	w := heap.Pop(&st.waiters).(*waiter)
	r.queueCount--
	if w.timer != nil {
		w.timer.stop()
	}
	st.holder = w.holder
	st.generation++
	r.armLockTimeout(name, st, st.generation)
	w.result <- nil
}

func (r *Registry) armLockTimeout(name string, st *lockState, gen uint64) {
	st.lockTimer = time.AfterFunc(r.cfg.LockTimeout, func() { r.forceRelease(name, gen) })
}

func (r *Registry) stopLockTimer(st *lockState) {
	if st.lockTimer != nil {
		st.lockTimer.Stop()
		st.lockTimer = nil
	}
}

func (r *Registry) forceRelease(name string, gen uint64) {
	r.mu.Lock()
	st, ok := r.locks[name]
	if !ok || st.generation != gen || st.holder == "" {
		r.mu.Unlock()
		return
	}
	holder := st.holder
	st.holder = ""
	r.grantNext(name, st)
	r.mu.Unlock()

	log.Printf("namedlock: force-released %q held by %q after %s", name, holder, r.cfg.LockTimeout)
	r.emit(EventLockForceReleased, name, holder)
}

func (r *Registry) getOrCreate(name string) *lockState {
	st, ok := r.locks[name]
	if !ok {
		st = &lockState{}
		r.locks[name] = st
	}
	return st
}

// rankOf returns w's 1-based position among currently queued waiters for
// its lock, in grant order.
func rankOf(h waiterHeap, target *waiter) int {
	less := func(a, b *waiter) bool {
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	}
	position := 1
	for _, w := range h {
		if w == target {
			continue
		}
		if less(w, target) {
			position++
		}
	}
	return position
}

// WithLock acquires name, runs fn, and releases name whether or not fn
// returns an error.
func (r *Registry) WithLock(ctx context.Context, name, holder string, priority Priority, fn func() error) error {
	if _, err := r.Acquire(ctx, name, holder, priority); err != nil {
		return err
	}
	defer r.Release(name, holder)
	return fn()
}

// AcquireMultiple acquires every name in names, always in lexicographic
// order regardless of the order names is passed in, to avoid deadlocks
// between callers that both want two or more of the same lock set. On
// failure partway through, every lock already acquired is released before
// returning the error. The returned slice (sorted) is what must be passed
// to ReleaseMultiple.
func (r *Registry) AcquireMultiple(ctx context.Context, names []string, holder string, priority Priority) ([]string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	acquired := make([]string, 0, len(sorted))
	for _, n := range sorted {
		if _, err := r.Acquire(ctx, n, holder, priority); err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				_ = r.Release(acquired[i], holder)
			}
			return nil, err
		}
		acquired = append(acquired, n)
	}
	return acquired, nil
}

// ReleaseMultiple releases every name in names, in reverse order.
func (r *Registry) ReleaseMultiple(names []string, holder string) {
	for i := len(names) - 1; i >= 0; i-- {
		_ = r.Release(names[i], holder)
	}
}

// QueueDepths returns the current waiter count for every lock name that has
// ever been acquired or contended, for the monitoring surface's /status
// endpoint. Locks with zero waiters are included so a caller can see a
// held-but-uncontended lock.
func (r *Registry) QueueDepths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.locks))
	for name, st := range r.locks {
		out[name] = st.waiters.Len()
	}
	return out
}

// Reset rejects every currently queued waiter, across every lock name, with
// ErrReset. Locks already held stay held; their holders must still release
// normally.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.locks {
		for st.waiters.Len() > 0 {
			w := heap.Pop(&st.waiters).(*waiter)
			r.queueCount--
			if w.timer != nil {
				w.timer.stop()
			}
			select {
			case w.result <- ErrReset:
			default:
			}
		}
	}
}
