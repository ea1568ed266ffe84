package comm

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// OpQueue holds the pending operations of one link, ordered by priority
// class then enqueue order.
//
// A key (controller + kind) stays reserved from Enqueue until Done, so a
// second operation of the same kind is rejected while the first is pending
// or in flight. At most one operation per controller is handed out by Next
// until it is marked Done.
type OpQueue struct {
	mu         sync.Mutex
	ops        []*Operation
	keys       map[string]struct{}
	active     map[string]*Operation
	seq        uint64
	maxPending int
	closed     bool
	changed    chan struct{}
	onExpire   func(*Operation)
	now        func() time.Time
}

// NewOpQueue creates a queue bounded to maxPending operations (0 means
// unbounded). onExpire is called, outside the queue lock, for each pending
// operation dropped because its expiry passed.
func NewOpQueue(maxPending int, onExpire func(*Operation)) *OpQueue {
	if onExpire == nil {
		onExpire = func(*Operation) {}
	}
	return &OpQueue{
		keys:       make(map[string]struct{}),
		active:     make(map[string]*Operation),
		maxPending: maxPending,
		changed:    make(chan struct{}),
		onExpire:   onExpire,
		now:        time.Now,
	}
}

func before(a, b *Operation) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// signal wakes every waiter. Caller holds mu.
func (q *OpQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue inserts op in priority order.
func (q *OpQueue) Enqueue(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	key := op.Key()
	if _, dup := q.keys[key]; dup {
		return domain.ErrDuplicateOperation
	}
	if q.maxPending > 0 && len(q.ops) >= q.maxPending {
		return domain.ErrQueueFull
	}

	q.seq++
	op.seq = q.seq
	i := sort.Search(len(q.ops), func(i int) bool { return before(op, q.ops[i]) })
	q.ops = slices.Insert(q.ops, i, op)
	q.keys[key] = struct{}{}
	q.signal()
	return nil
}

// Next blocks until an operation whose controller is idle is available,
// removes it from the queue and marks its controller active.
func (q *OpQueue) Next(ctx context.Context) (*Operation, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		op, expired := q.pickLocked(q.now())
		wait := q.changed
		q.mu.Unlock()

		for _, e := range expired {
			q.onExpire(e)
		}
		if op != nil {
			return op, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// pickLocked removes expired operations and returns the first eligible one.
func (q *OpQueue) pickLocked(now time.Time) (*Operation, []*Operation) {
	var expired []*Operation
	kept := q.ops[:0]
	var picked *Operation
	for _, op := range q.ops {
		switch {
		case op.Expired(now):
			delete(q.keys, op.Key())
			expired = append(expired, op)
		case picked == nil && q.active[op.controller.ID] == nil:
			picked = op
		default:
			kept = append(kept, op)
		}
	}
	for i := len(kept); i < len(q.ops); i++ {
		q.ops[i] = nil
	}
	q.ops = kept
	if picked != nil {
		q.active[picked.controller.ID] = picked
	}
	return picked, expired
}

// Done releases the controller slot and key held by op.
func (q *OpQueue) Done(op *Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[op.controller.ID] == op {
		delete(q.active, op.controller.ID)
	}
	delete(q.keys, op.Key())
	q.signal()
}

// Remove cancels a pending operation that has not started.
func (q *OpQueue) Remove(id string) (*Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.id == id {
			q.ops = slices.Delete(q.ops, i, i+1)
			delete(q.keys, op.Key())
			q.signal()
			return op, true
		}
	}
	return nil, false
}

// Close rejects further work, wakes every waiter and returns the pending
// operations in queue order.
func (q *OpQueue) Close() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	drained := q.ops
	q.ops = nil
	for _, op := range drained {
		delete(q.keys, op.Key())
	}
	q.signal()
	return drained
}

// Len returns the number of pending operations.
func (q *OpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Active returns the number of operations handed out and not yet done.
func (q *OpQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Pending returns a snapshot of the pending operations in queue order.
func (q *OpQueue) Pending() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.ops)
}
