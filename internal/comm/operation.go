package comm

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// State is the lifecycle state of an operation.
type State int

const (
	StatePending State = iota
	StateActive
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Operation is one logical unit of work against one controller.
type Operation struct {
	id         string
	kind       string
	controller *domain.Controller
	priority   domain.Priority
	created    time.Time
	expires    time.Time

	// set by the queue
	seq uint64

	mu         sync.Mutex
	phase      *Phase
	state      State
	success    bool
	err        error
	retries    int
	iterations int
	started    time.Time

	cleanups  []func(*Operation)
	cleanOnce sync.Once
}

// NewOperation creates a pending operation that starts at first.
func NewOperation(kind string, c *domain.Controller, priority domain.Priority, first *Phase) *Operation {
	return &Operation{
		id:         uuid.NewString(),
		kind:       kind,
		controller: c,
		priority:   priority,
		created:    time.Now(),
		phase:      first,
	}
}

// OnCleanup registers fn to run once the operation is done. Cleanups are
// the only place results are committed back to the controller or sinks.
func (op *Operation) OnCleanup(fn func(*Operation)) *Operation {
	op.cleanups = append(op.cleanups, fn)
	return op
}

// WithExpiry sets the time after which a pending operation is discarded.
func (op *Operation) WithExpiry(t time.Time) *Operation {
	op.expires = t
	return op
}

// ID returns the unique operation id.
func (op *Operation) ID() string { return op.id }

// Kind returns the work kind, e.g. "sample-30s" or "setup".
func (op *Operation) Kind() string { return op.kind }

// Controller returns the target controller.
func (op *Operation) Controller() *domain.Controller { return op.controller }

// Priority returns the scheduling class.
func (op *Operation) Priority() domain.Priority { return op.priority }

// Created returns the creation time.
func (op *Operation) Created() time.Time { return op.created }

// Key identifies operations that must not be queued twice.
func (op *Operation) Key() string {
	return op.controller.ID + "/" + op.kind
}

// Expired reports whether the operation's expiry has passed.
func (op *Operation) Expired(now time.Time) bool {
	return !op.expires.IsZero() && now.After(op.expires)
}

// State returns the lifecycle state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Success reports whether the operation completed its phase chain.
func (op *Operation) Success() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.success
}

// Err returns the error that ended the operation.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Retries returns the number of retried round trips.
func (op *Operation) Retries() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.retries
}

// PhaseName returns the name of the current phase.
func (op *Operation) PhaseName() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.phase.Name()
}

func (op *Operation) currentPhase() *Phase {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.phase
}

func (op *Operation) activate(now time.Time) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == StatePending {
		op.state = StateActive
		op.started = now
	}
}

// advance moves to next and reports how many times in a row the same
// phase has now run.
func (op *Operation) advance(next *Phase) int {
	op.mu.Lock()
	defer op.mu.Unlock()
	if next != nil && next == op.phase {
		op.iterations++
	} else {
		op.iterations = 0
	}
	op.phase = next
	return op.iterations
}

func (op *Operation) retried() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.retries++
	return op.retries
}

// finish marks the operation done and runs its cleanups exactly once.
// It reports whether this call performed the transition.
func (op *Operation) finish(err error) bool {
	done := false
	op.cleanOnce.Do(func() {
		op.mu.Lock()
		op.state = StateDone
		op.phase = nil
		op.success = err == nil
		op.err = err
		op.mu.Unlock()
		for _, fn := range op.cleanups {
			fn(op)
		}
		done = true
	})
	return done
}

func (op *Operation) elapsed(now time.Time) time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.started.IsZero() {
		return 0
	}
	return now.Sub(op.started)
}
