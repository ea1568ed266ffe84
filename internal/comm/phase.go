package comm

// PhaseFunc performs one request/response step and returns the next phase.
// Returning the phase itself repeats the step; returning nil ends the
// operation successfully.
type PhaseFunc func(msg *Message) (*Phase, error)

// Phase is one step of an operation.
type Phase struct {
	name string
	fn   PhaseFunc
}

// NewPhase creates a named phase.
func NewPhase(name string, fn PhaseFunc) *Phase {
	return &Phase{name: name, fn: fn}
}

// Name returns the phase name.
func (p *Phase) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

func (p *Phase) run(msg *Message) (*Phase, error) {
	return p.fn(msg)
}

// QueryPhase returns a phase that runs a single query then continues with next.
func QueryPhase(name string, prop Property, next *Phase) *Phase {
	return NewPhase(name, func(msg *Message) (*Phase, error) {
		if err := msg.Query(prop); err != nil {
			return nil, err
		}
		return next, nil
	})
}

// StorePhase returns a phase that runs a single store then continues with next.
func StorePhase(name string, prop StoreProperty, next *Phase) *Phase {
	return NewPhase(name, func(msg *Message) (*Phase, error) {
		if err := msg.Store(prop); err != nil {
			return nil, err
		}
		return next, nil
	})
}
