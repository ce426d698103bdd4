package model

// State is the lifecycle position of one candidate inside the checker pool.
type State int

const (
	StatePending State = iota
	StateDispatched
	StateProbing
	StateSucceeded
	StateFailed
	// StateAborted marks a probe that was in flight when cancellation's
	// grace period ran out. It is not a failure.
	StateAborted
	// StateDropped marks a candidate that was never dispatched because the
	// run was cancelled first.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateProbing:
		return "probing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	case StateDropped:
		return "dropped"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// CanTransition reports whether moving from s to next is a legal step.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateDispatched || next == StateDropped
	case StateDispatched:
		return next == StateProbing || next == StateAborted
	case StateProbing:
		return next == StateSucceeded || next == StateFailed || next == StateAborted
	default:
		return false
	}
}
