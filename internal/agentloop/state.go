package agentloop

import "fmt"

// State is the state of one loop invocation.
type State string

const (
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateRefining   State = "refining"
	StateBlocked    State = "blocked"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether s ends the invocation.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	StatePlanning:   {StateBlocked, StateExecuting, StateFailed},
	StateBlocked:    {StateExecuting, StateFailed},
	StateExecuting:  {StateValidating, StateFailed},
	StateValidating: {StateSucceeded, StateRefining, StateFailed},
	StateRefining:   {StateBlocked, StateExecuting, StateFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the current state and rejects illegal moves.
type machine struct {
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: StatePlanning, history: []State{StatePlanning}}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("illegal loop transition %s -> %s", m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
