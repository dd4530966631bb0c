package microvm

import (
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle position of one microVM instance.
type State int

const (
	StateCreated State = iota
	StateBooting
	StateReady
	StateExecuting
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBooting:
		return "booting"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateCreated:      {StateBooting, StateTerminated},
	StateBooting:      {StateReady, StateShuttingDown, StateTerminated},
	StateReady:        {StateExecuting, StateShuttingDown, StateTerminated},
	StateExecuting:    {StateReady, StateShuttingDown, StateTerminated},
	StateShuttingDown: {StateTerminated},
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the next state if the edge is allowed.
func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(transitions[m.state], to) {
		return fmt.Errorf("invalid state transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
