package actions

import (
	"fmt"
	"sync"
)

// RunState tracks the rerun lifecycle of one workflow run.
type RunState string

const (
	StateIdle           RunState = "idle"
	StateRerunRequested RunState = "rerun_requested"
	StateRunning        RunState = "running"
	StateEscalated      RunState = "escalated"
)

// validTransitions defines allowed (from → to) state transitions. Escalated
// is absorbing: only a fresh workflow run (Reset) leaves it.
var validTransitions = map[RunState][]RunState{
	StateIdle:           {StateRerunRequested},
	StateRerunRequested: {StateRunning, StateEscalated, StateIdle},
	StateRunning:        {StateIdle},
	StateEscalated:      nil,
}

// CanTransition reports whether transitioning from `from` to `to` is allowed.
func CanTransition(from, to RunState) bool {
	if from == to {
		return true
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// RunStateMachine holds the in-memory rerun state per workflow run. Unknown
// runs are idle.
type RunStateMachine struct {
	mu     sync.Mutex
	states map[int64]RunState
}

func NewRunStateMachine() *RunStateMachine {
	return &RunStateMachine{states: make(map[int64]RunState)}
}

// State returns the current state for a run.
func (m *RunStateMachine) State(runID int64) RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[runID]; ok {
		return s
	}
	return StateIdle
}

// Transition moves the run to the target state after validation.
func (m *RunStateMachine) Transition(runID int64, to RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := m.states[runID]
	if !ok {
		from = StateIdle
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition %s → %s for run %d", from, to, runID)
	}
	m.states[runID] = to
	return nil
}

// Reset drops the run's state, as when a new commit re-triggers the workflow.
func (m *RunStateMachine) Reset(runID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, runID)
}
