package models

// RunState is a state of the research run state machine.
type RunState string

const (
	StatePending      RunState = "pending"
	StatePlanning     RunState = "planning"
	StateResearching  RunState = "researching"
	StateValidating   RunState = "validating"
	StateSynthesizing RunState = "synthesizing"
	StateDone         RunState = "done"
	StateFailed       RunState = "failed"
)

var transitions = map[RunState][]RunState{
	StatePending:      {StatePlanning},
	StatePlanning:     {StateResearching},
	StateResearching:  {StateValidating},
	StateValidating:   {StateSynthesizing},
	StateSynthesizing: {StateDone},
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether s -> next is legal. Failed is reachable from any non-terminal state.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}
