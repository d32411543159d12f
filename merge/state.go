package merge

import "fmt"

// State is the lifecycle state of a logical table as seen by the coordinator.
type State int

const (
	StateAbsent State = iota
	StateExists
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateExists:
		return "EXISTS"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Action is what a write does to a table.
type Action string

const (
	ActionNone      Action = "none"
	ActionCreate    Action = "create"
	ActionMerge     Action = "merge"
	ActionOverwrite Action = "overwrite"
)

type operation int

const (
	opApply operation = iota
	opOverwrite
)

// plan picks the action an operation takes from state s.
func plan(s State, op operation) Action {
	if s == StateAbsent {
		return ActionCreate
	}
	if op == opOverwrite {
		return ActionOverwrite
	}
	return ActionMerge
}

// Transition returns the state reached by running action a from state s.
// Nothing this package does leads back to StateAbsent.
func Transition(s State, a Action) (State, error) {
	switch {
	case a == ActionNone:
		return s, nil
	case s == StateAbsent && a == ActionCreate:
		return StateExists, nil
	case s == StateExists && (a == ActionMerge || a == ActionOverwrite):
		return StateExists, nil
	}
	return s, fmt.Errorf("invalid transition: %s from %s", a, s)
}
