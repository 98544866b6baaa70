package models

import (
	"errors"
	"fmt"
)

type State string

const (
	StateInit       State = "INIT"
	StateGenerating State = "GENERATING"
	StateTesting    State = "TESTING"
	StatePatching   State = "PATCHING"
	StateSuccess    State = "SUCCESS"
	StateFailed     State = "FAILED"
)

// States lists every legal state in lifecycle order.
var States = []State{
	StateInit,
	StateGenerating,
	StateTesting,
	StatePatching,
	StateSuccess,
	StateFailed,
}

var ErrIllegalTransition = errors.New("illegal state transition")

// IllegalTransitionError reports a proposed state change that is not in the
// transition table.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

func (s State) Valid() bool {
	switch s {
	case StateInit, StateGenerating, StateTesting, StatePatching, StateSuccess, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed
}

// CanTransition reports whether from -> to is in the transition table.
// The table is closed: anything not listed here is a bug.
func CanTransition(from, to State) bool {
	switch from {
	case StateInit:
		return to == StateGenerating
	case StateGenerating:
		return to == StateTesting || to == StateFailed
	case StateTesting:
		return to == StateSuccess || to == StatePatching || to == StateFailed
	case StatePatching:
		return to == StateTesting || to == StateFailed
	default:
		return false
	}
}

// ValidateTransition returns an *IllegalTransitionError when from -> to is
// not allowed.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}
