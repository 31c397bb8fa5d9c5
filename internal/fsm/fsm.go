// Package fsm provides explicit transition tables for the lifecycle state
// machines. A Machine maps (state, event) to the next state; side effects are
// run by the owning service after a transition is accepted.
package fsm

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not allowed from the current state.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	Entity string
	From   string
	Event  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", e.Entity, e.Event, e.From)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition is one edge set of a machine: Event moves any of From to To.
type Transition[S ~string, E ~string] struct {
	Event E
	From  []S
	To    S
}

// Machine is an immutable transition table.
type Machine[S ~string, E ~string] struct {
	entity string
	edges  map[E]map[S]S
}

// New builds a machine for the named entity. Duplicate (state, event) pairs panic.
func New[S ~string, E ~string](entity string, transitions ...Transition[S, E]) *Machine[S, E] {
	m := &Machine[S, E]{entity: entity, edges: make(map[E]map[S]S)}
	for _, t := range transitions {
		from, ok := m.edges[t.Event]
		if !ok {
			from = make(map[S]S)
			m.edges[t.Event] = from
		}
		for _, s := range t.From {
			if _, dup := from[s]; dup {
				panic(fmt.Sprintf("fsm %s: duplicate edge %s --%s-->", entity, s, t.Event))
			}
			from[s] = t.To
		}
	}
	return m
}

// Can reports whether event is allowed from state.
func (m *Machine[S, E]) Can(from S, event E) bool {
	_, ok := m.edges[event][from]
	return ok
}

// Next returns the state reached by firing event from state.
func (m *Machine[S, E]) Next(from S, event E) (S, error) {
	to, ok := m.edges[event][from]
	if !ok {
		return from, &TransitionError{Entity: m.entity, From: string(from), Event: string(event)}
	}
	return to, nil
}

// Events lists the events allowed from state.
func (m *Machine[S, E]) Events(from S) []E {
	var out []E
	for e, edges := range m.edges {
		if _, ok := edges[from]; ok {
			out = append(out, e)
		}
	}
	return out
}
