package fsm

import (
	"errors"
	"testing"
)

type state string
type event string

func doorMachine() *Machine[state, event] {
	return New("door",
		Transition[state, event]{Event: "open", From: []state{"closed"}, To: "opened"},
		Transition[state, event]{Event: "close", From: []state{"opened"}, To: "closed"},
		Transition[state, event]{Event: "lock", From: []state{"closed"}, To: "locked"},
	)
}

func TestMachineNext(t *testing.T) {
	m := doorMachine()
	next, err := m.Next("closed", "open")
	if err != nil || next != "opened" {
		t.Fatalf("expected opened, got %s (%v)", next, err)
	}
	if !m.Can("closed", "lock") {
		t.Fatal("expected lock allowed from closed")
	}
}

func TestMachineRejectsUnknownEdge(t *testing.T) {
	m := doorMachine()
	next, err := m.Next("locked", "open")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if next != "locked" {
		t.Fatalf("state must be unchanged, got %s", next)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.Entity != "door" || te.Event != "open" {
		t.Fatalf("unexpected transition error %#v", err)
	}
}

func TestMachinePanicsOnDuplicateEdge(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New("dup",
		Transition[state, event]{Event: "go", From: []state{"a"}, To: "b"},
		Transition[state, event]{Event: "go", From: []state{"a"}, To: "c"},
	)
}

func TestMachineEvents(t *testing.T) {
	events := doorMachine().Events("closed")
	if len(events) != 2 {
		t.Fatalf("expected 2 events from closed, got %v", events)
	}
}
